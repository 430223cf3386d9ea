package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
	_ "time/tzdata"

	"lead_routing_backend/internal/routing/audit"
	"lead_routing_backend/internal/routing/businesshours"
	"lead_routing_backend/internal/routing/clock"
	"lead_routing_backend/internal/routing/domain"
	"lead_routing_backend/internal/routing/rotation"
	"lead_routing_backend/platform/logger"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

var (
	agentA = uuid.MustParse("00000000-0000-0000-0000-00000000000a")
	agentB = uuid.MustParse("00000000-0000-0000-0000-00000000000b")
	agentC = uuid.MustParse("00000000-0000-0000-0000-00000000000c")
)

var errUnreachable = errors.New("agent not connected")

type memLeads struct {
	mu    sync.Mutex
	leads map[uuid.UUID]domain.Lead
}

func newMemLeads() *memLeads {
	return &memLeads{leads: make(map[uuid.UUID]domain.Lead)}
}

func (m *memLeads) add(lead domain.Lead) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if lead.Status == "" {
		lead.Status = domain.LeadStatusNew
	}
	m.leads[lead.ID] = lead
}

func (m *memLeads) get(id uuid.UUID) domain.Lead {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.leads[id]
}

func (m *memLeads) GetLead(_ context.Context, id uuid.UUID) (domain.Lead, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lead, ok := m.leads[id]
	if !ok {
		return domain.Lead{}, domain.ErrLeadNotFound
	}
	return lead, nil
}

func (m *memLeads) UpdateLeadRouting(_ context.Context, lead domain.Lead) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.leads[lead.ID]; !ok {
		return domain.ErrLeadNotFound
	}
	m.leads[lead.ID] = lead
	return nil
}

func (m *memLeads) ListUnacceptedLeads(context.Context) ([]domain.Lead, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Lead, 0)
	for _, l := range m.leads {
		if l.Status != domain.LeadStatusAccepted {
			out = append(out, l)
		}
	}
	return out, nil
}

type mutableSource struct {
	mu     sync.Mutex
	agents []domain.Agent
}

func (s *mutableSource) set(ids ...uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents = s.agents[:0]
	for _, id := range ids {
		s.agents = append(s.agents, domain.Agent{ID: id, Role: "vendor", Active: true})
	}
}

func (s *mutableSource) Eligible(context.Context) ([]domain.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Agent, len(s.agents))
	copy(out, s.agents)
	return out, nil
}

type offerCall struct {
	agentID uuid.UUID
	notice  OfferNotice
}

type recordingNotifier struct {
	mu          sync.Mutex
	offers      []offerCall
	changes     []LeadChange
	unreachable map[uuid.UUID]bool
}

func (n *recordingNotifier) NotifyOffer(_ context.Context, agentID uuid.UUID, notice OfferNotice) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.offers = append(n.offers, offerCall{agentID: agentID, notice: notice})
	if n.unreachable[agentID] {
		return errUnreachable
	}
	return nil
}

func (n *recordingNotifier) BroadcastLeadChanged(_ context.Context, change LeadChange) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.changes = append(n.changes, change)
}

func (n *recordingNotifier) setUnreachable(ids ...uuid.UUID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.unreachable = make(map[uuid.UUID]bool)
	for _, id := range ids {
		n.unreachable[id] = true
	}
}

func (n *recordingNotifier) offeredTo() []uuid.UUID {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]uuid.UUID, len(n.offers))
	for i, o := range n.offers {
		out[i] = o.agentID
	}
	return out
}

func (n *recordingNotifier) lastChange() LeadChange {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.changes[len(n.changes)-1]
}

type harness struct {
	t        *testing.T
	loc      *time.Location
	clock    *clock.Manual
	leads    *memLeads
	source   *mutableSource
	notifier *recordingNotifier
	store    *audit.MemoryStore
	selector *rotation.Selector
	engine   *Engine
}

type harnessConfig struct {
	start    func(loc *time.Location) time.Time
	maxWraps int
	store    *audit.MemoryStore
}

func newHarness(t *testing.T, opts ...func(*harnessConfig)) *harness {
	t.Helper()
	loc, err := time.LoadLocation("Europe/Amsterdam")
	require.NoError(t, err)

	cfg := harnessConfig{
		start: func(loc *time.Location) time.Time { return time.Date(2026, 3, 2, 10, 0, 0, 0, loc) },
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.store == nil {
		cfg.store = audit.NewMemoryStore()
	}

	h := &harness{
		t:        t,
		loc:      loc,
		clock:    clock.NewManual(cfg.start(loc)),
		leads:    newMemLeads(),
		source:   &mutableSource{},
		notifier: &recordingNotifier{},
		store:    cfg.store,
	}
	h.source.set(agentA, agentB, agentC)
	h.selector = rotation.NewSelector("global", h.source, nil, logger.Discard())
	h.engine = New(Deps{
		Leads:    h.leads,
		Selector: h.selector,
		Eligible: h.source,
		Audit:    audit.NewWriter(h.store, nil, logger.Discard(), audit.WriterOptions{}),
		Notifier: h.notifier,
		Log:      logger.Discard(),
	}, Options{
		OfferTimeout: 10 * time.Minute,
		MaxWraps:     cfg.maxWraps,
		Clock:        h.clock,
		Gate:         businesshours.Default(loc),
	})
	return h
}

func withStart(f func(loc *time.Location) time.Time) func(*harnessConfig) {
	return func(c *harnessConfig) { c.start = f }
}

func withMaxWraps(n int) func(*harnessConfig) {
	return func(c *harnessConfig) { c.maxWraps = n }
}

func withStore(s *audit.MemoryStore) func(*harnessConfig) {
	return func(c *harnessConfig) { c.store = s }
}

func (h *harness) newLead() uuid.UUID {
	id := uuid.New()
	h.leads.add(domain.Lead{ID: id})
	return id
}

func (h *harness) route(leadID uuid.UUID) {
	h.t.Helper()
	require.NoError(h.t, h.engine.Route(context.Background(), leadID))
}

func (h *harness) history(leadID uuid.UUID) []domain.ReassignmentLogEntry {
	h.t.Helper()
	entries, err := h.store.ListByLead(context.Background(), leadID)
	require.NoError(h.t, err)
	return entries
}

func (h *harness) reasons(leadID uuid.UUID) []domain.Reason {
	entries := h.history(leadID)
	out := make([]domain.Reason, len(entries))
	for i, e := range entries {
		out[i] = e.Reason
	}
	return out
}

func (h *harness) candidate(leadID uuid.UUID) uuid.UUID {
	h.t.Helper()
	offer, ok := h.engine.Offer(leadID)
	require.True(h.t, ok, "expected a pending offer for %s", leadID)
	require.Equal(h.t, domain.OfferPending, offer.State)
	return offer.CandidateAgentID
}
