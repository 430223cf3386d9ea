// Package engine runs the per-lead offer lifecycle: it opens offers, counts
// down business-hours budgets, escalates on reject, timeout or disconnect,
// and records every transition in the reassignment log.
package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"lead_routing_backend/internal/events"
	"lead_routing_backend/internal/routing/businesshours"
	"lead_routing_backend/internal/routing/clock"
	"lead_routing_backend/internal/routing/domain"
	"lead_routing_backend/internal/routing/rotation"
	"lead_routing_backend/platform/logger"

	"github.com/google/uuid"
)

const (
	defaultOfferTimeout  = 10 * time.Minute
	defaultDeliveryRetry = 5 * time.Minute
)

// LeadStore reads and writes the routing fields of leads. Unknown ids must
// yield an error wrapping domain.ErrLeadNotFound.
type LeadStore interface {
	GetLead(ctx context.Context, id uuid.UUID) (domain.Lead, error)
	UpdateLeadRouting(ctx context.Context, lead domain.Lead) error
	ListUnacceptedLeads(ctx context.Context) ([]domain.Lead, error)
}

// Selector yields the next candidate from the shared rotation.
type Selector interface {
	SelectNext(ctx context.Context, exclude ...uuid.UUID) (rotation.Selection, error)
}

// EligibleSource lists the agents currently allowed to receive offers.
type EligibleSource interface {
	Eligible(ctx context.Context) ([]domain.Agent, error)
}

// AgentLookup resolves a single agent. Unknown ids must yield an error
// wrapping domain.ErrAgentNotFound.
type AgentLookup interface {
	GetAgent(ctx context.Context, id uuid.UUID) (domain.Agent, error)
}

// AuditLog is the append side of the reassignment log plus the read used by recovery.
type AuditLog interface {
	Append(ctx context.Context, entry domain.ReassignmentLogEntry)
	LatestForLeads(ctx context.Context, leadIDs []uuid.UUID) (map[uuid.UUID]domain.ReassignmentLogEntry, error)
}

// OfferNotice is pushed to the candidate of a new offer.
type OfferNotice struct {
	Lead  domain.Lead  `json:"lead"`
	Offer domain.Offer `json:"offer"`
}

// LeadChange is broadcast to supervisors after every transition.
type LeadChange struct {
	Lead      domain.Lead                  `json:"lead"`
	Entry     *domain.ReassignmentLogEntry `json:"entry,omitempty"`
	Offer     *domain.Offer                `json:"offer,omitempty"`
	Exhausted bool                         `json:"exhausted,omitempty"`
}

// Notifier delivers routing messages. Both calls must not block; NotifyOffer
// returns an error when the agent cannot be reached.
type Notifier interface {
	NotifyOffer(ctx context.Context, agentID uuid.UUID, notice OfferNotice) error
	BroadcastLeadChanged(ctx context.Context, change LeadChange)
}

type Options struct {
	OfferTimeout time.Duration
	// MaxWraps caps full rotation cycles per lead; zero means unlimited.
	MaxWraps int
	// DeliveryRetry is how long the sweep leaves an undeliverable lead alone
	// before trying the pool again.
	DeliveryRetry time.Duration
	Clock         clock.Clock
	Gate          *businesshours.Gate
}

type Deps struct {
	Leads    LeadStore
	Selector Selector
	Eligible EligibleSource
	// Agents distinguishes unknown from ineligible manual targets. Optional.
	Agents   AgentLookup
	Audit    AuditLog
	Notifier Notifier
	Bus      events.Bus
	Log      *logger.Logger
}

type Engine struct {
	leads    LeadStore
	selector Selector
	eligible EligibleSource
	agents   AgentLookup
	audit    AuditLog
	notifier Notifier
	bus      events.Bus
	log      *logger.Logger

	clock    clock.Clock
	gate     *businesshours.Gate
	timeout  time.Duration
	maxWraps int
	retry    time.Duration

	// closing freezes routing state while the process shuts down.
	closing atomic.Bool

	mu      sync.Mutex
	routes  map[uuid.UUID]*route
	byAgent map[uuid.UUID]map[uuid.UUID]struct{}
}

// route is the engine-owned state of one lead. Its mutex serializes every
// transition for the lead. Lock order is route.mu before Engine.mu.
type route struct {
	mu      sync.Mutex
	leadID  uuid.UUID
	lead    domain.Lead
	loaded  bool
	removed bool

	offer *offer

	parked          bool
	exhausted       bool
	undeliverable   bool
	undeliverableAt time.Time
	lastAgent       *uuid.UUID

	visited map[uuid.UUID]struct{}
	wraps   int
}

func New(deps Deps, opts Options) *Engine {
	c := opts.Clock
	if c == nil {
		c = clock.Real{}
	}
	gate := opts.Gate
	if gate == nil {
		gate = businesshours.Default(time.Local)
	}
	timeout := opts.OfferTimeout
	if timeout <= 0 {
		timeout = defaultOfferTimeout
	}
	retry := opts.DeliveryRetry
	if retry <= 0 {
		retry = defaultDeliveryRetry
	}
	log := deps.Log
	if log == nil {
		log = logger.Discard()
	}
	return &Engine{
		leads:    deps.Leads,
		selector: deps.Selector,
		eligible: deps.Eligible,
		agents:   deps.Agents,
		audit:    deps.Audit,
		notifier: deps.Notifier,
		bus:      deps.Bus,
		log:      log,
		clock:    c,
		gate:     gate,
		timeout:  timeout,
		maxWraps: max(opts.MaxWraps, 0),
		retry:    retry,
		routes:   make(map[uuid.UUID]*route),
		byAgent:  make(map[uuid.UUID]map[uuid.UUID]struct{}),
	}
}

// Shutdown stops the engine from reacting to presence changes, timer fires
// and sweeps. Call it before dropping agent connections so pending offers
// survive the restart as they are.
func (e *Engine) Shutdown() {
	e.closing.Store(true)
}

// acquire returns the locked route for leadID, creating it when create is set.
// It returns nil when the route does not exist and create is false.
func (e *Engine) acquire(leadID uuid.UUID, create bool) *route {
	for {
		e.mu.Lock()
		r, ok := e.routes[leadID]
		if !ok {
			if !create {
				e.mu.Unlock()
				return nil
			}
			r = &route{leadID: leadID, visited: make(map[uuid.UUID]struct{})}
			e.routes[leadID] = r
		}
		e.mu.Unlock()

		r.mu.Lock()
		if r.removed {
			r.mu.Unlock()
			continue
		}
		return r
	}
}

// load reads the lead into a freshly created route.
func (e *Engine) load(ctx context.Context, r *route) error {
	if r.loaded {
		return nil
	}
	lead, err := e.leads.GetLead(ctx, r.leadID)
	if err != nil {
		return err
	}
	r.lead = lead
	r.loaded = true
	return nil
}

// removeLocked drops r from the engine. Caller holds r.mu.
func (e *Engine) removeLocked(r *route) {
	r.removed = true
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.routes, r.leadID)
	if r.offer != nil {
		e.unindexLocked(r.offer.agentID, r.leadID)
	}
}

func (e *Engine) index(agentID, leadID uuid.UUID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	set, ok := e.byAgent[agentID]
	if !ok {
		set = make(map[uuid.UUID]struct{})
		e.byAgent[agentID] = set
	}
	set[leadID] = struct{}{}
}

func (e *Engine) unindex(agentID, leadID uuid.UUID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.unindexLocked(agentID, leadID)
}

func (e *Engine) unindexLocked(agentID, leadID uuid.UUID) {
	set, ok := e.byAgent[agentID]
	if !ok {
		return
	}
	delete(set, leadID)
	if len(set) == 0 {
		delete(e.byAgent, agentID)
	}
}

func (e *Engine) leadsOfferedTo(agentID uuid.UUID) []uuid.UUID {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]uuid.UUID, 0, len(e.byAgent[agentID]))
	for id := range e.byAgent[agentID] {
		ids = append(ids, id)
	}
	return ids
}

func (e *Engine) routeIDs() []uuid.UUID {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]uuid.UUID, 0, len(e.routes))
	for id := range e.routes {
		ids = append(ids, id)
	}
	return ids
}

// PendingCount returns the number of pending offers.
func (e *Engine) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, set := range e.byAgent {
		n += len(set)
	}
	return n
}

// Offer returns the pending offer for leadID, if any.
func (e *Engine) Offer(leadID uuid.UUID) (domain.Offer, bool) {
	r := e.acquire(leadID, false)
	if r == nil {
		return domain.Offer{}, false
	}
	defer r.mu.Unlock()
	if r.offer == nil {
		return domain.Offer{}, false
	}
	return e.snapshot(r), true
}

// PendingFor returns every pending offer held by agentID. The realtime hub
// replays them when the agent connects.
func (e *Engine) PendingFor(agentID uuid.UUID) []OfferNotice {
	var out []OfferNotice
	for _, leadID := range e.leadsOfferedTo(agentID) {
		r := e.acquire(leadID, false)
		if r == nil {
			continue
		}
		if r.offer != nil && r.offer.agentID == agentID && r.offer.state == domain.OfferPending {
			out = append(out, OfferNotice{Lead: r.lead, Offer: e.snapshot(r)})
		}
		r.mu.Unlock()
	}
	return out
}

func (e *Engine) publish(ctx context.Context, event events.Event) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(ctx, event)
}
