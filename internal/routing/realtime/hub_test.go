package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"lead_routing_backend/internal/routing/domain"
	"lead_routing_backend/internal/routing/engine"
	"lead_routing_backend/platform/httpkit"
	"lead_routing_backend/platform/logger"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

type fakeDecider struct {
	mu      sync.Mutex
	results map[uuid.UUID]error
	pending map[uuid.UUID][]engine.OfferNotice
	calls   []string
}

func (d *fakeDecider) decide(kind string, leadID uuid.UUID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, kind+":"+leadID.String())
	return d.results[leadID]
}

func (d *fakeDecider) Accept(_ context.Context, leadID, _ uuid.UUID) error {
	return d.decide("accept", leadID)
}

func (d *fakeDecider) Reject(_ context.Context, leadID, _ uuid.UUID) error {
	return d.decide("reject", leadID)
}

func (d *fakeDecider) PendingFor(agentID uuid.UUID) []engine.OfferNotice {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending[agentID]
}

type fakePresence struct {
	mu     sync.Mutex
	events []string
}

func (p *fakePresence) record(kind string, id uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, kind+":"+id.String())
}

func (p *fakePresence) has(kind string, id uuid.UUID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.events {
		if e == kind+":"+id.String() {
			return true
		}
	}
	return false
}

func (p *fakePresence) OnConnect(_ context.Context, id uuid.UUID)    { p.record("connect", id) }
func (p *fakePresence) OnDisconnect(_ context.Context, id uuid.UUID) { p.record("disconnect", id) }
func (p *fakePresence) OnHeartbeat(_ context.Context, id uuid.UUID)  { p.record("heartbeat", id) }
func (p *fakePresence) MarkIdle(_ context.Context, id uuid.UUID)     { p.record("idle", id) }
func (p *fakePresence) MarkActive(_ context.Context, id uuid.UUID)   { p.record("active", id) }

type testEnv struct {
	hub      *Hub
	decider  *fakeDecider
	presence *fakePresence
	server   *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		decider:  &fakeDecider{results: map[uuid.UUID]error{}, pending: map[uuid.UUID][]engine.OfferNotice{}},
		presence: &fakePresence{},
	}
	env.hub = NewHub(env.presence, logger.Discard(), Options{SupervisorRoles: []string{"admin", "supervisor"}})
	env.hub.SetDecider(env.decider)
	env.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.MustParse(r.URL.Query().Get("agent"))
		env.hub.Serve(w, r, httpkit.NewIdentity(id, r.URL.Query()["role"]...))
	}))
	t.Cleanup(func() {
		env.hub.Close()
		env.server.Close()
	})
	return env
}

func (env *testEnv) dial(t *testing.T, agentID uuid.UUID, roles ...string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/?agent=" + agentID.String()
	for _, role := range roles {
		url += "&role=" + role
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })

	ready := readFrame(t, conn)
	require.Equal(t, EventSessionReady, ready.Event)
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var f Frame
	require.NoError(t, wsjson.Read(ctx, conn, &f))
	return f
}

func send(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	f, err := newFrame(event, data)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, wsjson.Write(ctx, conn, f))
}

func TestNotifyOfferReachesCandidate(t *testing.T) {
	env := newTestEnv(t)
	agent := uuid.New()
	conn := env.dial(t, agent)

	lead := domain.Lead{ID: uuid.New(), Status: domain.LeadStatusOffered, AssignedTo: domain.IDPtr(agent)}
	require.NoError(t, env.hub.NotifyOffer(context.Background(), agent, engine.OfferNotice{Lead: lead}))

	f := readFrame(t, conn)
	assert.Equal(t, EventLeadOffered, f.Event)
	var notice engine.OfferNotice
	require.NoError(t, json.Unmarshal(f.Data, &notice))
	assert.Equal(t, lead.ID, notice.Lead.ID)
	assert.Equal(t, 1, env.hub.ConnectedAgents())
}

func TestNotifyOfferWithoutConnection(t *testing.T) {
	env := newTestEnv(t)
	err := env.hub.NotifyOffer(context.Background(), uuid.New(), engine.OfferNotice{})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestDecisionsAreAcked(t *testing.T) {
	env := newTestEnv(t)
	applied, foreign, stale := uuid.New(), uuid.New(), uuid.New()
	env.decider.results[foreign] = engine.ErrNotYourOffer
	env.decider.results[stale] = engine.ErrStaleDecision
	conn := env.dial(t, uuid.New())

	cases := []struct {
		event  string
		leadID string
		status string
	}{
		{EventLeadAccept, applied.String(), AckApplied},
		{EventLeadAccept, foreign.String(), AckNotYourOffer},
		{EventLeadReject, stale.String(), AckIgnored},
		{EventLeadReject, "not-a-uuid", AckError},
	}
	for _, tc := range cases {
		send(t, conn, tc.event, decisionPayload{LeadID: tc.leadID})
		f := readFrame(t, conn)
		require.Equal(t, EventAck, f.Event)
		var ack Ack
		require.NoError(t, json.Unmarshal(f.Data, &ack))
		assert.Equal(t, tc.event, ack.Event)
		assert.Equal(t, tc.leadID, ack.LeadID)
		assert.Equal(t, tc.status, ack.Status)
	}

	env.decider.mu.Lock()
	defer env.decider.mu.Unlock()
	assert.Equal(t, []string{"accept:" + applied.String(), "accept:" + foreign.String(), "reject:" + stale.String()}, env.decider.calls)
}

func TestLeadChangedGoesToSupervisorsOnly(t *testing.T) {
	env := newTestEnv(t)
	supervisor := env.dial(t, uuid.New(), "supervisor")
	agent := env.dial(t, uuid.New(), "vendor")

	env.hub.BroadcastLeadChanged(context.Background(), engine.LeadChange{Lead: domain.Lead{ID: uuid.New()}})
	sent := env.hub.BroadcastAlert(context.Background(), Alert{ID: uuid.New(), Title: "maintenance"})
	assert.Equal(t, 2, sent)

	assert.Equal(t, EventLeadChanged, readFrame(t, supervisor).Event)
	assert.Equal(t, EventAlertReceived, readFrame(t, supervisor).Event)
	assert.Equal(t, EventAlertReceived, readFrame(t, agent).Event, "agents do not receive lead:changed")
}

func TestPresenceSignals(t *testing.T) {
	env := newTestEnv(t)
	agent := uuid.New()
	conn := env.dial(t, agent)
	assert.Eventually(t, func() bool { return env.presence.has("connect", agent) }, 2*time.Second, 10*time.Millisecond)

	send(t, conn, EventPresenceHeartbeat, nil)
	send(t, conn, EventPresenceIdle, nil)
	send(t, conn, EventPresenceActive, nil)
	assert.Eventually(t, func() bool {
		return env.presence.has("heartbeat", agent) && env.presence.has("idle", agent) && env.presence.has("active", agent)
	}, 2*time.Second, 10*time.Millisecond)

	conn.Close(websocket.StatusNormalClosure, "")
	assert.Eventually(t, func() bool { return env.presence.has("disconnect", agent) }, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return env.hub.ConnectedAgents() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestPendingOffersReplayedOnConnect(t *testing.T) {
	env := newTestEnv(t)
	agent := uuid.New()
	lead := uuid.New()
	env.decider.pending[agent] = []engine.OfferNotice{{Lead: domain.Lead{ID: lead}}}

	conn := env.dial(t, agent)
	f := readFrame(t, conn)
	require.Equal(t, EventLeadOffered, f.Event)
	var notice engine.OfferNotice
	require.NoError(t, json.Unmarshal(f.Data, &notice))
	assert.Equal(t, lead, notice.Lead.ID)
}

func TestUnknownEventAnswersError(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, uuid.New())
	send(t, conn, "lead:steal", nil)
	assert.Equal(t, EventError, readFrame(t, conn).Event)
}
