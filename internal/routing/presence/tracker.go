// Package presence derives online/idle/offline status for agents from
// connection lifecycle events and heartbeats.
package presence

import (
	"context"
	"sync"
	"time"

	"lead_routing_backend/internal/routing/clock"
	"lead_routing_backend/internal/routing/domain"

	"github.com/google/uuid"
)

const (
	defaultGrace        = 45 * time.Second
	defaultOfflineAfter = 3 * time.Minute
)

// Change describes a status transition for one agent.
type Change struct {
	AgentID uuid.UUID
	From    domain.PresenceStatus
	To      domain.PresenceStatus
	At      time.Time
}

// Listener is called synchronously, outside the tracker's lock, for every change.
type Listener func(ctx context.Context, change Change)

type entry struct {
	connections   int
	lastHeartbeat time.Time
	explicitIdle  bool
	status        domain.PresenceStatus
}

// Tracker holds soft presence state. Safe for concurrent use.
type Tracker struct {
	mu           sync.Mutex
	clock        clock.Clock
	grace        time.Duration
	offlineAfter time.Duration
	agents       map[uuid.UUID]*entry
	listeners    []Listener
}

// New creates a tracker. Non-positive intervals fall back to defaults.
func New(c clock.Clock, grace, offlineAfter time.Duration) *Tracker {
	if c == nil {
		c = clock.Real{}
	}
	if grace <= 0 {
		grace = defaultGrace
	}
	if offlineAfter < grace {
		offlineAfter = max(defaultOfflineAfter, grace)
	}
	return &Tracker{
		clock:        c,
		grace:        grace,
		offlineAfter: offlineAfter,
		agents:       make(map[uuid.UUID]*entry),
	}
}

// Subscribe registers a listener for status changes.
func (t *Tracker) Subscribe(l Listener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, l)
}

// OnConnect records a new connection for agentID.
func (t *Tracker) OnConnect(ctx context.Context, agentID uuid.UUID) {
	t.mutate(ctx, agentID, func(e *entry, now time.Time) {
		e.connections++
		e.lastHeartbeat = now
		e.explicitIdle = false
	})
}

// OnDisconnect records a closed connection. The agent goes offline when
// its last connection closes.
func (t *Tracker) OnDisconnect(ctx context.Context, agentID uuid.UUID) {
	t.mutate(ctx, agentID, func(e *entry, _ time.Time) {
		if e.connections > 0 {
			e.connections--
		}
	})
}

// OnHeartbeat refreshes liveness. It does not clear an explicit idle.
func (t *Tracker) OnHeartbeat(ctx context.Context, agentID uuid.UUID) {
	t.mutate(ctx, agentID, func(e *entry, now time.Time) {
		e.lastHeartbeat = now
	})
}

// MarkIdle records an explicit idle signal from the client.
func (t *Tracker) MarkIdle(ctx context.Context, agentID uuid.UUID) {
	t.mutate(ctx, agentID, func(e *entry, now time.Time) {
		e.lastHeartbeat = now
		e.explicitIdle = true
	})
}

// MarkActive clears an explicit idle and counts as a heartbeat.
func (t *Tracker) MarkActive(ctx context.Context, agentID uuid.UUID) {
	t.mutate(ctx, agentID, func(e *entry, now time.Time) {
		e.lastHeartbeat = now
		e.explicitIdle = false
	})
}

// Status returns the agent's derived status at the current time.
func (t *Tracker) Status(agentID uuid.UUID) domain.PresenceStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.agents[agentID]
	if !ok {
		return domain.PresenceOffline
	}
	return t.derive(e, t.clock.Now())
}

// Record returns the full presence record for agentID.
func (t *Tracker) Record(agentID uuid.UUID) domain.PresenceRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec := domain.PresenceRecord{AgentID: agentID, Status: domain.PresenceOffline}
	if e, ok := t.agents[agentID]; ok {
		rec.Status = t.derive(e, t.clock.Now())
		rec.LastHeartbeatAt = e.lastHeartbeat
		rec.Connections = e.connections
	}
	return rec
}

// Snapshot returns records for every agent the tracker has seen.
func (t *Tracker) Snapshot() []domain.PresenceRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock.Now()
	out := make([]domain.PresenceRecord, 0, len(t.agents))
	for id, e := range t.agents {
		out = append(out, domain.PresenceRecord{
			AgentID:         id,
			Status:          t.derive(e, now),
			LastHeartbeatAt: e.lastHeartbeat,
			Connections:     e.connections,
		})
	}
	return out
}

// Sweep applies silence-based transitions and notifies listeners.
func (t *Tracker) Sweep(ctx context.Context) {
	t.mu.Lock()
	now := t.clock.Now()
	var changes []Change
	for id, e := range t.agents {
		if c, changed := t.applyLocked(id, e, now); changed {
			changes = append(changes, c)
		}
		if e.connections == 0 && e.status == domain.PresenceOffline {
			delete(t.agents, id)
		}
	}
	listeners := t.listeners
	t.mu.Unlock()

	t.notify(ctx, listeners, changes)
}

// Run sweeps on every interval until ctx is done.
func (t *Tracker) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = t.grace / 3
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Sweep(ctx)
		}
	}
}

func (t *Tracker) mutate(ctx context.Context, agentID uuid.UUID, fn func(e *entry, now time.Time)) {
	t.mu.Lock()
	now := t.clock.Now()
	e, ok := t.agents[agentID]
	if !ok {
		e = &entry{status: domain.PresenceOffline}
		t.agents[agentID] = e
	}
	fn(e, now)
	change, changed := t.applyLocked(agentID, e, now)
	listeners := t.listeners
	t.mu.Unlock()

	if changed {
		t.notify(ctx, listeners, []Change{change})
	}
}

func (t *Tracker) applyLocked(agentID uuid.UUID, e *entry, now time.Time) (Change, bool) {
	next := t.derive(e, now)
	if next == e.status {
		return Change{}, false
	}
	c := Change{AgentID: agentID, From: e.status, To: next, At: now}
	e.status = next
	return c, true
}

func (t *Tracker) derive(e *entry, now time.Time) domain.PresenceStatus {
	if e.connections == 0 {
		return domain.PresenceOffline
	}
	silence := now.Sub(e.lastHeartbeat)
	if silence >= t.offlineAfter {
		return domain.PresenceOffline
	}
	if e.explicitIdle || silence >= t.grace {
		return domain.PresenceIdle
	}
	return domain.PresenceOnline
}

func (t *Tracker) notify(ctx context.Context, listeners []Listener, changes []Change) {
	for _, c := range changes {
		for _, l := range listeners {
			l(ctx, c)
		}
	}
}
