package engine

import (
	"context"
	"time"

	"lead_routing_backend/internal/routing/clock"
	"lead_routing_backend/internal/routing/domain"

	"github.com/google/uuid"
)

// offer is the in-memory pending proposal. remaining is the business-hours
// budget left as of countingSince; it only shrinks while counting is set.
type offer struct {
	agentID       uuid.UUID
	openedAt      time.Time
	remaining     time.Duration
	counting      bool
	countingSince time.Time
	state         domain.OfferState
	timer         clock.Timer
	seq           uint64
}

func (o *offer) stop() {
	if o.timer != nil {
		o.timer.Stop()
		o.timer = nil
	}
	o.seq++
}

// settle folds the business time spent since countingSince into remaining.
func (e *Engine) settle(o *offer, now time.Time) {
	if !o.counting {
		return
	}
	o.remaining -= e.gate.Elapsed(o.countingSince, now)
	o.countingSince = now
}

// armLocked schedules the next wake-up for r's offer: the earlier of budget
// exhaustion and window close while open, the next window open otherwise.
func (e *Engine) armLocked(r *route) {
	o := r.offer
	o.stop()
	seq := o.seq

	now := e.clock.Now()
	var wait time.Duration
	if e.gate.IsOpen(now) {
		o.counting = true
		o.countingSince = now
		wait = min(o.remaining, e.gate.WindowClose(now).Sub(now))
	} else {
		o.counting = false
		wait = e.gate.NextOpen(now).Sub(now)
	}
	o.timer = e.clock.AfterFunc(wait, func() { e.onTimer(r, seq) })
}

func (e *Engine) onTimer(r *route, seq uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	o := r.offer
	if r.removed || o == nil || o.seq != seq || o.state != domain.OfferPending {
		return
	}
	if e.closing.Load() {
		return
	}
	o.timer = nil

	now := e.clock.Now()
	e.settle(o, now)
	if o.remaining > 0 {
		e.armLocked(r)
		return
	}

	ctx := context.Background()
	o.state = domain.OfferExpired
	e.log.Info("offer expired", "leadId", r.leadID, "agentId", o.agentID)
	e.advanceLocked(ctx, r, domain.IDPtr(o.agentID), domain.ReasonTimeout)
}

// snapshot renders r's offer. Caller holds r.mu.
func (e *Engine) snapshot(r *route) domain.Offer {
	o := r.offer
	now := e.clock.Now()
	remaining := o.remaining
	if o.counting {
		remaining -= e.gate.Elapsed(o.countingSince, now)
	}
	remaining = max(remaining, 0)
	return domain.Offer{
		LeadID:           r.leadID,
		CandidateAgentID: o.agentID,
		OpenedAt:         o.openedAt,
		Deadline:         e.gate.Deadline(now, remaining),
		Remaining:        remaining,
		Suspended:        !e.gate.IsOpen(now),
		State:            o.state,
	}
}
