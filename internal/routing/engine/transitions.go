package engine

import (
	"context"
	"errors"
	"fmt"

	"lead_routing_backend/internal/events"
	"lead_routing_backend/internal/routing/domain"
	"lead_routing_backend/internal/routing/rotation"
	"lead_routing_backend/platform/apperr"

	"github.com/google/uuid"
)

// Route starts the offer cycle for a lead. It is a no-op when the lead
// already has a pending offer or is waiting for manual reassignment, and
// resumes the lead when it is parked.
func (e *Engine) Route(ctx context.Context, leadID uuid.UUID) error {
	r := e.acquire(leadID, true)
	defer r.mu.Unlock()

	if err := e.load(ctx, r); err != nil {
		e.removeLocked(r)
		if errors.Is(err, domain.ErrLeadNotFound) {
			return ErrLeadNotFound
		}
		return fmt.Errorf("load lead: %w", err)
	}
	if r.lead.Status == domain.LeadStatusAccepted {
		e.removeLocked(r)
		return ErrLeadAccepted
	}
	if r.offer != nil || r.exhausted {
		return nil
	}
	e.resumeLocked(ctx, r)
	return nil
}

// Accept confirms agentID's pending offer for leadID.
func (e *Engine) Accept(ctx context.Context, leadID, agentID uuid.UUID) error {
	r, err := e.decisionRoute(ctx, leadID, agentID, "accept")
	if err != nil {
		return err
	}
	defer r.mu.Unlock()

	o := r.offer
	o.stop()
	o.state = domain.OfferAccepted

	now := e.clock.Now()
	r.lead.AssignedTo = domain.IDPtr(agentID)
	r.lead.AcceptedAt = &now
	r.lead.Status = domain.LeadStatusAccepted
	e.saveLead(ctx, r.lead)

	e.log.Info("lead accepted", "leadId", leadID, "agentId", agentID)
	e.notifier.BroadcastLeadChanged(ctx, LeadChange{Lead: r.lead})
	e.publish(ctx, events.LeadAccepted{
		BaseEvent: events.NewBaseEventAt(now),
		LeadID:    leadID,
		AgentID:   agentID,
	})
	e.removeLocked(r)
	return nil
}

// Reject declines agentID's pending offer and escalates to the next candidate.
func (e *Engine) Reject(ctx context.Context, leadID, agentID uuid.UUID) error {
	r, err := e.decisionRoute(ctx, leadID, agentID, "reject")
	if err != nil {
		return err
	}
	defer r.mu.Unlock()

	r.offer.stop()
	r.offer.state = domain.OfferRejected
	e.advanceLocked(ctx, r, domain.IDPtr(agentID), domain.ReasonRejected)
	return nil
}

// decisionRoute returns the locked route when agentID holds the pending
// offer for leadID. Ignored decisions are logged and published.
func (e *Engine) decisionRoute(ctx context.Context, leadID, agentID uuid.UUID, kind string) (*route, error) {
	r := e.acquire(leadID, false)
	if r == nil {
		if _, err := e.leads.GetLead(ctx, leadID); err != nil {
			if errors.Is(err, domain.ErrLeadNotFound) {
				return nil, ErrLeadNotFound
			}
			return nil, fmt.Errorf("load lead: %w", err)
		}
		e.ignored(ctx, leadID, agentID, kind, "no pending offer")
		return nil, ErrStaleDecision
	}

	switch {
	case r.offer == nil || r.offer.state != domain.OfferPending:
		r.mu.Unlock()
		e.ignored(ctx, leadID, agentID, kind, "no pending offer")
		return nil, ErrStaleDecision
	case r.offer.agentID != agentID:
		r.mu.Unlock()
		e.ignored(ctx, leadID, agentID, kind, "not the candidate")
		return nil, ErrNotYourOffer
	}
	return r, nil
}

func (e *Engine) ignored(ctx context.Context, leadID, agentID uuid.UUID, kind, why string) {
	e.log.DecisionIgnored(leadID.String(), agentID.String(), kind+": "+why)
	e.publish(ctx, events.OfferDecisionIgnored{
		BaseEvent: events.NewBaseEventAt(e.clock.Now()),
		LeadID:    leadID,
		AgentID:   agentID,
		Kind:      kind,
	})
}

// HandleDisconnect escalates every offer pending for agentID.
func (e *Engine) HandleDisconnect(ctx context.Context, agentID uuid.UUID) int {
	escalated := 0
	for _, leadID := range e.leadsOfferedTo(agentID) {
		r := e.acquire(leadID, false)
		if r == nil {
			continue
		}
		o := r.offer
		if o != nil && o.agentID == agentID && o.state == domain.OfferPending {
			o.stop()
			o.state = domain.OfferSuperseded
			e.advanceLocked(ctx, r, domain.IDPtr(agentID), domain.ReasonDisconnected)
			escalated++
		}
		r.mu.Unlock()
	}
	return escalated
}

// Reassign moves a lead by hand. With a target the offer goes straight to that
// agent; without one the rotation picks the next candidate. It resets the
// lead's wrap count and resumes exhausted leads.
func (e *Engine) Reassign(ctx context.Context, leadID uuid.UUID, target *uuid.UUID) error {
	r := e.acquire(leadID, true)
	defer r.mu.Unlock()

	// A route created here is dropped again when the reassignment is refused.
	fresh := !r.loaded
	if err := e.load(ctx, r); err != nil {
		e.removeLocked(r)
		if errors.Is(err, domain.ErrLeadNotFound) {
			return ErrLeadNotFound
		}
		return fmt.Errorf("load lead: %w", err)
	}
	if r.lead.Status == domain.LeadStatusAccepted {
		e.removeLocked(r)
		return ErrLeadAccepted
	}

	if target != nil {
		if err := e.checkTarget(ctx, *target); err != nil {
			if fresh {
				e.removeLocked(r)
			}
			return err
		}
	}

	from := r.lastAgent
	if r.offer != nil {
		from = domain.IDPtr(r.offer.agentID)
		r.offer.stop()
		r.offer.state = domain.OfferSuperseded
		e.unindex(r.offer.agentID, leadID)
		r.offer = nil
	}
	r.exhausted = false
	r.undeliverable = false
	r.visited = make(map[uuid.UUID]struct{})
	r.wraps = 0

	if target == nil {
		e.advanceLocked(ctx, r, from, domain.ReasonManual)
		return nil
	}

	r.parked = false
	r.visited[*target] = struct{}{}
	if err := e.openOfferLocked(ctx, r, *target, from, domain.ReasonManual); err != nil {
		e.undelivered(ctx, r, *target, err)
	}
	return nil
}

// checkTarget reports why agentID cannot take a manual offer, if it cannot.
func (e *Engine) checkTarget(ctx context.Context, agentID uuid.UUID) error {
	if e.agents != nil {
		if _, err := e.agents.GetAgent(ctx, agentID); err != nil {
			if errors.Is(err, domain.ErrAgentNotFound) {
				return ErrAgentNotFound
			}
			return apperr.Wrap(apperr.KindUnavailable, "agent directory unavailable", err).WithOp("engine.Reassign")
		}
	}
	agents, err := e.eligible.Eligible(ctx)
	if err != nil {
		return apperr.Wrap(apperr.KindUnavailable, "agent directory unavailable", err).WithOp("engine.Reassign")
	}
	if !containsAgent(agents, agentID) {
		return ErrAgentNotEligible
	}
	return nil
}

// Reevaluate resumes parked leads. Exhausted leads wait for manual
// reassignment. Undeliverable ones are retried once DeliveryRetry has passed
// since the failed pass, or right away when includeUndeliverable is set.
func (e *Engine) Reevaluate(ctx context.Context, includeUndeliverable bool) int {
	if e.closing.Load() {
		return 0
	}
	resumed := 0
	for _, leadID := range e.routeIDs() {
		r := e.acquire(leadID, false)
		if r == nil {
			continue
		}
		if r.parked && !r.exhausted && (includeUndeliverable || e.retryDue(r)) {
			if e.resumeLocked(ctx, r) {
				resumed++
			}
		}
		r.mu.Unlock()
	}
	return resumed
}

func (e *Engine) retryDue(r *route) bool {
	if !r.undeliverable {
		return true
	}
	return e.clock.Now().Sub(r.undeliverableAt) >= e.retry
}

// resumeLocked starts a fresh cycle for a lead without a pending offer. When
// nobody is eligible the lead stays parked and nothing is logged.
func (e *Engine) resumeLocked(ctx context.Context, r *route) bool {
	r.visited = make(map[uuid.UUID]struct{})
	r.wraps = 0
	r.undeliverable = false

	sel, err := e.selector.SelectNext(ctx)
	if err != nil {
		if !errors.Is(err, rotation.ErrNoEligibleAgent) {
			e.log.Error("select candidate failed", "leadId", r.leadID, "error", err)
		} else if !r.parked {
			e.log.Info("no eligible agent, lead parked", "leadId", r.leadID)
		}
		r.parked = true
		return false
	}
	r.parked = false
	e.offerFromLocked(ctx, r, sel, r.lastAgent, domain.ReasonInitial)
	return true
}

// advanceLocked escalates away from the offer held by from. The caller has
// already resolved that offer.
func (e *Engine) advanceLocked(ctx context.Context, r *route, from *uuid.UUID, reason domain.Reason) {
	if r.offer != nil {
		e.unindex(r.offer.agentID, r.leadID)
		r.offer = nil
	}

	var exclude []uuid.UUID
	if from != nil {
		exclude = append(exclude, *from)
	}
	sel, err := e.selector.SelectNext(ctx, exclude...)
	if err != nil {
		if !errors.Is(err, rotation.ErrNoEligibleAgent) {
			e.log.Error("select candidate failed", "leadId", r.leadID, "error", err)
		}
		e.stallLocked(ctx, r, from, reason, false)
		return
	}
	e.offerFromLocked(ctx, r, sel, from, reason)
}

// offerFromLocked opens an offer to sel, counting wraps, and keeps escalating
// while deliveries fail. A full pass of failed deliveries parks the lead.
func (e *Engine) offerFromLocked(ctx context.Context, r *route, sel rotation.Selection, from *uuid.UUID, reason domain.Reason) {
	failures := 0
	for {
		if _, seen := r.visited[sel.Agent.ID]; seen {
			r.wraps++
			r.visited = make(map[uuid.UUID]struct{})
			if e.maxWraps > 0 && r.wraps > e.maxWraps {
				e.stallLocked(ctx, r, from, reason, true)
				return
			}
		}
		r.visited[sel.Agent.ID] = struct{}{}

		err := e.openOfferLocked(ctx, r, sel.Agent.ID, from, reason)
		if err == nil {
			return
		}

		failures++
		agentID := sel.Agent.ID
		e.log.Warn("offer delivery failed", "leadId", r.leadID, "agentId", agentID, "error", err)
		r.offer.stop()
		r.offer.state = domain.OfferSuperseded
		e.unindex(agentID, r.leadID)
		r.offer = nil
		from = domain.IDPtr(agentID)
		reason = domain.ReasonDisconnected

		next, serr := e.selector.SelectNext(ctx, agentID)
		if serr != nil || failures >= next.PoolSize {
			e.stallLocked(ctx, r, from, reason, false)
			if serr == nil {
				r.undeliverable = true
				r.undeliverableAt = e.clock.Now()
			}
			return
		}
		sel = next
	}
}

// undelivered escalates after a failed delivery of a directly targeted offer.
func (e *Engine) undelivered(ctx context.Context, r *route, agentID uuid.UUID, err error) {
	e.log.Warn("offer delivery failed", "leadId", r.leadID, "agentId", agentID, "error", err)
	r.offer.stop()
	r.offer.state = domain.OfferSuperseded
	e.advanceLocked(ctx, r, domain.IDPtr(agentID), domain.ReasonDisconnected)
}

// openOfferLocked applies one OFFERED transition: log entry, lead update,
// candidate notification and supervisor broadcast, in that order. It returns
// the delivery error, if any, after all side effects ran.
func (e *Engine) openOfferLocked(ctx context.Context, r *route, agentID uuid.UUID, from *uuid.UUID, reason domain.Reason) error {
	now := e.clock.Now()
	entry := domain.ReassignmentLogEntry{
		ID:          uuid.New(),
		LeadID:      r.leadID,
		FromAgentID: from,
		ToAgentID:   domain.IDPtr(agentID),
		Reason:      reason,
		Timestamp:   now,
	}
	e.audit.Append(ctx, entry)

	r.lead.AssignedTo = domain.IDPtr(agentID)
	r.lead.AssignedAt = &now
	r.lead.AcceptedAt = nil
	r.lead.Status = domain.LeadStatusOffered
	e.saveLead(ctx, r.lead)

	r.parked = false
	r.lastAgent = domain.IDPtr(agentID)
	r.offer = &offer{
		agentID:   agentID,
		openedAt:  now,
		remaining: e.timeout,
		state:     domain.OfferPending,
	}
	e.index(agentID, r.leadID)
	e.armLocked(r)

	e.log.RoutingTransition(r.leadID.String(), domain.IDString(from), agentID.String(), string(reason))

	snap := e.snapshot(r)
	deliveryErr := e.notifier.NotifyOffer(ctx, agentID, OfferNotice{Lead: r.lead, Offer: snap})
	e.notifier.BroadcastLeadChanged(ctx, LeadChange{Lead: r.lead, Entry: &entry, Offer: &snap})
	e.publishChanged(ctx, entry, r.lead.Status)
	return deliveryErr
}

// stallLocked parks a lead that has no candidate. A transition out of a live
// offer is logged with an empty target; a lead that never had an offer keeps
// its status and logs nothing.
func (e *Engine) stallLocked(ctx context.Context, r *route, from *uuid.UUID, reason domain.Reason, exhausted bool) {
	r.parked = true
	r.exhausted = exhausted
	if r.offer != nil {
		e.unindex(r.offer.agentID, r.leadID)
		r.offer = nil
	}
	if from == nil {
		e.log.Info("no eligible agent, lead parked", "leadId", r.leadID)
		return
	}

	now := e.clock.Now()
	entry := domain.ReassignmentLogEntry{
		ID:          uuid.New(),
		LeadID:      r.leadID,
		FromAgentID: from,
		Reason:      reason,
		Timestamp:   now,
	}
	e.audit.Append(ctx, entry)

	r.lastAgent = from
	r.lead.AssignedTo = nil
	r.lead.AssignedAt = nil
	r.lead.Status = domain.LeadStatusStalled
	e.saveLead(ctx, r.lead)

	e.log.RoutingTransition(r.leadID.String(), from.String(), "", string(reason))
	e.log.Warn("lead stalled", "leadId", r.leadID, "exhausted", exhausted)
	e.notifier.BroadcastLeadChanged(ctx, LeadChange{Lead: r.lead, Entry: &entry, Exhausted: exhausted})
	e.publishChanged(ctx, entry, r.lead.Status)
	e.publish(ctx, events.LeadStalled{
		BaseEvent:   events.NewBaseEventAt(now),
		LeadID:      r.leadID,
		LastAgentID: from,
		Reason:      string(reason),
		Exhausted:   exhausted,
	})
}

func (e *Engine) publishChanged(ctx context.Context, entry domain.ReassignmentLogEntry, status domain.LeadStatus) {
	e.publish(ctx, events.LeadRoutingChanged{
		BaseEvent:   events.NewBaseEventAt(entry.Timestamp),
		LeadID:      entry.LeadID,
		FromAgentID: entry.FromAgentID,
		ToAgentID:   entry.ToAgentID,
		Reason:      string(entry.Reason),
		Status:      string(status),
	})
}

func (e *Engine) saveLead(ctx context.Context, lead domain.Lead) {
	if err := e.leads.UpdateLeadRouting(ctx, lead); err != nil {
		e.log.DatabaseError("update lead routing", err)
	}
}

func containsAgent(agents []domain.Agent, id uuid.UUID) bool {
	for _, a := range agents {
		if a.ID == id {
			return true
		}
	}
	return false
}
