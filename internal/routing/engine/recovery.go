package engine

import (
	"context"
	"fmt"
	"time"

	"lead_routing_backend/internal/routing/domain"
	"lead_routing_backend/internal/routing/presence"

	"github.com/google/uuid"
)

// Recover rebuilds in-memory offers from the reassignment log after a restart.
// Leads whose last entry names a target get a fresh offer to that agent with
// a full budget and no new entry; leads without entries start a new cycle;
// leads whose last entry has no target park as stalled. The candidate is not
// notified here: PendingFor replays the offer when the agent connects.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	leads, err := e.leads.ListUnacceptedLeads(ctx)
	if err != nil {
		return 0, fmt.Errorf("list unaccepted leads: %w", err)
	}
	if len(leads) == 0 {
		return 0, nil
	}

	ids := make([]uuid.UUID, len(leads))
	for i, l := range leads {
		ids[i] = l.ID
	}
	latest, err := e.audit.LatestForLeads(ctx, ids)
	if err != nil {
		return 0, fmt.Errorf("read reassignment log: %w", err)
	}

	recovered := 0
	for _, lead := range leads {
		entry, ok := latest[lead.ID]
		if !ok {
			if err := e.Route(ctx, lead.ID); err != nil {
				e.log.Warn("recovery route failed", "leadId", lead.ID, "error", err)
				continue
			}
			recovered++
			continue
		}
		e.restore(ctx, lead, entry)
		recovered++
	}
	e.log.Info("routing state recovered", "leads", recovered)
	return recovered, nil
}

func (e *Engine) restore(ctx context.Context, lead domain.Lead, entry domain.ReassignmentLogEntry) {
	r := e.acquire(lead.ID, true)
	defer r.mu.Unlock()
	if r.offer != nil || r.parked {
		return
	}
	r.lead = lead
	r.loaded = true

	if entry.ToAgentID == nil {
		r.parked = true
		r.lastAgent = entry.FromAgentID
		if lead.Status != domain.LeadStatusStalled || lead.AssignedTo != nil {
			r.lead.Status = domain.LeadStatusStalled
			r.lead.AssignedTo = nil
			r.lead.AssignedAt = nil
			e.saveLead(ctx, r.lead)
		}
		return
	}

	agentID := *entry.ToAgentID
	now := e.clock.Now()
	if lead.Status != domain.LeadStatusOffered || lead.AssignedTo == nil || *lead.AssignedTo != agentID {
		r.lead.Status = domain.LeadStatusOffered
		r.lead.AssignedTo = domain.IDPtr(agentID)
		r.lead.AssignedAt = &now
		e.saveLead(ctx, r.lead)
	}
	openedAt := now
	if r.lead.AssignedAt != nil {
		openedAt = *r.lead.AssignedAt
	}
	r.lastAgent = domain.IDPtr(agentID)
	r.visited[agentID] = struct{}{}
	r.offer = &offer{
		agentID:   agentID,
		openedAt:  openedAt,
		remaining: e.timeout,
		state:     domain.OfferPending,
	}
	e.index(agentID, lead.ID)
	e.armLocked(r)
}

// OnPresenceChange is the presence tracker's hook: an agent going offline
// escalates its pending offers, and an agent coming back resumes parked leads.
func (e *Engine) OnPresenceChange(ctx context.Context, change presence.Change) {
	if e.closing.Load() {
		return
	}
	switch {
	case change.To == domain.PresenceOffline:
		if n := e.HandleDisconnect(ctx, change.AgentID); n > 0 {
			e.log.Info("escalated offers of disconnected agent", "agentId", change.AgentID, "offers", n)
		}
	case change.From == domain.PresenceOffline:
		e.Reevaluate(ctx, true)
	}
}

// Run re-evaluates parked leads every interval until ctx is done.
func (e *Engine) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := e.Reevaluate(ctx, false); n > 0 {
				e.log.Info("parked leads resumed", "count", n)
			}
		}
	}
}
