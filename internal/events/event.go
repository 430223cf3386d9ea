// Package events provides domain event definitions for decoupled,
// event-driven communication between modules.
// Infrastructure (Bus, Handler) is in platform/events.
package events

import (
	"lead_routing_backend/platform/events"

	"github.com/google/uuid"
)

// Re-export platform types for convenience
type (
	Event       = events.Event
	Bus         = events.Bus
	Handler     = events.Handler
	HandlerFunc = events.HandlerFunc
	BaseEvent   = events.BaseEvent
)

// Re-export platform functions
var (
	NewBaseEvent   = events.NewBaseEvent
	NewBaseEventAt = events.NewBaseEventAt
)

// =============================================================================
// Leads Domain Events
// =============================================================================

// LeadCreated is published when a new lead is created and needs an owner.
type LeadCreated struct {
	BaseEvent
	LeadID uuid.UUID `json:"leadId"`
	Source string    `json:"source,omitempty"`
}

func (e LeadCreated) EventName() string { return "leads.lead.created" }

// =============================================================================
// Routing Domain Events
// =============================================================================

// LeadRoutingChanged is published after every reassignment log entry.
// ToAgentID is nil when the lead stalled.
type LeadRoutingChanged struct {
	BaseEvent
	LeadID      uuid.UUID  `json:"leadId"`
	FromAgentID *uuid.UUID `json:"fromAgentId,omitempty"`
	ToAgentID   *uuid.UUID `json:"toAgentId,omitempty"`
	Reason      string     `json:"reason"`
	Status      string     `json:"status"`
}

func (e LeadRoutingChanged) EventName() string { return "routing.lead.changed" }

// LeadAccepted is published when an agent accepts its pending offer.
type LeadAccepted struct {
	BaseEvent
	LeadID  uuid.UUID `json:"leadId"`
	AgentID uuid.UUID `json:"agentId"`
}

func (e LeadAccepted) EventName() string { return "routing.lead.accepted" }

// LeadStalled is published when no candidate could be offered the lead.
// Exhausted is set when the wrap limit was reached rather than the pool being empty.
type LeadStalled struct {
	BaseEvent
	LeadID      uuid.UUID  `json:"leadId"`
	LastAgentID *uuid.UUID `json:"lastAgentId,omitempty"`
	Reason      string     `json:"reason"`
	Exhausted   bool       `json:"exhausted"`
}

func (e LeadStalled) EventName() string { return "routing.lead.stalled" }

// OfferDecisionIgnored is published when an accept or reject had no effect.
type OfferDecisionIgnored struct {
	BaseEvent
	LeadID  uuid.UUID `json:"leadId"`
	AgentID uuid.UUID `json:"agentId"`
	Kind    string    `json:"kind"`
}

func (e OfferDecisionIgnored) EventName() string { return "routing.decision.ignored" }

// AuditWriteFailed is published when a reassignment entry could not be persisted
// on the first attempt.
type AuditWriteFailed struct {
	BaseEvent
	LeadID  uuid.UUID `json:"leadId"`
	EntryID uuid.UUID `json:"entryId"`
	Queued  bool      `json:"queued"`
}

func (e AuditWriteFailed) EventName() string { return "routing.audit.write_failed" }

// =============================================================================
// Presence Domain Events
// =============================================================================

// AgentPresenceChanged is published when an agent's derived presence changes.
type AgentPresenceChanged struct {
	BaseEvent
	AgentID uuid.UUID `json:"agentId"`
	From    string    `json:"from"`
	To      string    `json:"to"`
}

func (e AgentPresenceChanged) EventName() string { return "presence.agent.changed" }
