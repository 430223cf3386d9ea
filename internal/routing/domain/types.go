// Package domain holds the routing engine's data model. It has no dependencies
// on storage or transport.
package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrLeadNotFound is returned by lead stores for unknown ids.
	ErrLeadNotFound = errors.New("lead not found")
	// ErrAgentNotFound is returned by agent directories for unknown ids.
	ErrAgentNotFound = errors.New("agent not found")
)

// LeadStatus is the routing status of a lead.
type LeadStatus string

const (
	LeadStatusNew      LeadStatus = "new"
	LeadStatusOffered  LeadStatus = "offered"
	LeadStatusAccepted LeadStatus = "accepted"
	LeadStatusStalled  LeadStatus = "stalled"
)

// Valid reports whether s is a known status.
func (s LeadStatus) Valid() bool {
	switch s {
	case LeadStatusNew, LeadStatusOffered, LeadStatusAccepted, LeadStatusStalled:
		return true
	}
	return false
}

// OfferState is the lifecycle state of an in-memory offer.
type OfferState string

const (
	OfferPending    OfferState = "pending"
	OfferAccepted   OfferState = "accepted"
	OfferRejected   OfferState = "rejected"
	OfferExpired    OfferState = "expired"
	OfferSuperseded OfferState = "superseded"
)

// Reason explains why a reassignment entry was written.
type Reason string

const (
	ReasonInitial      Reason = "initial"
	ReasonRejected     Reason = "rejected"
	ReasonTimeout      Reason = "timeout"
	ReasonDisconnected Reason = "disconnected"
	ReasonManual       Reason = "manual"
)

// Valid reports whether r is a known reason.
func (r Reason) Valid() bool {
	switch r {
	case ReasonInitial, ReasonRejected, ReasonTimeout, ReasonDisconnected, ReasonManual:
		return true
	}
	return false
}

// PresenceStatus is an agent's derived liveness.
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceIdle    PresenceStatus = "idle"
	PresenceOffline PresenceStatus = "offline"
)

// Agent is a user-directory record as seen by the engine.
type Agent struct {
	ID     uuid.UUID `json:"id"`
	Role   string    `json:"role"`
	Active bool      `json:"active"`
}

// Lead carries only the fields the engine reads or writes.
type Lead struct {
	ID         uuid.UUID  `json:"id"`
	AssignedTo *uuid.UUID `json:"assignedTo"`
	AssignedAt *time.Time `json:"assignedAt"`
	AcceptedAt *time.Time `json:"acceptedAt"`
	Status     LeadStatus `json:"status"`
}

// Offer is a time-bounded proposal of one lead to one agent.
// Deadline is a projection: the business-hours budget may be suspended.
type Offer struct {
	LeadID           uuid.UUID     `json:"leadId"`
	CandidateAgentID uuid.UUID     `json:"candidateAgentId"`
	OpenedAt         time.Time     `json:"openedAt"`
	Deadline         time.Time     `json:"deadline"`
	Remaining        time.Duration `json:"remaining"`
	Suspended        bool          `json:"suspended"`
	State            OfferState    `json:"state"`
}

// ReassignmentLogEntry is an immutable audit record of one transition.
type ReassignmentLogEntry struct {
	ID          uuid.UUID  `json:"id"`
	LeadID      uuid.UUID  `json:"leadId"`
	FromAgentID *uuid.UUID `json:"fromAgentId"`
	ToAgentID   *uuid.UUID `json:"toAgentId"`
	Reason      Reason     `json:"reason"`
	Timestamp   time.Time  `json:"timestamp"`
}

// PresenceRecord is the tracker's view of one agent.
type PresenceRecord struct {
	AgentID         uuid.UUID      `json:"agentId"`
	Status          PresenceStatus `json:"status"`
	LastHeartbeatAt time.Time      `json:"lastHeartbeatAt"`
	Connections     int            `json:"connections"`
}

// RotationStatus is a read-only snapshot of a rotation cursor.
type RotationStatus struct {
	Pool      string     `json:"pool"`
	PoolSize  int        `json:"poolSize"`
	Cursor    int        `json:"cursor"`
	NextAgent *uuid.UUID `json:"nextAgent"`
}

// IDPtr returns a pointer to a copy of id.
func IDPtr(id uuid.UUID) *uuid.UUID {
	return &id
}

// IDString renders an optional id for logs ("" when nil).
func IDString(id *uuid.UUID) string {
	if id == nil {
		return ""
	}
	return id.String()
}
