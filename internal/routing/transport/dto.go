// Package transport holds the request and response shapes of the routing HTTP API.
package transport

import (
	"time"

	"lead_routing_backend/internal/routing/domain"

	"github.com/google/uuid"
)

// Request DTOs

type ReassignRequest struct {
	// AgentID targets one agent. Omit it to let the rotation pick.
	AgentID *uuid.UUID `json:"agentId,omitempty" validate:"omitempty,notnil_uuid"`
}

type HistoryQuery struct {
	Since string `form:"since" validate:"omitempty"`
	Limit int    `form:"limit" validate:"omitempty,min=1,max=1000"`
}

type AlertSeverity string

const (
	AlertSeverityInfo     AlertSeverity = "info"
	AlertSeverityWarning  AlertSeverity = "warning"
	AlertSeverityCritical AlertSeverity = "critical"
)

type CreateAlertRequest struct {
	Title    string        `json:"title" validate:"required,min=1,max=200"`
	Message  string        `json:"message" validate:"required,min=1,max=2000"`
	Severity AlertSeverity `json:"severity,omitempty" validate:"omitempty,oneof=info warning critical"`
}

// Response DTOs

type OfferResponse struct {
	LeadID uuid.UUID     `json:"leadId"`
	Offer  *domain.Offer `json:"offer"`
}

type HistoryResponse struct {
	Entries []domain.ReassignmentLogEntry `json:"entries"`
}

type ReevaluateResponse struct {
	Resumed int `json:"resumed"`
}

type PresenceResponse struct {
	Agents []domain.PresenceRecord `json:"agents"`
}

type AlertResponse struct {
	ID        uuid.UUID `json:"id"`
	Delivered int       `json:"delivered"`
	CreatedAt time.Time `json:"createdAt"`
}
