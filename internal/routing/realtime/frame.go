package realtime

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Inbound events.
const (
	EventLeadAccept        = "lead:accept"
	EventLeadReject        = "lead:reject"
	EventPresenceHeartbeat = "presence:heartbeat"
	EventPresenceActive    = "presence:active"
	EventPresenceIdle      = "presence:idle"
)

// Outbound events.
const (
	EventSessionReady  = "session:ready"
	EventLeadOffered   = "lead:offered"
	EventLeadChanged   = "lead:changed"
	EventAlertReceived = "alert:received"
	EventAck           = "ack"
	EventError         = "error"
)

// Ack statuses.
const (
	AckApplied      = "applied"
	AckIgnored      = "ignored"
	AckNotYourOffer = "not_your_offer"
	AckError        = "error"
)

// Frame is the envelope exchanged in both directions.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type decisionPayload struct {
	LeadID string `json:"leadId"`
}

// Ack answers every inbound decision.
type Ack struct {
	Event  string `json:"event"`
	LeadID string `json:"leadId,omitempty"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type sessionReady struct {
	AgentID    uuid.UUID `json:"agentId"`
	Supervisor bool      `json:"supervisor"`
}

// Alert is an ad hoc operator notification.
type Alert struct {
	ID        uuid.UUID `json:"id"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Severity  string    `json:"severity"`
	CreatedAt time.Time `json:"createdAt"`
}

func newFrame(event string, data any) (Frame, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Event: event, Data: raw}, nil
}
