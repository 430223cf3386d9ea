package scheduler

import (
	"encoding/json"
	"fmt"
	"time"

	"lead_routing_backend/internal/routing/domain"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

const TaskAuditAppend = "routing.audit.append"

// AuditAppendPayload is a reassignment log entry that could not be written inline.
type AuditAppendPayload struct {
	EntryID     string  `json:"entryId"`
	LeadID      string  `json:"leadId"`
	FromAgentID *string `json:"fromAgentId,omitempty"`
	ToAgentID   *string `json:"toAgentId,omitempty"`
	Reason      string  `json:"reason"`
	Timestamp   string  `json:"timestamp"`
}

func NewAuditAppendTask(entry domain.ReassignmentLogEntry) (*asynq.Task, error) {
	payload := AuditAppendPayload{
		EntryID:     entry.ID.String(),
		LeadID:      entry.LeadID.String(),
		FromAgentID: optionalID(entry.FromAgentID),
		ToAgentID:   optionalID(entry.ToAgentID),
		Reason:      string(entry.Reason),
		Timestamp:   entry.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskAuditAppend, data), nil
}

func ParseAuditAppendPayload(task *asynq.Task) (domain.ReassignmentLogEntry, error) {
	var payload AuditAppendPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return domain.ReassignmentLogEntry{}, err
	}

	entryID, err := uuid.Parse(payload.EntryID)
	if err != nil {
		return domain.ReassignmentLogEntry{}, fmt.Errorf("entry id: %w", err)
	}
	leadID, err := uuid.Parse(payload.LeadID)
	if err != nil {
		return domain.ReassignmentLogEntry{}, fmt.Errorf("lead id: %w", err)
	}
	from, err := parseOptionalID(payload.FromAgentID)
	if err != nil {
		return domain.ReassignmentLogEntry{}, fmt.Errorf("from agent id: %w", err)
	}
	to, err := parseOptionalID(payload.ToAgentID)
	if err != nil {
		return domain.ReassignmentLogEntry{}, fmt.Errorf("to agent id: %w", err)
	}
	reason := domain.Reason(payload.Reason)
	if !reason.Valid() {
		return domain.ReassignmentLogEntry{}, fmt.Errorf("unknown reason %q", payload.Reason)
	}
	ts, err := time.Parse(time.RFC3339Nano, payload.Timestamp)
	if err != nil {
		return domain.ReassignmentLogEntry{}, fmt.Errorf("timestamp: %w", err)
	}

	return domain.ReassignmentLogEntry{
		ID:          entryID,
		LeadID:      leadID,
		FromAgentID: from,
		ToAgentID:   to,
		Reason:      reason,
		Timestamp:   ts,
	}, nil
}

func optionalID(id *uuid.UUID) *string {
	if id == nil {
		return nil
	}
	s := id.String()
	return &s
}

func parseOptionalID(raw *string) (*uuid.UUID, error) {
	if raw == nil || *raw == "" {
		return nil, nil
	}
	id, err := uuid.Parse(*raw)
	if err != nil {
		return nil, err
	}
	return &id, nil
}
