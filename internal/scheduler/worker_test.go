package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"lead_routing_backend/internal/routing/audit"
	"lead_routing_backend/internal/routing/domain"
	"lead_routing_backend/platform/logger"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditAppendTaskCarriesEntry(t *testing.T) {
	from := uuid.New()
	entry := domain.ReassignmentLogEntry{
		ID:          uuid.New(),
		LeadID:      uuid.New(),
		FromAgentID: &from,
		Reason:      domain.ReasonTimeout,
		Timestamp:   time.Date(2026, 3, 2, 9, 45, 0, 123, time.UTC),
	}

	task, err := NewAuditAppendTask(entry)
	require.NoError(t, err)
	assert.Equal(t, TaskAuditAppend, task.Type())

	got, err := ParseAuditAppendPayload(task)
	require.NoError(t, err)
	assert.Equal(t, entry.ID, got.ID)
	assert.Equal(t, entry.LeadID, got.LeadID)
	require.NotNil(t, got.FromAgentID)
	assert.Equal(t, from, *got.FromAgentID)
	assert.Nil(t, got.ToAgentID)
	assert.Equal(t, domain.ReasonTimeout, got.Reason)
	assert.True(t, entry.Timestamp.Equal(got.Timestamp))
}

func TestParseAuditAppendPayloadRejectsGarbage(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"not json", `{`},
		{"bad entry id", `{"entryId":"x","leadId":"` + uuid.NewString() + `","reason":"manual","timestamp":"2026-03-02T10:00:00Z"}`},
		{"unknown reason", `{"entryId":"` + uuid.NewString() + `","leadId":"` + uuid.NewString() + `","reason":"bored","timestamp":"2026-03-02T10:00:00Z"}`},
		{"bad timestamp", `{"entryId":"` + uuid.NewString() + `","leadId":"` + uuid.NewString() + `","reason":"manual","timestamp":"yesterday"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseAuditAppendPayload(asynq.NewTask(TaskAuditAppend, []byte(tt.payload)))
			assert.Error(t, err)
		})
	}
}

type failingStore struct {
	*audit.MemoryStore
	err error
}

func (s *failingStore) Append(ctx context.Context, entry domain.ReassignmentLogEntry) error {
	if s.err != nil {
		return s.err
	}
	return s.MemoryStore.Append(ctx, entry)
}

func TestHandleAuditAppend(t *testing.T) {
	store := &failingStore{MemoryStore: audit.NewMemoryStore()}
	w := &Worker{store: store, log: logger.Discard()}

	to := uuid.New()
	entry := domain.ReassignmentLogEntry{ID: uuid.New(), LeadID: uuid.New(), ToAgentID: &to, Reason: domain.ReasonInitial, Timestamp: time.Now()}
	task, err := NewAuditAppendTask(entry)
	require.NoError(t, err)

	store.err = errors.New("connection refused")
	assert.Error(t, w.handleAuditAppend(context.Background(), task), "transient failures are retried by asynq")

	store.err = nil
	require.NoError(t, w.handleAuditAppend(context.Background(), task))
	require.NoError(t, w.handleAuditAppend(context.Background(), task), "redelivery is idempotent")

	entries, err := store.ListByLead(context.Background(), entry.LeadID)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	err = w.handleAuditAppend(context.Background(), asynq.NewTask(TaskAuditAppend, []byte(`{`)))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}
