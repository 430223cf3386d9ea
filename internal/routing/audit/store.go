// Package audit persists the append-only reassignment log.
package audit

import (
	"context"
	"sort"
	"sync"
	"time"

	"lead_routing_backend/internal/routing/domain"

	"github.com/google/uuid"
)

// Store is the durable side of the reassignment log. Append must be
// idempotent on entry ID so retried writes never duplicate a row.
type Store interface {
	Append(ctx context.Context, entry domain.ReassignmentLogEntry) error
	ListByLead(ctx context.Context, leadID uuid.UUID) ([]domain.ReassignmentLogEntry, error)
	ListSince(ctx context.Context, since time.Time, limit int) ([]domain.ReassignmentLogEntry, error)
	LatestForLeads(ctx context.Context, leadIDs []uuid.UUID) (map[uuid.UUID]domain.ReassignmentLogEntry, error)
}

// MemoryStore keeps entries in process. It backs tests and single-node
// development runs.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []domain.ReassignmentLogEntry
	ids     map[uuid.UUID]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{ids: make(map[uuid.UUID]struct{})}
}

func (s *MemoryStore) Append(_ context.Context, entry domain.ReassignmentLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[entry.ID]; ok {
		return nil
	}
	s.ids[entry.ID] = struct{}{}
	s.entries = append(s.entries, entry)
	return nil
}

func (s *MemoryStore) ListByLead(_ context.Context, leadID uuid.UUID) ([]domain.ReassignmentLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.ReassignmentLogEntry, 0)
	for _, e := range s.entries {
		if e.LeadID == leadID {
			out = append(out, e)
		}
	}
	sortEntries(out)
	return out, nil
}

func (s *MemoryStore) ListSince(_ context.Context, since time.Time, limit int) ([]domain.ReassignmentLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.ReassignmentLogEntry, 0)
	for _, e := range s.entries {
		if !e.Timestamp.Before(since) {
			out = append(out, e)
		}
	}
	sortEntries(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) LatestForLeads(_ context.Context, leadIDs []uuid.UUID) (map[uuid.UUID]domain.ReassignmentLogEntry, error) {
	want := make(map[uuid.UUID]struct{}, len(leadIDs))
	for _, id := range leadIDs {
		want[id] = struct{}{}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[uuid.UUID]domain.ReassignmentLogEntry)
	for _, e := range s.entries {
		if _, ok := want[e.LeadID]; !ok {
			continue
		}
		if prev, ok := out[e.LeadID]; !ok || !e.Timestamp.Before(prev.Timestamp) {
			out[e.LeadID] = e
		}
	}
	return out, nil
}

// sortEntries orders by timestamp, keeping insertion order for ties.
func sortEntries(entries []domain.ReassignmentLogEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Timestamp.Before(entries[j].Timestamp)
	})
}

var _ Store = (*MemoryStore)(nil)
