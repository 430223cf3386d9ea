// Package rotation implements the fairness-preserving round-robin selector.
package rotation

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"lead_routing_backend/internal/routing/domain"
	"lead_routing_backend/platform/logger"

	"github.com/google/uuid"
)

// ErrNoEligibleAgent is returned when the eligible set is empty.
var ErrNoEligibleAgent = errors.New("no eligible agent")

const cursorSaveTimeout = 500 * time.Millisecond

// Source yields the current eligible agents in stable order.
type Source interface {
	Eligible(ctx context.Context) ([]domain.Agent, error)
}

// CursorStore persists a pool's cursor across restarts.
type CursorStore interface {
	Load(ctx context.Context, pool string) (int, error)
	Save(ctx context.Context, pool string, cursor int) error
}

// Selection is the result of one SelectNext call.
type Selection struct {
	Agent    domain.Agent
	Position int
	PoolSize int
}

// Selector owns one pool's rotation cursor. Every read-and-advance happens
// under mu, so concurrent selections never observe the same cursor value.
type Selector struct {
	mu     sync.Mutex
	pool   string
	source Source
	store  CursorStore
	log    *logger.Logger
	cursor int
}

// NewSelector creates a selector for pool. store may be nil.
func NewSelector(pool string, source Source, store CursorStore, log *logger.Logger) *Selector {
	if pool == "" {
		pool = "global"
	}
	return &Selector{pool: pool, source: source, store: store, log: log}
}

// Restore loads the persisted cursor, if a store is configured.
func (s *Selector) Restore(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	cursor, err := s.store.Load(ctx, s.pool)
	if err != nil {
		return err
	}
	if cursor < 0 {
		cursor = 0
	}
	s.mu.Lock()
	s.cursor = cursor
	s.mu.Unlock()
	return nil
}

// SelectNext picks eligible[cursor mod k] and advances the cursor.
// Agents listed in exclude are skipped unless every eligible agent is excluded.
func (s *Selector) SelectNext(ctx context.Context, exclude ...uuid.UUID) (Selection, error) {
	agents, err := s.source.Eligible(ctx)
	if err != nil {
		return Selection{}, err
	}
	n := len(agents)
	if n == 0 {
		return Selection{}, ErrNoEligibleAgent
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	first := s.cursor % n
	pick := first
	for tries := 0; tries < n; tries++ {
		idx := (first + tries) % n
		if !slices.Contains(exclude, agents[idx].ID) {
			pick = idx
			break
		}
	}
	s.cursor = (pick + 1) % n
	s.persistLocked(ctx)

	return Selection{Agent: agents[pick], Position: pick, PoolSize: n}, nil
}

// Reset sets the cursor back to zero.
func (s *Selector) Reset(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursor = 0
	s.persistLocked(ctx)
}

// Status reports the cursor without advancing it.
func (s *Selector) Status(ctx context.Context) (domain.RotationStatus, error) {
	agents, err := s.source.Eligible(ctx)
	if err != nil {
		return domain.RotationStatus{}, err
	}

	s.mu.Lock()
	cursor := s.cursor
	s.mu.Unlock()

	status := domain.RotationStatus{Pool: s.pool, PoolSize: len(agents), Cursor: cursor}
	if len(agents) > 0 {
		status.Cursor = cursor % len(agents)
		status.NextAgent = domain.IDPtr(agents[status.Cursor].ID)
	}
	return status, nil
}

func (s *Selector) persistLocked(ctx context.Context) {
	if s.store == nil {
		return
	}
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cursorSaveTimeout)
	defer cancel()
	if err := s.store.Save(saveCtx, s.pool, s.cursor); err != nil && s.log != nil {
		s.log.Warn("rotation cursor save failed", "pool", s.pool, "error", err)
	}
}
