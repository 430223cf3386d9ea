package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"lead_routing_backend/internal/routing/domain"
	"lead_routing_backend/platform/logger"

	"github.com/google/uuid"
	"github.com/sony/gobreaker/v2"
)

const (
	defaultMaxFailures  uint32 = 3
	defaultOpenTimeout         = 15 * time.Second
	defaultWriteTimeout        = 2 * time.Second
	maxBacklog                 = 10000
)

// RetryQueue hands an entry to an out-of-process retry worker.
type RetryQueue interface {
	EnqueueAuditAppend(ctx context.Context, entry domain.ReassignmentLogEntry) error
}

// FailureObserver is told about every entry whose first write failed.
type FailureObserver func(entry domain.ReassignmentLogEntry, queued bool)

// WriterOptions tunes the writer's circuit breaker.
type WriterOptions struct {
	MaxFailures  uint32
	OpenTimeout  time.Duration
	WriteTimeout time.Duration
	OnFailure    FailureObserver
}

// Writer appends entries without ever failing the caller. A failed write is
// handed to the retry queue, or kept in a local backlog that Run flushes.
type Writer struct {
	store   Store
	retry   RetryQueue
	log     *logger.Logger
	breaker *gobreaker.CircuitBreaker[struct{}]
	timeout time.Duration
	onFail  FailureObserver

	mu      sync.Mutex
	backlog []domain.ReassignmentLogEntry
}

// NewWriter wraps store. retry may be nil.
func NewWriter(store Store, retry RetryQueue, log *logger.Logger, opts WriterOptions) *Writer {
	maxFailures := opts.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultMaxFailures
	}
	openTimeout := opts.OpenTimeout
	if openTimeout == 0 {
		openTimeout = defaultOpenTimeout
	}
	writeTimeout := opts.WriteTimeout
	if writeTimeout == 0 {
		writeTimeout = defaultWriteTimeout
	}

	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "audit:reassignment-log",
		MaxRequests: 1,
		Timeout:     openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})

	return &Writer{
		store:   store,
		retry:   retry,
		log:     log,
		breaker: cb,
		timeout: writeTimeout,
		onFail:  opts.OnFailure,
	}
}

// Append records entry. It returns once the entry is persisted, queued for
// retry, or held in the backlog.
func (w *Writer) Append(ctx context.Context, entry domain.ReassignmentLogEntry) {
	ctx = context.WithoutCancel(ctx)
	err := w.write(ctx, entry)
	if err == nil {
		return
	}

	w.log.AuditWriteFailed(entry.LeadID.String(), err)

	queued := false
	if w.retry != nil {
		if qerr := w.retry.EnqueueAuditAppend(ctx, entry); qerr == nil {
			queued = true
		} else {
			w.log.Warn("audit retry enqueue failed", "leadId", entry.LeadID, "error", qerr)
		}
	}
	if !queued {
		w.hold(entry)
	}
	if w.onFail != nil {
		w.onFail(entry, queued)
	}
}

func (w *Writer) write(ctx context.Context, entry domain.ReassignmentLogEntry) error {
	_, err := w.breaker.Execute(func() (struct{}, error) {
		writeCtx, cancel := context.WithTimeout(ctx, w.timeout)
		defer cancel()
		return struct{}{}, w.store.Append(writeCtx, entry)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("audit store unavailable: %w", err)
	}
	return err
}

func (w *Writer) hold(entry domain.ReassignmentLogEntry) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.backlog) >= maxBacklog {
		dropped := w.backlog[0]
		w.backlog = w.backlog[1:]
		w.log.Error("audit backlog full, dropping oldest entry", "leadId", dropped.LeadID, "entryId", dropped.ID)
	}
	w.backlog = append(w.backlog, entry)
}

// Flush retries the backlog in order and returns how many entries remain.
// It stops at the first failure so later entries never overtake earlier ones.
func (w *Writer) Flush(ctx context.Context) int {
	w.mu.Lock()
	pending := w.backlog
	w.backlog = nil
	w.mu.Unlock()

	done := 0
	for _, entry := range pending {
		if err := w.write(ctx, entry); err != nil {
			break
		}
		done++
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.backlog = append(pending[done:len(pending):len(pending)], w.backlog...)
	if done > 0 {
		w.log.Info("audit backlog flushed", "written", done, "remaining", len(w.backlog))
	}
	return len(w.backlog)
}

// Pending returns the number of entries held locally.
func (w *Writer) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.backlog)
}

// Run flushes the backlog every interval until ctx is done.
func (w *Writer) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if w.Pending() > 0 {
				w.Flush(ctx)
			}
		}
	}
}

// ListByLead returns a lead's history including entries still in the backlog.
func (w *Writer) ListByLead(ctx context.Context, leadID uuid.UUID) ([]domain.ReassignmentLogEntry, error) {
	stored, err := w.store.ListByLead(ctx, leadID)
	if err != nil {
		return nil, err
	}
	return w.merge(stored, func(e domain.ReassignmentLogEntry) bool { return e.LeadID == leadID }), nil
}

// ListSince returns entries at or after since, including backlog entries.
func (w *Writer) ListSince(ctx context.Context, since time.Time, limit int) ([]domain.ReassignmentLogEntry, error) {
	stored, err := w.store.ListSince(ctx, since, limit)
	if err != nil {
		return nil, err
	}
	out := w.merge(stored, func(e domain.ReassignmentLogEntry) bool { return !e.Timestamp.Before(since) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// LatestForLeads reads the durable store only.
func (w *Writer) LatestForLeads(ctx context.Context, leadIDs []uuid.UUID) (map[uuid.UUID]domain.ReassignmentLogEntry, error) {
	return w.store.LatestForLeads(ctx, leadIDs)
}

func (w *Writer) merge(stored []domain.ReassignmentLogEntry, keep func(domain.ReassignmentLogEntry) bool) []domain.ReassignmentLogEntry {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.backlog) == 0 {
		return stored
	}
	seen := make(map[uuid.UUID]struct{}, len(stored))
	for _, e := range stored {
		seen[e.ID] = struct{}{}
	}
	for _, e := range w.backlog {
		if _, dup := seen[e.ID]; !dup && keep(e) {
			stored = append(stored, e)
		}
	}
	sortEntries(stored)
	return stored
}
