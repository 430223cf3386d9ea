package audit

import (
	"context"
	"time"

	"lead_routing_backend/internal/routing/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const defaultListLimit = 500

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Append(ctx context.Context, entry domain.ReassignmentLogEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO lead_reassignment_log (id, lead_id, from_agent_id, to_agent_id, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING
	`, entry.ID, entry.LeadID, entry.FromAgentID, entry.ToAgentID, string(entry.Reason), entry.Timestamp)
	return err
}

func (s *PostgresStore) ListByLead(ctx context.Context, leadID uuid.UUID) ([]domain.ReassignmentLogEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, lead_id, from_agent_id, to_agent_id, reason, created_at
		FROM lead_reassignment_log
		WHERE lead_id = $1
		ORDER BY created_at ASC, seq ASC
	`, leadID)
	if err != nil {
		return nil, err
	}
	return collectEntries(rows)
}

func (s *PostgresStore) ListSince(ctx context.Context, since time.Time, limit int) ([]domain.ReassignmentLogEntry, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, lead_id, from_agent_id, to_agent_id, reason, created_at
		FROM lead_reassignment_log
		WHERE created_at >= $1
		ORDER BY created_at ASC, seq ASC
		LIMIT $2
	`, since, limit)
	if err != nil {
		return nil, err
	}
	return collectEntries(rows)
}

func (s *PostgresStore) LatestForLeads(ctx context.Context, leadIDs []uuid.UUID) (map[uuid.UUID]domain.ReassignmentLogEntry, error) {
	out := make(map[uuid.UUID]domain.ReassignmentLogEntry, len(leadIDs))
	if len(leadIDs) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT ON (lead_id) id, lead_id, from_agent_id, to_agent_id, reason, created_at
		FROM lead_reassignment_log
		WHERE lead_id = ANY($1)
		ORDER BY lead_id, created_at DESC, seq DESC
	`, leadIDs)
	if err != nil {
		return nil, err
	}
	entries, err := collectEntries(rows)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		out[e.LeadID] = e
	}
	return out, nil
}

func collectEntries(rows pgx.Rows) ([]domain.ReassignmentLogEntry, error) {
	defer rows.Close()

	items := make([]domain.ReassignmentLogEntry, 0)
	for rows.Next() {
		var (
			item   domain.ReassignmentLogEntry
			reason string
		)
		if err := rows.Scan(&item.ID, &item.LeadID, &item.FromAgentID, &item.ToAgentID, &reason, &item.Timestamp); err != nil {
			return nil, err
		}
		item.Reason = domain.Reason(reason)
		items = append(items, item)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return items, nil
}

var _ Store = (*PostgresStore)(nil)
