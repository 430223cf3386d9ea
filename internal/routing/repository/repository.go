// Package repository reads agents and writes lead routing state in Postgres.
package repository

import (
	"context"
	"errors"

	"lead_routing_backend/internal/routing/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound      = domain.ErrLeadNotFound
	ErrAgentNotFound = domain.ErrAgentNotFound
)

type Repository struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ListEligibleAgents returns active users with role, ordered by id.
func (r *Repository) ListEligibleAgents(ctx context.Context, role string) ([]domain.Agent, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, role, is_active
		FROM users
		WHERE role = $1 AND is_active = true
		ORDER BY id ASC
	`, role)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.Agent, 0)
	for rows.Next() {
		var item domain.Agent
		if err := rows.Scan(&item.ID, &item.Role, &item.Active); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return items, nil
}

// GetAgent returns one user as an agent record.
func (r *Repository) GetAgent(ctx context.Context, id uuid.UUID) (domain.Agent, error) {
	var agent domain.Agent
	err := r.pool.QueryRow(ctx, `
		SELECT id, role, is_active FROM users WHERE id = $1
	`, id).Scan(&agent.ID, &agent.Role, &agent.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Agent{}, ErrAgentNotFound
	}
	return agent, err
}

func (r *Repository) GetLead(ctx context.Context, id uuid.UUID) (domain.Lead, error) {
	var (
		lead   domain.Lead
		status string
	)
	err := r.pool.QueryRow(ctx, `
		SELECT id, assigned_agent_id, assigned_at, accepted_at, routing_status
		FROM leads
		WHERE id = $1
	`, id).Scan(&lead.ID, &lead.AssignedTo, &lead.AssignedAt, &lead.AcceptedAt, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Lead{}, ErrNotFound
	}
	if err != nil {
		return domain.Lead{}, err
	}
	lead.Status = domain.LeadStatus(status)
	return lead, nil
}

// UpdateLeadRouting writes the routing columns of lead.
func (r *Repository) UpdateLeadRouting(ctx context.Context, lead domain.Lead) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE leads
		SET assigned_agent_id = $2, assigned_at = $3, accepted_at = $4, routing_status = $5, updated_at = now()
		WHERE id = $1
	`, lead.ID, lead.AssignedTo, lead.AssignedAt, lead.AcceptedAt, string(lead.Status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListUnacceptedLeads returns every lead the engine still owns.
func (r *Repository) ListUnacceptedLeads(ctx context.Context) ([]domain.Lead, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, assigned_agent_id, assigned_at, accepted_at, routing_status
		FROM leads
		WHERE routing_status <> 'accepted'
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.Lead, 0)
	for rows.Next() {
		var (
			item   domain.Lead
			status string
		)
		if err := rows.Scan(&item.ID, &item.AssignedTo, &item.AssignedAt, &item.AcceptedAt, &status); err != nil {
			return nil, err
		}
		item.Status = domain.LeadStatus(status)
		items = append(items, item)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return items, nil
}
