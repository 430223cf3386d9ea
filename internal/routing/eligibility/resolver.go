// Package eligibility computes which agents may receive offers.
package eligibility

import (
	"bytes"
	"context"
	"fmt"
	"slices"

	"lead_routing_backend/internal/routing/domain"

	"github.com/google/uuid"
)

// AgentDirectory is the user-directory collaborator.
type AgentDirectory interface {
	// ListEligibleAgents returns active agents holding role, ascending by id.
	ListEligibleAgents(ctx context.Context, role string) ([]domain.Agent, error)
}

// PresenceReader exposes derived presence status.
type PresenceReader interface {
	Status(agentID uuid.UUID) domain.PresenceStatus
}

// Resolver filters the roster down to the ordered candidate list.
type Resolver struct {
	directory     AgentDirectory
	presence      PresenceReader
	role          string
	requireOnline bool
}

// Options configures a Resolver.
type Options struct {
	FieldAgentRole string
	// RequireOnline drops agents with no live connection. Idle agents stay eligible.
	RequireOnline bool
}

// New creates a resolver. presence may be nil when RequireOnline is false.
func New(directory AgentDirectory, presence PresenceReader, opts Options) *Resolver {
	return &Resolver{
		directory:     directory,
		presence:      presence,
		role:          opts.FieldAgentRole,
		requireOnline: opts.RequireOnline && presence != nil,
	}
}

// Eligible returns the candidates in stable ascending id order.
// The directory's filter is re-applied so a lax collaborator cannot leak
// inactive or foreign-role agents into the rotation.
func (r *Resolver) Eligible(ctx context.Context) ([]domain.Agent, error) {
	agents, err := r.directory.ListEligibleAgents(ctx, r.role)
	if err != nil {
		return nil, fmt.Errorf("list eligible agents: %w", err)
	}

	out := make([]domain.Agent, 0, len(agents))
	seen := make(map[uuid.UUID]struct{}, len(agents))
	for _, a := range agents {
		if !a.Active || a.Role != r.role {
			continue
		}
		if _, dup := seen[a.ID]; dup {
			continue
		}
		if r.requireOnline && r.presence.Status(a.ID) == domain.PresenceOffline {
			continue
		}
		seen[a.ID] = struct{}{}
		out = append(out, a)
	}

	slices.SortFunc(out, func(a, b domain.Agent) int {
		return bytes.Compare(a.ID[:], b.ID[:])
	})
	return out, nil
}
