package engine

import "lead_routing_backend/platform/apperr"

var (
	ErrNotYourOffer     = apperr.Forbidden("not your offer")
	ErrStaleDecision    = apperr.Conflict("offer is no longer pending")
	ErrLeadNotFound     = apperr.NotFound("lead not found")
	ErrLeadAccepted     = apperr.Conflict("lead already accepted")
	ErrAgentNotFound    = apperr.NotFound("agent not found")
	ErrAgentNotEligible = apperr.Validation("agent is not eligible for offers")
)
