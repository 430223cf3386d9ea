package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"lead_routing_backend/internal/routing/domain"
	"lead_routing_backend/internal/routing/realtime"
	"lead_routing_backend/internal/routing/transport"
	"lead_routing_backend/platform/apperr"
	"lead_routing_backend/platform/httpkit"
	"lead_routing_backend/platform/sanitize"
	"lead_routing_backend/platform/validator"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	msgInvalidRequest   = "invalid request"
	msgValidationFailed = "validation failed"
	defaultHistoryLimit = 200
)

// Router is the slice of the engine the operational endpoints drive.
type Router interface {
	Route(ctx context.Context, leadID uuid.UUID) error
	Reassign(ctx context.Context, leadID uuid.UUID, target *uuid.UUID) error
	Reevaluate(ctx context.Context, includeUndeliverable bool) int
	Offer(leadID uuid.UUID) (domain.Offer, bool)
}

type Rotation interface {
	Status(ctx context.Context) (domain.RotationStatus, error)
	Reset(ctx context.Context)
}

type History interface {
	ListByLead(ctx context.Context, leadID uuid.UUID) ([]domain.ReassignmentLogEntry, error)
	ListSince(ctx context.Context, since time.Time, limit int) ([]domain.ReassignmentLogEntry, error)
}

type Presence interface {
	Snapshot() []domain.PresenceRecord
}

type Alerts interface {
	BroadcastAlert(ctx context.Context, alert realtime.Alert) int
}

type Handler struct {
	router   Router
	rotation Rotation
	history  History
	presence Presence
	alerts   Alerts
	val      *validator.Validator
	now      func() time.Time
}

func New(router Router, rotation Rotation, history History, presence Presence, alerts Alerts, val *validator.Validator) *Handler {
	return &Handler{
		router:   router,
		rotation: rotation,
		history:  history,
		presence: presence,
		alerts:   alerts,
		val:      val,
		now:      time.Now,
	}
}

// RegisterRoutes mounts the routing controls on rg (e.g. /api/v1/routing).
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/rotation", h.RotationStatus)
	rg.POST("/rotation/reset", h.ResetRotation)
	rg.GET("/history", h.ListHistory)
	rg.GET("/presence", h.ListPresence)
	rg.POST("/reevaluate", h.Reevaluate)
	rg.GET("/leads/:id/history", h.LeadHistory)
	rg.GET("/leads/:id/offer", h.GetOffer)
	rg.POST("/leads/:id/route", h.RouteLead)
	rg.POST("/leads/:id/reassign", h.Reassign)
}

// RegisterAlertRoutes mounts the alert broadcast endpoint on rg (e.g. /api/v1/alerts).
func (h *Handler) RegisterAlertRoutes(rg *gin.RouterGroup) {
	rg.POST("", h.CreateAlert)
}

func (h *Handler) RotationStatus(c *gin.Context) {
	status, err := h.rotation.Status(c.Request.Context())
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, status)
}

func (h *Handler) ResetRotation(c *gin.Context) {
	h.rotation.Reset(c.Request.Context())
	status, err := h.rotation.Status(c.Request.Context())
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, status)
}

func (h *Handler) ListHistory(c *gin.Context) {
	var q transport.HistoryQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidRequest, nil)
		return
	}
	if err := h.val.Struct(q); err != nil {
		httpkit.HandleError(c, apperr.Validation(msgValidationFailed).WithDetails(err.Error()))
		return
	}

	var since time.Time
	if q.Since != "" {
		parsed, err := time.Parse(time.RFC3339, q.Since)
		if err != nil {
			httpkit.Error(c, http.StatusBadRequest, msgValidationFailed, "since must be an RFC 3339 timestamp")
			return
		}
		since = parsed
	}
	limit := q.Limit
	if limit == 0 {
		limit = defaultHistoryLimit
	}

	entries, err := h.history.ListSince(c.Request.Context(), since, limit)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, transport.HistoryResponse{Entries: nonNil(entries)})
}

func (h *Handler) ListPresence(c *gin.Context) {
	records := h.presence.Snapshot()
	if records == nil {
		records = []domain.PresenceRecord{}
	}
	httpkit.OK(c, transport.PresenceResponse{Agents: records})
}

func (h *Handler) Reevaluate(c *gin.Context) {
	resumed := h.router.Reevaluate(c.Request.Context(), true)
	httpkit.OK(c, transport.ReevaluateResponse{Resumed: resumed})
}

func (h *Handler) LeadHistory(c *gin.Context) {
	leadID, ok := parseLeadID(c)
	if !ok {
		return
	}

	entries, err := h.history.ListByLead(c.Request.Context(), leadID)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, transport.HistoryResponse{Entries: nonNil(entries)})
}

func (h *Handler) GetOffer(c *gin.Context) {
	leadID, ok := parseLeadID(c)
	if !ok {
		return
	}

	offer, found := h.router.Offer(leadID)
	if !found {
		httpkit.HandleError(c, apperr.NotFound("no pending offer for lead"))
		return
	}
	httpkit.OK(c, transport.OfferResponse{LeadID: leadID, Offer: &offer})
}

func (h *Handler) RouteLead(c *gin.Context) {
	leadID, ok := parseLeadID(c)
	if !ok {
		return
	}

	if httpkit.HandleError(c, h.router.Route(c.Request.Context(), leadID)) {
		return
	}
	h.respondOffer(c, http.StatusAccepted, leadID)
}

func (h *Handler) Reassign(c *gin.Context) {
	leadID, ok := parseLeadID(c)
	if !ok {
		return
	}

	var req transport.ReassignRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidRequest, nil)
		return
	}
	if err := h.val.Struct(req); err != nil {
		httpkit.HandleError(c, apperr.Validation(msgValidationFailed).WithDetails(err.Error()))
		return
	}

	if httpkit.HandleError(c, h.router.Reassign(c.Request.Context(), leadID, req.AgentID)) {
		return
	}
	h.respondOffer(c, http.StatusOK, leadID)
}

func (h *Handler) CreateAlert(c *gin.Context) {
	var req transport.CreateAlertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidRequest, nil)
		return
	}
	if err := h.val.Struct(req); err != nil {
		httpkit.HandleError(c, apperr.Validation(msgValidationFailed).WithDetails(err.Error()))
		return
	}

	title := sanitize.Line(req.Title)
	message := sanitize.Text(req.Message)
	if title == "" || message == "" {
		httpkit.Error(c, http.StatusBadRequest, msgValidationFailed, "title and message must contain text")
		return
	}

	severity := req.Severity
	if severity == "" {
		severity = transport.AlertSeverityInfo
	}
	alert := realtime.Alert{
		ID:        uuid.New(),
		Title:     title,
		Message:   message,
		Severity:  string(severity),
		CreatedAt: h.now().UTC(),
	}
	delivered := h.alerts.BroadcastAlert(c.Request.Context(), alert)

	httpkit.JSON(c, http.StatusCreated, transport.AlertResponse{
		ID:        alert.ID,
		Delivered: delivered,
		CreatedAt: alert.CreatedAt,
	})
}

// respondOffer reports the lead's pending offer. A nil offer means the lead
// is parked or stalled.
func (h *Handler) respondOffer(c *gin.Context, status int, leadID uuid.UUID) {
	resp := transport.OfferResponse{LeadID: leadID}
	if offer, found := h.router.Offer(leadID); found {
		resp.Offer = &offer
	}
	httpkit.JSON(c, status, resp)
}

func parseLeadID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		httpkit.HandleError(c, apperr.BadRequest(msgInvalidRequest))
		return uuid.Nil, false
	}
	return id, true
}

func nonNil(entries []domain.ReassignmentLogEntry) []domain.ReassignmentLogEntry {
	if entries == nil {
		return []domain.ReassignmentLogEntry{}
	}
	return entries
}
