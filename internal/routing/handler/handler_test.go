package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"lead_routing_backend/internal/routing/audit"
	"lead_routing_backend/internal/routing/domain"
	"lead_routing_backend/internal/routing/engine"
	"lead_routing_backend/internal/routing/realtime"
	"lead_routing_backend/internal/routing/transport"
	"lead_routing_backend/platform/validator"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRouter struct {
	routeErr    error
	reassignErr error
	offers      map[uuid.UUID]domain.Offer
	routed      []uuid.UUID
	reassigned  map[uuid.UUID]*uuid.UUID
	reevaluated int
}

func (f *fakeRouter) Route(_ context.Context, leadID uuid.UUID) error {
	f.routed = append(f.routed, leadID)
	return f.routeErr
}

func (f *fakeRouter) Reassign(_ context.Context, leadID uuid.UUID, target *uuid.UUID) error {
	if f.reassignErr != nil {
		return f.reassignErr
	}
	f.reassigned[leadID] = target
	return nil
}

func (f *fakeRouter) Reevaluate(context.Context, bool) int {
	f.reevaluated++
	return 3
}

func (f *fakeRouter) Offer(leadID uuid.UUID) (domain.Offer, bool) {
	o, ok := f.offers[leadID]
	return o, ok
}

type fakeRotation struct {
	status domain.RotationStatus
	resets int
}

func (f *fakeRotation) Status(context.Context) (domain.RotationStatus, error) { return f.status, nil }
func (f *fakeRotation) Reset(context.Context) {
	f.resets++
	f.status.Cursor = 0
}

type fakePresence struct{ records []domain.PresenceRecord }

func (f fakePresence) Snapshot() []domain.PresenceRecord { return f.records }

type fakeAlerts struct{ sent []realtime.Alert }

func (f *fakeAlerts) BroadcastAlert(_ context.Context, alert realtime.Alert) int {
	f.sent = append(f.sent, alert)
	return 2
}

type fixture struct {
	router   *fakeRouter
	rotation *fakeRotation
	store    *audit.MemoryStore
	alerts   *fakeAlerts
	engine   *gin.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	f := &fixture{
		router:   &fakeRouter{offers: map[uuid.UUID]domain.Offer{}, reassigned: map[uuid.UUID]*uuid.UUID{}},
		rotation: &fakeRotation{status: domain.RotationStatus{Pool: "global", PoolSize: 3, Cursor: 2}},
		store:    audit.NewMemoryStore(),
		alerts:   &fakeAlerts{},
		engine:   gin.New(),
	}
	presence := fakePresence{records: []domain.PresenceRecord{{AgentID: uuid.New(), Status: domain.PresenceOnline, Connections: 1}}}
	h := New(f.router, f.rotation, f.store, presence, f.alerts, validator.New())
	h.now = func() time.Time { return time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC) }
	h.RegisterRoutes(f.engine.Group("/routing"))
	h.RegisterAlertRoutes(f.engine.Group("/alerts"))
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.engine.ServeHTTP(rec, req)
	return rec
}

func TestRotationStatusAndReset(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/routing/rotation", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status domain.RotationStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, 3, status.PoolSize)
	assert.Equal(t, 2, status.Cursor)

	rec = f.do(t, http.MethodPost, "/routing/rotation/reset", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, 0, status.Cursor)
	assert.Equal(t, 1, f.rotation.resets)
}

func TestLeadHistory(t *testing.T) {
	f := newFixture(t)
	leadID := uuid.New()
	agent := uuid.New()
	base := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	require.NoError(t, f.store.Append(context.Background(), domain.ReassignmentLogEntry{ID: uuid.New(), LeadID: leadID, ToAgentID: &agent, Reason: domain.ReasonInitial, Timestamp: base}))
	require.NoError(t, f.store.Append(context.Background(), domain.ReassignmentLogEntry{ID: uuid.New(), LeadID: leadID, FromAgentID: &agent, Reason: domain.ReasonTimeout, Timestamp: base.Add(10 * time.Minute)}))
	require.NoError(t, f.store.Append(context.Background(), domain.ReassignmentLogEntry{ID: uuid.New(), LeadID: uuid.New(), ToAgentID: &agent, Reason: domain.ReasonInitial, Timestamp: base.Add(time.Hour)}))

	rec := f.do(t, http.MethodGet, "/routing/leads/"+leadID.String()+"/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp transport.HistoryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Entries, 2)
	assert.Equal(t, domain.ReasonInitial, resp.Entries[0].Reason)
	assert.Equal(t, domain.ReasonTimeout, resp.Entries[1].Reason)

	rec = f.do(t, http.MethodGet, "/routing/history?since="+base.Add(5*time.Minute).Format(time.RFC3339)+"&limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Entries, 2)

	rec = f.do(t, http.MethodGet, "/routing/leads/"+uuid.NewString()+"/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"entries":[]}`, rec.Body.String())
}

func TestHistoryQueryValidation(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name  string
		query string
	}{
		{"limit too large", "?limit=5000"},
		{"negative limit", "?limit=-1"},
		{"limit not a number", "?limit=many"},
		{"since not a timestamp", "?since=yesterday"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodGet, "/routing/history"+tt.query, nil)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestGetOffer(t *testing.T) {
	f := newFixture(t)
	leadID := uuid.New()
	f.router.offers[leadID] = domain.Offer{LeadID: leadID, CandidateAgentID: uuid.New(), State: domain.OfferPending, Remaining: 10 * time.Minute}

	rec := f.do(t, http.MethodGet, "/routing/leads/"+leadID.String()+"/offer", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp transport.OfferResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Offer)
	assert.Equal(t, domain.OfferPending, resp.Offer.State)

	rec = f.do(t, http.MethodGet, "/routing/leads/"+uuid.NewString()+"/offer", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/routing/leads/nope/offer", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRouteLead(t *testing.T) {
	f := newFixture(t)
	leadID := uuid.New()

	rec := f.do(t, http.MethodPost, "/routing/leads/"+leadID.String()+"/route", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []uuid.UUID{leadID}, f.router.routed)
	var resp transport.OfferResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Nil(t, resp.Offer, "nobody eligible leaves the lead parked")

	f.router.routeErr = engine.ErrLeadNotFound
	rec = f.do(t, http.MethodPost, "/routing/leads/"+leadID.String()+"/route", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	f.router.routeErr = engine.ErrLeadAccepted
	rec = f.do(t, http.MethodPost, "/routing/leads/"+leadID.String()+"/route", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestReassign(t *testing.T) {
	f := newFixture(t)
	leadID := uuid.New()
	target := uuid.New()

	rec := f.do(t, http.MethodPost, "/routing/leads/"+leadID.String()+"/reassign", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, f.router.reassigned[leadID], "empty body lets the rotation pick")

	rec = f.do(t, http.MethodPost, "/routing/leads/"+leadID.String()+"/reassign", map[string]string{"agentId": target.String()})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, f.router.reassigned[leadID])
	assert.Equal(t, target, *f.router.reassigned[leadID])

	rec = f.do(t, http.MethodPost, "/routing/leads/"+leadID.String()+"/reassign", map[string]string{"agentId": uuid.Nil.String()})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	f.router.reassignErr = engine.ErrAgentNotEligible
	rec = f.do(t, http.MethodPost, "/routing/leads/"+leadID.String()+"/reassign", map[string]string{"agentId": target.String()})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	f.router.reassignErr = engine.ErrAgentNotFound
	rec = f.do(t, http.MethodPost, "/routing/leads/"+leadID.String()+"/reassign", map[string]string{"agentId": target.String()})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	f.router.reassignErr = engine.ErrLeadAccepted
	rec = f.do(t, http.MethodPost, "/routing/leads/"+leadID.String()+"/reassign", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestReevaluateAndPresence(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/routing/reevaluate", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"resumed":3}`, rec.Body.String())
	assert.Equal(t, 1, f.router.reevaluated)

	rec = f.do(t, http.MethodGet, "/routing/presence", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp transport.PresenceResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Agents, 1)
	assert.Equal(t, domain.PresenceOnline, resp.Agents[0].Status)
}

func TestCreateAlert(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/alerts", map[string]string{"title": "Queue backlog", "message": "Agents needed on shift"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var resp transport.AlertResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Delivered)
	require.Len(t, f.alerts.sent, 1)
	assert.Equal(t, "info", f.alerts.sent[0].Severity)
	assert.Equal(t, resp.ID, f.alerts.sent[0].ID)

	rec = f.do(t, http.MethodPost, "/alerts", map[string]string{"title": "<b>Heads up</b>", "message": "<script>x</script>Shift change", "severity": "warning"})
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, f.alerts.sent, 2)
	assert.Equal(t, "Heads up", f.alerts.sent[1].Title)
	assert.Equal(t, "xShift change", f.alerts.sent[1].Message)

	rec = f.do(t, http.MethodPost, "/alerts", map[string]string{"title": "<br>", "message": "y"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/alerts", map[string]string{"title": "x", "message": "y", "severity": "panic"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/alerts", map[string]string{"message": "no title"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
