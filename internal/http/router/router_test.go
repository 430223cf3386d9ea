package router

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	apphttp "lead_routing_backend/internal/http"
	"lead_routing_backend/platform/httpkit"
	"lead_routing_backend/platform/logger"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

type testConfig struct{}

func (testConfig) GetHTTPAddr() string          { return ":0" }
func (testConfig) GetCORSAllowAll() bool        { return false }
func (testConfig) GetCORSOrigins() []string     { return []string{"http://localhost:4200"} }
func (testConfig) GetCORSAllowCreds() bool      { return true }
func (testConfig) GetJWTAccessSecret() string   { return testSecret }
func (testConfig) GetSupervisorRoles() []string { return []string{"supervisor"} }

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

type opsModule struct{}

func (opsModule) Name() string { return "ops" }

func (opsModule) RegisterRoutes(ctx *apphttp.RouterContext) {
	ctx.Protected.GET("/whoami", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"id": httpkit.GetIdentity(c).UserID()})
	})
	ctx.Protected.GET("/context", func(c *gin.Context) {
		reqCtx := c.Request.Context()
		requestID, _ := reqCtx.Value(logger.RequestIDKey).(string)
		userID, _ := reqCtx.Value(logger.UserIDKey).(string)
		c.JSON(http.StatusOK, gin.H{"requestId": requestID, "userId": userID})
	})
	ctx.Protected.GET("/ops", httpkit.RequireRole(ctx.SupervisorRoles...), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})
}

func token(t *testing.T, role string) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  uuid.NewString(),
		"role": role,
		"type": "access",
		"exp":  time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func newEngine(health apphttp.HealthChecker) *gin.Engine {
	gin.SetMode(gin.TestMode)
	return New(&apphttp.App{
		Config:  testConfig{},
		Logger:  logger.Discard(),
		Health:  health,
		Modules: []apphttp.Module{opsModule{}},
	})
}

func serve(engine *gin.Engine, path, bearer string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	return rec
}

func TestHealthAndReadiness(t *testing.T) {
	healthy := newEngine(pingFunc(func(context.Context) error { return nil }))
	assert.Equal(t, http.StatusOK, serve(healthy, "/api/health", "").Code)
	assert.Equal(t, http.StatusOK, serve(healthy, "/api/ready", "").Code)

	down := newEngine(pingFunc(func(context.Context) error { return errors.New("db down") }))
	assert.Equal(t, http.StatusOK, serve(down, "/api/health", "").Code)
	assert.Equal(t, http.StatusServiceUnavailable, serve(down, "/api/ready", "").Code)
}

func TestProtectedRoutes(t *testing.T) {
	engine := newEngine(nil)

	assert.Equal(t, http.StatusUnauthorized, serve(engine, "/api/v1/whoami", "").Code)
	assert.Equal(t, http.StatusUnauthorized, serve(engine, "/api/v1/whoami", "garbage").Code)
	assert.Equal(t, http.StatusOK, serve(engine, "/api/v1/whoami", token(t, "vendor")).Code)

	assert.Equal(t, http.StatusForbidden, serve(engine, "/api/v1/ops", token(t, "vendor")).Code)
	assert.Equal(t, http.StatusNoContent, serve(engine, "/api/v1/ops", token(t, "supervisor")).Code)
}

func TestRequestContextCarriesLogFields(t *testing.T) {
	engine := newEngine(nil)
	rec := serve(engine, "/api/v1/context", token(t, "vendor"))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		RequestID string `json:"requestId"`
		UserID    string `json:"userId"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.NotEmpty(t, body.RequestID)
	assert.Equal(t, rec.Header().Get(httpkit.HeaderRequestID), body.RequestID)
	_, err := uuid.Parse(body.UserID)
	assert.NoError(t, err)
}

func TestTokenAcceptedFromQuery(t *testing.T) {
	engine := newEngine(nil)
	assert.Equal(t, http.StatusOK, serve(engine, "/api/v1/whoami?token="+token(t, "vendor"), "").Code)
}
