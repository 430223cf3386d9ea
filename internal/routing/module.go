// Package routing provides the lead routing and acceptance bounded context.
// This file wires the engine's collaborators and registers its routes.
package routing

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"lead_routing_backend/internal/events"
	apphttp "lead_routing_backend/internal/http"
	"lead_routing_backend/internal/routing/audit"
	"lead_routing_backend/internal/routing/businesshours"
	"lead_routing_backend/internal/routing/clock"
	"lead_routing_backend/internal/routing/domain"
	"lead_routing_backend/internal/routing/eligibility"
	"lead_routing_backend/internal/routing/engine"
	"lead_routing_backend/internal/routing/handler"
	"lead_routing_backend/internal/routing/metrics"
	"lead_routing_backend/internal/routing/presence"
	"lead_routing_backend/internal/routing/realtime"
	"lead_routing_backend/internal/routing/repository"
	"lead_routing_backend/internal/routing/rotation"
	"lead_routing_backend/platform/config"
	"lead_routing_backend/platform/httpkit"
	"lead_routing_backend/platform/logger"
	"lead_routing_backend/platform/validator"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

// Infra carries optional infrastructure. Nil fields disable the feature.
type Infra struct {
	// RetryQueue receives audit entries whose inline write failed.
	RetryQueue audit.RetryQueue
	// Redis persists the rotation cursor across restarts.
	Redis redis.UniversalClient
	// Clock defaults to the wall clock.
	Clock clock.Clock
}

// Module is the routing bounded context module implementing http.Module.
type Module struct {
	tracker  *presence.Tracker
	selector *rotation.Selector
	writer   *audit.Writer
	engine   *engine.Engine
	hub      *realtime.Hub
	metrics  *metrics.Metrics
	handler  *handler.Handler
	sweep    time.Duration
	log      *logger.Logger
}

// NewModule creates the routing module with all of its dependencies.
func NewModule(pool *pgxpool.Pool, eventBus events.Bus, val *validator.Validator, cfg *config.Config, log *logger.Logger, infra Infra) (*Module, error) {
	gate, err := newGate(cfg)
	if err != nil {
		return nil, err
	}

	clk := infra.Clock
	if clk == nil {
		clk = clock.Real{}
	}

	repo := repository.New(pool)
	tracker := presence.New(clk, cfg.GetHeartbeatGrace(), cfg.GetOfflineAfter())
	resolver := eligibility.New(repo, tracker, eligibility.Options{
		FieldAgentRole: cfg.GetFieldAgentRole(),
		RequireOnline:  cfg.GetRequireOnline(),
	})

	var cursors rotation.CursorStore
	if infra.Redis != nil {
		cursors = rotation.NewRedisCursorStore(infra.Redis)
	}
	selector := rotation.NewSelector(cfg.GetRotationPool(), resolver, cursors, log)

	writer := audit.NewWriter(audit.NewPostgresStore(pool), infra.RetryQueue, log, audit.WriterOptions{
		OnFailure: func(entry domain.ReassignmentLogEntry, queued bool) {
			eventBus.Publish(context.Background(), events.AuditWriteFailed{
				BaseEvent: events.NewBaseEvent(),
				LeadID:    entry.LeadID,
				EntryID:   entry.ID,
				Queued:    queued,
			})
		},
	})

	hub := realtime.NewHub(tracker, log, realtime.Options{
		SupervisorRoles: cfg.GetSupervisorRoles(),
		OriginPatterns:  originHosts(cfg.GetCORSOrigins()),
		AllowAnyOrigin:  cfg.GetCORSAllowAll(),
	})

	eng := engine.New(engine.Deps{
		Leads:    repo,
		Selector: selector,
		Eligible: resolver,
		Agents:   repo,
		Audit:    writer,
		Notifier: hub,
		Bus:      eventBus,
		Log:      log,
	}, engine.Options{
		OfferTimeout:  cfg.GetOfferTimeout(),
		MaxWraps:      cfg.GetMaxWraps(),
		DeliveryRetry: cfg.GetDeliveryRetry(),
		Clock:         clk,
		Gate:          gate,
	})
	hub.SetDecider(eng)

	// Presence drives escalation: offline agents lose their offers, returning
	// agents wake parked leads.
	tracker.Subscribe(eng.OnPresenceChange)
	tracker.Subscribe(func(ctx context.Context, change presence.Change) {
		eventBus.Publish(ctx, events.AgentPresenceChanged{
			BaseEvent: events.NewBaseEventAt(change.At),
			AgentID:   change.AgentID,
			From:      string(change.From),
			To:        string(change.To),
		})
	})

	// Subscribe to LeadCreated events so new leads enter the rotation
	eventBus.Subscribe(events.LeadCreated{}.EventName(), events.HandlerFunc(func(ctx context.Context, event events.Event) error {
		e, ok := event.(events.LeadCreated)
		if !ok {
			return nil
		}
		if err := eng.Route(ctx, e.LeadID); err != nil {
			return fmt.Errorf("route lead %s: %w", e.LeadID, err)
		}
		return nil
	}))

	m := metrics.New()
	m.RegisterHandlers(eventBus)
	m.RegisterGauges(eng.PendingCount, hub.ConnectedAgents)

	return &Module{
		tracker:  tracker,
		selector: selector,
		writer:   writer,
		engine:   eng,
		hub:      hub,
		metrics:  m,
		handler:  handler.New(eng, selector, writer, tracker, hub, val),
		sweep:    cfg.GetSweepInterval(),
		log:      log,
	}, nil
}

// Name returns the module identifier.
func (m *Module) Name() string {
	return "routing"
}

// Engine returns the routing engine for external use.
func (m *Module) Engine() *engine.Engine {
	return m.engine
}

// Start restores the rotation cursor and rebuilds pending offers from the
// reassignment log. Call it once before serving traffic.
func (m *Module) Start(ctx context.Context) error {
	if err := m.selector.Restore(ctx); err != nil {
		m.log.Warn("rotation cursor restore failed; starting at zero", "error", err)
	}

	recovered, err := m.engine.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover routing state: %w", err)
	}
	m.log.Info("routing state recovered", "leads", recovered)
	return nil
}

// Run drives the periodic loops until ctx is done: the presence sweep, the
// parked-lead re-evaluation and the audit backlog flush.
func (m *Module) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		m.tracker.Run(ctx, m.sweep)
		return nil
	})
	g.Go(func() error {
		m.engine.Run(ctx, m.sweep)
		return nil
	})
	g.Go(func() error {
		m.writer.Run(ctx, m.sweep)
		return nil
	})
	return g.Wait()
}

// Close drops websocket connections and makes a last attempt at the audit
// backlog. The engine is frozen first so the disconnects it causes are not
// mistaken for agents leaving.
func (m *Module) Close(ctx context.Context) {
	m.engine.Shutdown()
	m.hub.Close()
	if n := m.writer.Flush(ctx); n > 0 {
		m.log.Info("flushed audit backlog on shutdown", "entries", n)
	}
	if pending := m.writer.Pending(); pending > 0 {
		m.log.Warn("audit entries lost on shutdown", "entries", pending)
	}
}

// RegisterRoutes mounts routing routes on the provided router context.
func (m *Module) RegisterRoutes(ctx *apphttp.RouterContext) {
	// Agents and supervisors share the websocket; the role decides what they receive
	ctx.Protected.GET("/ws", m.hub.Handler())

	guards := []gin.HandlerFunc{httpkit.RequireRole(ctx.SupervisorRoles...)}
	if ctx.OpsRateLimiter != nil {
		guards = append(guards, ctx.OpsRateLimiter.RateLimit())
	}
	m.handler.RegisterRoutes(ctx.Protected.Group("/routing", guards...))
	m.handler.RegisterAlertRoutes(ctx.Protected.Group("/alerts", guards...))

	ctx.Engine.GET("/metrics", gin.WrapH(m.metrics.Handler()))
}

func newGate(cfg config.RoutingConfig) (*businesshours.Gate, error) {
	loc, err := time.LoadLocation(cfg.GetBusinessTimezone())
	if err != nil {
		return nil, fmt.Errorf("business timezone: %w", err)
	}
	days, err := businesshours.ParseDays(cfg.GetBusinessDays())
	if err != nil {
		return nil, err
	}
	return businesshours.New(businesshours.Config{
		Location: loc,
		Open:     cfg.GetBusinessOpen(),
		Close:    cfg.GetBusinessClose(),
		Days:     days,
	})
}

// originHosts turns CORS origins into the host patterns the websocket
// handshake matches against.
func originHosts(origins []string) []string {
	hosts := make([]string, 0, len(origins))
	for _, origin := range origins {
		if u, err := url.Parse(origin); err == nil && u.Host != "" {
			hosts = append(hosts, u.Host)
			continue
		}
		if trimmed := strings.TrimSpace(origin); trimmed != "" && trimmed != "*" {
			hosts = append(hosts, trimmed)
		}
	}
	return hosts
}

// Compile-time check that Module implements http.Module
var _ apphttp.Module = (*Module)(nil)
