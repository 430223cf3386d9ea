// Package metrics provides Prometheus observability metrics for lead routing.
// Counters are fed from the event bus so the engine never imports this package.
package metrics

import (
	"context"
	"net/http"
	"strconv"

	"lead_routing_backend/internal/events"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "routing"

type Metrics struct {
	Registry *prometheus.Registry
	factory  promauto.Factory

	// Transitions counts reassignment log entries by reason.
	Transitions *prometheus.CounterVec
	// Accepted counts leads that reached the terminal accepted state.
	Accepted prometheus.Counter
	// Stalled counts leads parked without a candidate.
	Stalled *prometheus.CounterVec
	// DecisionsIgnored counts stale or unauthorized accept/reject messages.
	DecisionsIgnored *prometheus.CounterVec
	// AuditWriteFailures counts first-attempt audit write failures.
	AuditWriteFailures *prometheus.CounterVec
}

// New creates the metric set on its own registry, with Go runtime collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		factory:  factory,
		Transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Reassignment log entries written, by reason",
		}, []string{"reason"}),
		Accepted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "accepted_total",
			Help:      "Leads accepted by an agent",
		}),
		Stalled: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stalled_total",
			Help:      "Leads parked without an eligible or reachable candidate",
		}, []string{"exhausted"}),
		DecisionsIgnored: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_ignored_total",
			Help:      "Accept or reject messages that did not change routing state",
		}, []string{"kind"}),
		AuditWriteFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_write_failures_total",
			Help:      "Reassignment entries whose first write failed",
		}, []string{"queued"}),
	}
}

// RegisterGauges exposes live engine and hub sizes.
func (m *Metrics) RegisterGauges(pendingOffers, connectedAgents func() int) {
	m.factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pending_offers",
		Help:      "Offers currently awaiting a decision",
	}, func() float64 { return float64(pendingOffers()) })
	m.factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connected_agents",
		Help:      "Agents holding at least one realtime connection",
	}, func() float64 { return float64(connectedAgents()) })
}

// RegisterHandlers subscribes the counters to routing events.
func (m *Metrics) RegisterHandlers(bus events.Bus) {
	bus.Subscribe(events.LeadRoutingChanged{}.EventName(), events.HandlerFunc(func(_ context.Context, ev events.Event) error {
		if e, ok := ev.(events.LeadRoutingChanged); ok {
			m.Transitions.WithLabelValues(e.Reason).Inc()
		}
		return nil
	}))
	bus.Subscribe(events.LeadAccepted{}.EventName(), events.HandlerFunc(func(context.Context, events.Event) error {
		m.Accepted.Inc()
		return nil
	}))
	bus.Subscribe(events.LeadStalled{}.EventName(), events.HandlerFunc(func(_ context.Context, ev events.Event) error {
		if e, ok := ev.(events.LeadStalled); ok {
			m.Stalled.WithLabelValues(strconv.FormatBool(e.Exhausted)).Inc()
		}
		return nil
	}))
	bus.Subscribe(events.OfferDecisionIgnored{}.EventName(), events.HandlerFunc(func(_ context.Context, ev events.Event) error {
		if e, ok := ev.(events.OfferDecisionIgnored); ok {
			m.DecisionsIgnored.WithLabelValues(e.Kind).Inc()
		}
		return nil
	}))
	bus.Subscribe(events.AuditWriteFailed{}.EventName(), events.HandlerFunc(func(_ context.Context, ev events.Event) error {
		if e, ok := ev.(events.AuditWriteFailed); ok {
			m.AuditWriteFailures.WithLabelValues(strconv.FormatBool(e.Queued)).Inc()
		}
		return nil
	}))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
