// Package metrics exposes warden's Prometheus instruments. Counters are fed
// from the event bus; gauges read live registry sizes at scrape time.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/basket/warden/internal/bus"
)

const Namespace = "warden"

// Sources supply the gauge values. Nil funcs report zero.
type Sources struct {
	PendingDecisions func() int
	ActiveTasks      func() int
	ConnectedClients func() int
	BusDropped       func() int64
}

type Prom struct {
	reg *prometheus.Registry

	tasksStarted       prometheus.Counter
	tasksFinished      *prometheus.CounterVec
	decisionsRequested *prometheus.CounterVec
	decisionsResolved  *prometheus.CounterVec
	decisionsUnmatched *prometheus.CounterVec
	decisionWait       *prometheus.HistogramVec
	guardrailChecks    *prometheus.CounterVec
	violations         *prometheus.CounterVec
	requests           *prometheus.CounterVec
	latency            *prometheus.HistogramVec
}

// NewProm registers all instruments on a private registry, together with
// the Go runtime and process collectors.
func NewProm(src Sources) *Prom {
	p := &Prom{
		reg: prometheus.NewRegistry(),
		tasksStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "tasks_started_total",
			Help:      "Tasks launched",
		}),
		tasksFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "tasks_finished_total",
			Help:      "Tasks finished by terminal state",
		}, []string{"state"}),
		decisionsRequested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "decisions_requested_total",
			Help:      "Approval requests sent by kind",
		}, []string{"kind"}),
		decisionsResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "decisions_resolved_total",
			Help:      "Checkpoints left by kind, decision and reason",
		}, []string{"kind", "decision", "reason"}),
		decisionsUnmatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "decisions_unmatched_total",
			Help:      "Responses that arrived with no pending request",
		}, []string{"kind"}),
		decisionWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "decision_wait_seconds",
			Help:      "Time spent awaiting a decision",
			Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 900},
		}, []string{"kind"}),
		guardrailChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "guardrail_checks_total",
			Help:      "Content checks and purchase rule evaluations by outcome",
		}, []string{"check", "outcome"}),
		violations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "guardrail_violations_total",
			Help:      "Violations reported to clients",
		}, []string{"check"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method/route/status",
		}, []string{"method", "route", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method/route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	p.reg.MustRegister(
		p.tasksStarted, p.tasksFinished,
		p.decisionsRequested, p.decisionsResolved, p.decisionsUnmatched, p.decisionWait,
		p.guardrailChecks, p.violations,
		p.requests, p.latency,
		gaugeFunc("pending_decisions", "Decisions currently awaited", src.PendingDecisions),
		gaugeFunc("active_tasks", "Tasks currently registered", src.ActiveTasks),
		gaugeFunc("connected_clients", "Clients with an open channel", src.ConnectedClients),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "bus_dropped_events_total",
			Help:      "Events dropped because a subscriber was full",
		}, func() float64 {
			if src.BusDropped == nil {
				return 0
			}
			return float64(src.BusDropped())
		}),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return p
}

func gaugeFunc(name, help string, fn func() int) prometheus.GaugeFunc {
	return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      name,
		Help:      help,
	}, func() float64 {
		if fn == nil {
			return 0
		}
		return float64(fn())
	})
}

func (p *Prom) Registry() *prometheus.Registry { return p.reg }

// Handler returns an HTTP handler for /metrics.
func (p *Prom) Handler() http.Handler {
	return promhttp.HandlerFor(p.reg, promhttp.HandlerOpts{Registry: p.reg})
}

func (p *Prom) ObserveRequest(method, route, status string, durationSeconds float64) {
	p.requests.WithLabelValues(method, route, status).Inc()
	p.latency.WithLabelValues(method, route).Observe(durationSeconds)
}

// Record updates counters for one bus event.
func (p *Prom) Record(ev bus.Event) {
	switch e := ev.Payload.(type) {
	case bus.TaskStartedEvent:
		p.tasksStarted.Inc()
	case bus.TaskFinishedEvent:
		p.tasksFinished.WithLabelValues(e.State).Inc()
	case bus.DecisionRequestedEvent:
		p.decisionsRequested.WithLabelValues(e.Kind).Inc()
	case bus.DecisionResolvedEvent:
		p.decisionsResolved.WithLabelValues(e.Kind, e.Decision, e.Reason).Inc()
		p.decisionWait.WithLabelValues(e.Kind).Observe(e.Waited.Seconds())
	case bus.DecisionUnmatchedEvent:
		p.decisionsUnmatched.WithLabelValues(e.Kind).Inc()
	case bus.GuardrailCheckedEvent:
		p.guardrailChecks.WithLabelValues(e.Check, e.Outcome).Inc()
	case bus.GuardrailViolationEvent:
		p.violations.WithLabelValues(e.Check).Inc()
	}
}

// Observe feeds every bus event to Record until ctx is done.
func (p *Prom) Observe(ctx context.Context, b *bus.Bus) {
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			p.Record(ev)
		}
	}
}
