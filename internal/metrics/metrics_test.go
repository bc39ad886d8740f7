package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"

	"github.com/basket/warden/internal/bus"
)

func TestRecordCountsEvents(t *testing.T) {
	p := NewProm(Sources{})
	p.Record(bus.Event{Topic: bus.TopicTaskStarted, Payload: bus.TaskStartedEvent{ClientID: "c1"}})
	p.Record(bus.Event{Topic: bus.TopicTaskFinished, Payload: bus.TaskFinishedEvent{ClientID: "c1", State: "cancelled"}})
	p.Record(bus.Event{Topic: bus.TopicDecisionRequested, Payload: bus.DecisionRequestedEvent{ClientID: "c1", Kind: "plan"}})
	p.Record(bus.Event{Topic: bus.TopicDecisionResolved, Payload: bus.DecisionResolvedEvent{ClientID: "c1", Kind: "plan", Decision: "approved", Reason: "signal", Waited: time.Second}})
	p.Record(bus.Event{Topic: bus.TopicDecisionUnmatched, Payload: bus.DecisionUnmatchedEvent{ClientID: "c1", Kind: "payment"}})
	p.Record(bus.Event{Topic: bus.TopicGuardrailChecked, Payload: bus.GuardrailCheckedEvent{ClientID: "c1", Check: "content", Outcome: "unsafe"}})
	p.Record(bus.Event{Topic: bus.TopicGuardrailViolation, Payload: bus.GuardrailViolationEvent{ClientID: "c1", Check: "content"}})

	families, err := p.Registry().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	checks := []struct {
		name   string
		labels map[string]string
	}{
		{"warden_tasks_started_total", nil},
		{"warden_tasks_finished_total", map[string]string{"state": "cancelled"}},
		{"warden_decisions_requested_total", map[string]string{"kind": "plan"}},
		{"warden_decisions_resolved_total", map[string]string{"kind": "plan", "decision": "approved", "reason": "signal"}},
		{"warden_decisions_unmatched_total", map[string]string{"kind": "payment"}},
		{"warden_decision_wait_seconds", map[string]string{"kind": "plan"}},
		{"warden_guardrail_checks_total", map[string]string{"check": "content", "outcome": "unsafe"}},
		{"warden_guardrail_violations_total", map[string]string{"check": "content"}},
	}
	for _, c := range checks {
		if !hasMetric(families, c.name, c.labels) {
			t.Errorf("expected %s %v", c.name, c.labels)
		}
	}
}

func TestGaugesReadSources(t *testing.T) {
	pending := 3
	p := NewProm(Sources{
		PendingDecisions: func() int { return pending },
		ActiveTasks:      func() int { return 2 },
		BusDropped:       func() int64 { return 7 },
	})

	if got := value(t, p, "warden_pending_decisions"); got != 3 {
		t.Fatalf("pending = %v", got)
	}
	pending = 1
	if got := value(t, p, "warden_pending_decisions"); got != 1 {
		t.Fatalf("gauge must be read at scrape time, got %v", got)
	}
	if got := value(t, p, "warden_active_tasks"); got != 2 {
		t.Fatalf("active = %v", got)
	}
	if got := value(t, p, "warden_connected_clients"); got != 0 {
		t.Fatalf("nil source must report zero, got %v", got)
	}
	if got := value(t, p, "warden_bus_dropped_events_total"); got != 7 {
		t.Fatalf("dropped = %v", got)
	}
}

func TestHandler(t *testing.T) {
	p := NewProm(Sources{})
	p.ObserveRequest(http.MethodPost, "/api/v1/shop", "200", 0.01)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{"warden_http_requests_total", "warden_pending_decisions", "go_goroutines"} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestObserveFromBus(t *testing.T) {
	p := NewProm(Sources{})
	b := bus.New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Observe(ctx, b)
		close(done)
	}()
	deadline := time.Now().Add(2 * time.Second)
	for b.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("observer never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	b.Publish(bus.TopicTaskStarted, bus.TaskStartedEvent{ClientID: "c1"})
	deadline = time.Now().Add(2 * time.Second)
	for value(t, p, "warden_tasks_started_total") != 1 {
		if time.Now().After(deadline) {
			t.Fatal("event never counted")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
}

func value(t *testing.T, p *Prom, name string) float64 {
	t.Helper()
	families, err := p.Registry().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		m := fam.GetMetric()[0]
		switch {
		case m.GetGauge() != nil:
			return m.GetGauge().GetValue()
		case m.GetCounter() != nil:
			return m.GetCounter().GetValue()
		}
	}
	return -1
}

func hasMetric(families []*dto.MetricFamily, name string, labels map[string]string) bool {
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			if matchLabels(metric.GetLabel(), labels) {
				return true
			}
		}
	}
	return false
}

func matchLabels(pairs []*dto.LabelPair, labels map[string]string) bool {
	if len(labels) == 0 {
		return true
	}
	found := 0
	for _, pair := range pairs {
		if val, ok := labels[pair.GetName()]; ok && pair.GetValue() == val {
			found++
		}
	}
	return found == len(labels)
}
