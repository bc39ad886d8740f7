package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/warden/internal/bus"
)

// Metrics holds the warden duration instruments exported through OTel.
type Metrics struct {
	TaskDuration     metric.Float64Histogram
	DecisionWait     metric.Float64Histogram
	ContentCheckTime metric.Float64Histogram
	Violations       metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TaskDuration, err = meter.Float64Histogram("warden.task.duration",
		metric.WithDescription("Task run time in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.DecisionWait, err = meter.Float64Histogram("warden.decision.wait",
		metric.WithDescription("Time a checkpoint spent awaiting a decision in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ContentCheckTime, err = meter.Float64Histogram("warden.safety.duration",
		metric.WithDescription("Content safety check duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.Violations, err = meter.Int64Counter("warden.guardrail.violations",
		metric.WithDescription("Guardrail violations reported to clients"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// Record updates the instruments for one bus event. Unrelated events are
// ignored.
func (m *Metrics) Record(ctx context.Context, ev bus.Event) {
	switch p := ev.Payload.(type) {
	case bus.TaskFinishedEvent:
		m.TaskDuration.Record(ctx, p.Duration.Seconds(),
			metric.WithAttributes(attribute.String("state", p.State)))
	case bus.DecisionResolvedEvent:
		m.DecisionWait.Record(ctx, p.Waited.Seconds(),
			metric.WithAttributes(AttrDecisionKind.String(p.Kind), AttrDecisionReason.String(p.Reason)))
	case bus.GuardrailCheckedEvent:
		if p.Check == "content" {
			m.ContentCheckTime.Record(ctx, p.Elapsed.Seconds(),
				metric.WithAttributes(AttrSafetyOutcome.String(p.Outcome)))
		}
	case bus.GuardrailViolationEvent:
		m.Violations.Add(ctx, 1, metric.WithAttributes(attribute.String("check", p.Check)))
	}
}

// Observe records every event published on b until ctx is done.
func (m *Metrics) Observe(ctx context.Context, b *bus.Bus) {
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
			m.Record(ctx, ev)
		}
	}
}
