// Package checkpoint suspends a running task until a human decides, and runs
// the content checks that may cancel it.
//
// A checkpoint moves through Init, AwaitingDecision and then either Resumed
// (a decision arrived, or the bounded wait expired as denied) or Orphaned
// (the task was cancelled while waiting). The pending entry is removed on
// every path out of AwaitingDecision.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/warden/internal/bus"
	"github.com/basket/warden/internal/decision"
	"github.com/basket/warden/internal/dispatch"
	wotel "github.com/basket/warden/internal/otel"
	"github.com/basket/warden/internal/safety"
	"github.com/basket/warden/internal/shared"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// ErrUnsafe is returned by CheckContent after the task has been cancelled for
// flagged content.
var ErrUnsafe = fmt.Errorf("checkpoint: %w", safety.ErrUnsafe)

// ViolationMessage is pushed to the client when flagged content stops a task.
const ViolationMessage = "Potential prompt injection detected in visited content. The task has been stopped."

type Phase string

const (
	PhaseInit             Phase = "init"
	PhaseAwaitingDecision Phase = "awaiting_decision"
	PhaseResumed          Phase = "resumed"
	PhaseOrphaned         Phase = "orphaned"
)

// Notifier delivers messages to a client's channel.
type Notifier interface {
	Send(ctx context.Context, clientID string, msg dispatch.Message) error
}

type ContentChecker interface {
	Check(ctx context.Context, text string) safety.Result
}

// Canceller cancels the task a client owns.
type Canceller interface {
	Cancel(clientID string) bool
}

type Deps struct {
	Decisions *decision.Registry
	Tasks     Canceller
	Notifier  Notifier
	// Checker may be nil, in which case content checks are skipped.
	Checker    ContentChecker
	Guardrails *safety.LiveGuardrails
	Bus        *bus.Bus
	Tracer     trace.Tracer
	Logger     *slog.Logger
	// DecisionTimeout bounds each wait; zero waits until cancelled.
	DecisionTimeout time.Duration
}

type Coordinator struct {
	decisions *decision.Registry
	tasks     Canceller
	notifier  Notifier
	checker   ContentChecker
	guard     *safety.LiveGuardrails
	bus       *bus.Bus
	tracer    trace.Tracer
	logger    *slog.Logger
	timeout   time.Duration
}

func New(d Deps) *Coordinator {
	c := &Coordinator{
		decisions: d.Decisions,
		tasks:     d.Tasks,
		notifier:  d.Notifier,
		checker:   d.Checker,
		guard:     d.Guardrails,
		bus:       d.Bus,
		tracer:    d.Tracer,
		logger:    d.Logger,
		timeout:   d.DecisionTimeout,
	}
	if c.decisions == nil {
		c.decisions = decision.New()
	}
	if c.guard == nil {
		c.guard = safety.NewLiveGuardrails(safety.DefaultGuardrails())
	}
	if c.tracer == nil {
		c.tracer = noop.NewTracerProvider().Tracer("warden/checkpoint")
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// Payment describes the purchase a task asks the human to confirm.
type Payment struct {
	Amount      float64
	Currency    string
	Item        string
	Link        string
	Site1       string
	Site1Domain string
	Site2       string
	Site2Domain string
}

func (p Payment) ApprovalLabel() string {
	return fmt.Sprintf("Approve purchase of %s for %.2f %s", p.Item, p.Amount, p.Currency)
}

// RequestPlanApproval pushes plan to the client and blocks until the human
// decides or ctx is cancelled.
func (c *Coordinator) RequestPlanApproval(ctx context.Context, clientID, plan string) (decision.Decision, error) {
	return c.await(ctx, clientID, decision.KindPlan, dispatch.PlanRequestMessage(plan), "checkpoint.plan")
}

// RequestPaymentApproval pushes p to the client and blocks until the human
// decides or ctx is cancelled.
func (c *Coordinator) RequestPaymentApproval(ctx context.Context, clientID string, p Payment) (decision.Decision, error) {
	msg := dispatch.PaymentRequestMessage(dispatch.PaymentRequest{
		Amount:           p.Amount,
		Currency:         p.Currency,
		Item:             p.Item,
		Link:             p.Link,
		Site1:            p.Site1,
		Site1Domain:      p.Site1Domain,
		Site2:            p.Site2,
		Site2Domain:      p.Site2Domain,
		ApprovalRequired: true,
		ApprovalLabel:    p.ApprovalLabel(),
	})
	return c.await(ctx, clientID, decision.KindPayment, msg, "checkpoint.payment")
}

func (c *Coordinator) await(ctx context.Context, clientID string, kind decision.Kind, msg dispatch.Message, spanName string) (decision.Decision, error) {
	ctx, span := wotel.StartSpan(ctx, c.tracer, spanName,
		wotel.AttrClientID.String(clientID),
		wotel.AttrDecisionKind.String(string(kind)),
	)
	defer span.End()
	log := c.logger.With("client_id", clientID, "kind", kind, "trace_id", shared.TraceID(ctx))

	// Cancellation is observed before suspending.
	if err := ctx.Err(); err != nil {
		log.Info("checkpoint skipped, task already cancelled", "phase", PhaseInit)
		return decision.Denied, err
	}

	w, err := c.decisions.CreateWait(clientID, kind)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return decision.Denied, err
	}
	defer c.decisions.Remove(w)
	started := time.Now()

	c.bus.Publish(bus.TopicDecisionRequested, bus.DecisionRequestedEvent{ClientID: clientID, Kind: string(kind)})
	log.Info("awaiting decision", "phase", PhaseAwaitingDecision)

	if err := c.notifier.Send(ctx, clientID, msg); err != nil {
		// The client may still answer over a channel it opens later.
		log.Warn("decision request not delivered", "error", err)
	}

	d, err := c.decisions.ConsumeTimeout(ctx, clientID, c.timeout)
	reason := "signal"
	phase := PhaseResumed
	switch {
	case errors.Is(err, decision.ErrExpired):
		reason = "expired"
		d, err = decision.Denied, nil
	case err != nil:
		reason = "cancelled"
		phase = PhaseOrphaned
	}

	c.bus.Publish(bus.TopicDecisionResolved, bus.DecisionResolvedEvent{
		ClientID: clientID,
		Kind:     string(kind),
		Decision: string(d),
		Reason:   reason,
		Waited:   time.Since(started),
	})
	span.SetAttributes(wotel.AttrDecision.String(string(d)), wotel.AttrDecisionReason.String(reason))
	log.Info("checkpoint finished", "phase", phase, "decision", d, "reason", reason)
	return d, err
}

// CheckContent runs text through the content checker. Flagged content is
// reported to the client, the client's task is cancelled, and ErrUnsafe is
// returned. All other outcomes let the task continue.
func (c *Coordinator) CheckContent(ctx context.Context, clientID, text string) (safety.Result, error) {
	if c.checker == nil {
		return safety.Result{Outcome: safety.OutcomeSkipped}, nil
	}
	started := time.Now()
	res := c.checker.Check(ctx, text)
	c.bus.Publish(bus.TopicGuardrailChecked, bus.GuardrailCheckedEvent{
		ClientID: clientID,
		Check:    "content",
		Outcome:  string(res.Outcome),
		Detail:   res.String(),
		Elapsed:  time.Since(started),
	})

	if res.Unsafe() {
		_ = c.Violation(ctx, clientID, "content", ViolationMessage)
		if c.tasks != nil {
			c.tasks.Cancel(clientID)
		}
		return res, fmt.Errorf("%w: %s", ErrUnsafe, res)
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}
	return res, nil
}

// CheckPurchase applies the purchase guardrails. A refused purchase is
// reported to the client as a violation.
func (c *Coordinator) CheckPurchase(ctx context.Context, clientID string, p safety.Purchase) safety.Verdict {
	v := c.guard.Evaluate(p)
	outcome := "allowed"
	if !v.Allowed {
		outcome = "refused"
	}
	c.bus.Publish(bus.TopicGuardrailChecked, bus.GuardrailCheckedEvent{
		ClientID: clientID,
		Check:    "purchase",
		Outcome:  outcome,
		Detail:   v.Reason,
	})
	if !v.Allowed {
		_ = c.Violation(ctx, clientID, "purchase", "Guardrail check failed: "+v.Reason)
		return v
	}
	c.logger.Info("guardrail check passed", "client_id", clientID, "amount", p.Amount, "site", p.Site, "reason", v.Reason)
	return v
}

// Violation tells the client a guardrail stopped its task.
func (c *Coordinator) Violation(ctx context.Context, clientID, check, message string) error {
	c.bus.Publish(bus.TopicGuardrailViolation, bus.GuardrailViolationEvent{ClientID: clientID, Check: check, Message: message})
	c.logger.Warn("guardrail violation", "client_id", clientID, "check", check, "message", message)
	return c.send(ctx, clientID, dispatch.GuardrailViolationMessage(message))
}

// Status pushes an informational message to the client.
func (c *Coordinator) Status(ctx context.Context, clientID, message string) error {
	return c.send(ctx, clientID, dispatch.StatusMessage(message))
}

func (c *Coordinator) send(ctx context.Context, clientID string, msg dispatch.Message) error {
	// Notices still go out while a cancelled task unwinds.
	ctx = context.WithoutCancel(ctx)
	if err := c.notifier.Send(ctx, clientID, msg); err != nil {
		c.logger.Debug("notice not delivered", "client_id", clientID, "type", msg.Type, "error", err)
		return err
	}
	return nil
}
