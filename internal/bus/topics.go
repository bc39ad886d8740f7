package bus

import "time"

// Task lifecycle topics.
const (
	TopicTaskStarted  = "task.started"
	TopicTaskFinished = "task.finished"
)

// Decision topics.
const (
	TopicDecisionRequested = "decision.requested"
	TopicDecisionResolved  = "decision.resolved"
	// TopicDecisionUnmatched fires when a response arrives with no wait to wake.
	TopicDecisionUnmatched = "decision.unmatched"
)

// Guardrail topics cover both the remote content check and the purchase rules.
const (
	TopicGuardrailChecked   = "guardrail.checked"
	TopicGuardrailViolation = "guardrail.violation"
)

// Client channel topics.
const (
	TopicClientConnected    = "client.connected"
	TopicClientDisconnected = "client.disconnected"
)

type TaskStartedEvent struct {
	ClientID  string
	StartedAt time.Time
}

type TaskFinishedEvent struct {
	ClientID string
	State    string // completed, cancelled or failed
	Result   string
	Err      string
	Duration time.Duration
}

type DecisionRequestedEvent struct {
	ClientID string
	Kind     string
}

type DecisionResolvedEvent struct {
	ClientID string
	Kind     string
	Decision string
	Reason   string // "signal", "expired" or "cancelled"
	Waited   time.Duration
}

type DecisionUnmatchedEvent struct {
	ClientID string
	Kind     string
	Decision string
}

// GuardrailCheckedEvent reports a content check or purchase rule evaluation.
type GuardrailCheckedEvent struct {
	ClientID string
	Check    string // "content" or "purchase"
	Outcome  string
	Detail   string
	Elapsed  time.Duration
}

type GuardrailViolationEvent struct {
	ClientID string
	Check    string
	Message  string
}

type ClientEvent struct {
	ClientID string
}
