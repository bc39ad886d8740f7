// Package audit appends decision and guardrail outcomes to
// <home>/logs/audit.jsonl.
package audit

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/warden/internal/bus"
	"github.com/basket/warden/internal/shared"
)

// Entry is one line of the audit trail.
type Entry struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	ClientID  string `json:"client_id"`
	Kind      string `json:"kind,omitempty"`
	Outcome   string `json:"outcome"`
	Reason    string `json:"reason,omitempty"`
}

type Log struct {
	mu        sync.Mutex
	w         io.WriteCloser
	now       func() time.Time
	denyCount atomic.Int64
}

// Open creates or appends to the audit file under homeDir.
func Open(homeDir string) (*Log, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &Log{w: f, now: time.Now}, nil
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.w == nil {
		return nil
	}
	err := l.w.Close()
	l.w = nil
	return err
}

// DenyCount returns the number of denied decisions and refused checks
// recorded since the log was opened.
func (l *Log) DenyCount() int64 {
	return l.denyCount.Load()
}

// Record appends e, stamping it and redacting free-text fields.
func (l *Log) Record(e Entry) {
	switch e.Outcome {
	case "denied", "refused", "unsafe":
		l.denyCount.Add(1)
	}
	e.Reason = shared.Redact(e.Reason)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.w == nil {
		return
	}
	e.Timestamp = l.now().UTC().Format(time.RFC3339Nano)
	b, err := json.Marshal(e)
	if err == nil {
		_, _ = l.w.Write(append(b, '\n'))
	}
}

// entryFor maps a bus event to an audit entry. Events outside the audit
// trail return false.
func entryFor(ev bus.Event) (Entry, bool) {
	switch p := ev.Payload.(type) {
	case bus.DecisionResolvedEvent:
		return Entry{Event: ev.Topic, ClientID: p.ClientID, Kind: p.Kind, Outcome: p.Decision, Reason: p.Reason}, true
	case bus.DecisionUnmatchedEvent:
		return Entry{Event: ev.Topic, ClientID: p.ClientID, Kind: p.Kind, Outcome: p.Decision, Reason: "no pending request"}, true
	case bus.GuardrailCheckedEvent:
		return Entry{Event: ev.Topic, ClientID: p.ClientID, Kind: p.Check, Outcome: p.Outcome, Reason: p.Detail}, true
	case bus.GuardrailViolationEvent:
		return Entry{Event: ev.Topic, ClientID: p.ClientID, Kind: p.Check, Outcome: "violation", Reason: p.Message}, true
	}
	return Entry{}, false
}

// Observe records decision and guardrail events from b until ctx is done.
func (l *Log) Observe(ctx context.Context, b *bus.Bus) {
	decisions := b.Subscribe("decision.")
	guardrails := b.Subscribe("guardrail.")
	defer b.Unsubscribe(decisions)
	defer b.Unsubscribe(guardrails)
	for {
		var ev bus.Event
		var ok bool
		select {
		case <-ctx.Done():
			return
		case ev, ok = <-decisions.Ch():
		case ev, ok = <-guardrails.Ch():
		}
		if !ok {
			return
		}
		if e, keep := entryFor(ev); keep {
			l.Record(e)
		}
	}
}
