// Package decision holds the per-client rendezvous between a suspended task
// and the human decision that resumes it.
package decision

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

var (
	// ErrAlreadyPending is returned by CreateWait when the client already has
	// an outstanding decision.
	ErrAlreadyPending = errors.New("decision already pending")
	// ErrExpired is returned by ConsumeTimeout when the wait outlived its
	// bound. The accompanying decision is always Denied.
	ErrExpired = errors.New("decision wait expired")
)

// Kind says which checkpoint a wait belongs to.
type Kind string

const (
	KindPlan    Kind = "plan"
	KindPayment Kind = "payment"
)

// Decision is the human verdict delivered to a waiting task.
type Decision string

const (
	Approved Decision = "approved"
	Denied   Decision = "denied"
)

// Parse maps wire values onto a Decision. Anything unrecognised is rejected.
func Parse(raw string) (Decision, bool) {
	switch Decision(strings.ToLower(strings.TrimSpace(raw))) {
	case Approved:
		return Approved, true
	case Denied:
		return Denied, true
	default:
		return "", false
	}
}

// Wait is a single outstanding decision. It fires at most once.
type Wait struct {
	ClientID  string
	Kind      Kind
	CreatedAt time.Time

	once    sync.Once
	done    chan struct{}
	outcome Decision
}

// Done is closed once the wait has been signalled, discarded or expired.
func (w *Wait) Done() <-chan struct{} { return w.done }

// Outcome returns the delivered decision, or "" while still pending.
func (w *Wait) Outcome() Decision {
	select {
	case <-w.done:
		return w.outcome
	default:
		return ""
	}
}

func (w *Wait) fire(d Decision) bool {
	fired := false
	w.once.Do(func() {
		w.outcome = d
		close(w.done)
		fired = true
	})
	return fired
}

// Pending is a read-only view of an outstanding wait.
type Pending struct {
	ClientID  string    `json:"client_id"`
	Kind      Kind      `json:"kind"`
	CreatedAt time.Time `json:"created_at"`
}

// Registry maps client IDs to at most one outstanding wait each.
type Registry struct {
	mu      sync.Mutex
	pending map[string]*Wait
	now     func() time.Time
}

func New() *Registry {
	return &Registry{
		pending: make(map[string]*Wait),
		now:     time.Now,
	}
}

// CreateWait installs a fresh wait for clientID. A second wait for the same
// client fails fast with ErrAlreadyPending; the existing wait is untouched.
func (r *Registry) CreateWait(clientID string, kind Kind) (*Wait, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.pending[clientID]; ok {
		return nil, fmt.Errorf("%w: client %q awaiting %s", ErrAlreadyPending, clientID, existing.Kind)
	}
	w := &Wait{
		ClientID:  clientID,
		Kind:      kind,
		CreatedAt: r.now(),
		done:      make(chan struct{}),
	}
	r.pending[clientID] = w
	return w, nil
}

// Signal delivers d to the client's pending wait of the given kind. It
// reports whether a wait was woken, and true means the consumer receives d.
// Signals with no matching wait are dropped, never buffered.
func (r *Registry) Signal(clientID string, kind Kind, d Decision) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.pending[clientID]
	if !ok || w.Kind != kind {
		return false
	}
	return w.fire(d)
}

// Consume blocks until the client's wait fires or ctx ends, then removes the
// entry. A missing entry yields Denied immediately. On cancellation the entry
// is removed and Denied is returned with ctx's error, unless a decision had
// already fired, in which case that decision is returned.
func (r *Registry) Consume(ctx context.Context, clientID string) (Decision, error) {
	r.mu.Lock()
	w, ok := r.pending[clientID]
	r.mu.Unlock()
	if !ok {
		return Denied, nil
	}

	select {
	case <-w.done:
		r.Remove(w)
		if w.outcome == "" {
			return Denied, nil
		}
		return w.outcome, nil
	case <-ctx.Done():
		r.mu.Lock()
		if cur, ok := r.pending[clientID]; ok && cur == w {
			delete(r.pending, clientID)
		}
		won := w.fire(Denied)
		r.mu.Unlock()
		if !won {
			// A signal landed before the entry was withdrawn.
			return w.outcome, nil
		}
		return Denied, ctx.Err()
	}
}

// ConsumeTimeout is Consume with an upper bound. An expired wait resolves to
// Denied with ErrExpired; cancellation of ctx itself is reported as ctx's error.
func (r *Registry) ConsumeTimeout(ctx context.Context, clientID string, d time.Duration) (Decision, error) {
	if d <= 0 {
		return r.Consume(ctx, clientID)
	}
	bounded, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	dec, err := r.Consume(bounded, clientID)
	if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		return Denied, ErrExpired
	}
	return dec, err
}

// Remove deletes w if it is still the client's current wait.
func (r *Registry) Remove(w *Wait) {
	if w == nil {
		return
	}
	r.mu.Lock()
	if cur, ok := r.pending[w.ClientID]; ok && cur == w {
		delete(r.pending, w.ClientID)
	}
	r.mu.Unlock()
}

// Discard drops the client's wait, waking any consumer with Denied.
func (r *Registry) Discard(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.pending[clientID]; ok {
		delete(r.pending, clientID)
		w.fire(Denied)
	}
}

func (r *Registry) Pending(clientID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pending[clientID]
	return ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// List returns a snapshot of outstanding waits.
func (r *Registry) List() []Pending {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Pending, 0, len(r.pending))
	for _, w := range r.pending {
		out = append(out, Pending{ClientID: w.ClientID, Kind: w.Kind, CreatedAt: w.CreatedAt})
	}
	return out
}

// Expire resolves every wait older than maxAge as Denied and returns how many
// were expired. maxAge <= 0 disables expiry.
func (r *Registry) Expire(maxAge time.Duration) int {
	if maxAge <= 0 {
		return 0
	}
	cutoff := r.now().Add(-maxAge)

	r.mu.Lock()
	defer r.mu.Unlock()
	expired := 0
	for id, w := range r.pending {
		if w.CreatedAt.Before(cutoff) {
			delete(r.pending, id)
			w.fire(Denied)
			expired++
		}
	}
	return expired
}
