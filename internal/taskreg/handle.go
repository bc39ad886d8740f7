package taskreg

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/warden/internal/shared"
)

type State int32

const (
	Running State = iota
	Completed
	Cancelled
	Failed
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Cancelled:
		return "cancelled"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Handle is the registry's grip on one running task.
type Handle struct {
	ClientID  string
	StartedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
	state  atomic.Int32
	done   chan struct{}

	mu     sync.Mutex
	result string
	err    error
}

// NewHandle builds a handle whose context derives from parent. It is for
// callers that Register directly; Launch builds its own.
func NewHandle(parent context.Context, clientID string) *Handle {
	return newHandle(parent, clientID, 0)
}

func newHandle(parent context.Context, clientID string, timeout time.Duration) *Handle {
	ctx := shared.WithClientID(parent, clientID)
	if shared.TraceID(ctx) == "-" {
		ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	}
	var cancel context.CancelFunc
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	return &Handle{
		ClientID:  clientID,
		StartedAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// Context is the task's cancellation scope.
func (h *Handle) Context() context.Context { return h.ctx }

// Cancel requests cancellation. It is idempotent.
func (h *Handle) Cancel() { h.cancel() }

// CancelRequested reports whether the task's scope has ended.
func (h *Handle) CancelRequested() bool { return h.ctx.Err() != nil }

func (h *Handle) State() State { return State(h.state.Load()) }

// Done is closed after the task has finished and left the registry.
func (h *Handle) Done() <-chan struct{} { return h.done }

func (h *Handle) Result() (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result, h.err
}

func (h *Handle) finish(state State, result string, err error) {
	h.mu.Lock()
	h.result = result
	h.err = err
	h.mu.Unlock()
	h.state.Store(int32(state))
	h.cancel()
	close(h.done)
}
