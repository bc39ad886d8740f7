// Package taskreg tracks the one running task each client may own and wires
// its cancellation.
package taskreg

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/warden/internal/bus"
	"github.com/basket/warden/internal/shared"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
)

// ErrAlreadyRunning is returned when a client already owns a live task.
var ErrAlreadyRunning = errors.New("task already running")

// Body is the opaque unit of work a task runs. It must observe ctx at its
// suspension points.
type Body func(ctx context.Context) (string, error)

type Option func(*Registry)

func WithBus(b *bus.Bus) Option { return func(r *Registry) { r.bus = b } }

func WithLogger(l *slog.Logger) Option { return func(r *Registry) { r.logger = l } }

// WithTimeout bounds every launched task. Zero means unbounded.
func WithTimeout(d time.Duration) Option { return func(r *Registry) { r.timeout = d } }

type Registry struct {
	mu    sync.Mutex
	tasks map[string]*Handle

	wg      conc.WaitGroup
	bus     *bus.Bus
	logger  *slog.Logger
	timeout time.Duration
	started atomic.Int64
}

func New(opts ...Option) *Registry {
	r := &Registry{tasks: make(map[string]*Handle)}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// Register installs h as the client's running task.
func (r *Registry) Register(clientID string, h *Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.tasks[clientID]; ok {
		return fmt.Errorf("%w: client %q since %s", ErrAlreadyRunning, clientID, cur.StartedAt.Format(time.RFC3339))
	}
	r.tasks[clientID] = h
	return nil
}

// Cancel requests cooperative cancellation of the client's task. The entry
// stays until the task itself unwinds.
func (r *Registry) Cancel(clientID string) bool {
	r.mu.Lock()
	h, ok := r.tasks[clientID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	h.Cancel()
	r.logger.Info("task cancel requested", "client_id", clientID)
	return true
}

func (r *Registry) Unregister(clientID string) {
	r.mu.Lock()
	delete(r.tasks, clientID)
	r.mu.Unlock()
}

// release removes h only if it is still the client's registered task.
func (r *Registry) release(h *Handle) {
	r.mu.Lock()
	if cur, ok := r.tasks[h.ClientID]; ok && cur == h {
		delete(r.tasks, h.ClientID)
	}
	r.mu.Unlock()
}

func (r *Registry) Get(clientID string) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.tasks[clientID]
	return h, ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

// Started counts every task launched since the registry was created.
func (r *Registry) Started() int64 { return r.started.Load() }

// Launch registers a new task for clientID and runs body on its own
// goroutine. The entry is removed on every exit path, including panics.
func (r *Registry) Launch(parent context.Context, clientID string, body Body) (*Handle, error) {
	h := newHandle(parent, clientID, r.timeout)
	if err := r.Register(clientID, h); err != nil {
		h.cancel()
		return nil, err
	}
	r.started.Add(1)
	r.bus.Publish(bus.TopicTaskStarted, bus.TaskStartedEvent{ClientID: clientID, StartedAt: h.StartedAt})
	r.logger.Info("task started", "client_id", clientID, "trace_id", shared.TraceID(h.ctx))

	r.wg.Go(func() { r.run(h, body) })
	return h, nil
}

func (r *Registry) run(h *Handle, body Body) {
	var (
		result  string
		bodyErr error
		catcher panics.Catcher
	)
	catcher.Try(func() { result, bodyErr = body(h.ctx) })

	state, err := classify(h.ctx, bodyErr, catcher.Recovered())
	r.release(h)
	h.finish(state, result, err)

	ev := bus.TaskFinishedEvent{
		ClientID: h.ClientID,
		State:    state.String(),
		Result:   result,
		Duration: time.Since(h.StartedAt),
	}
	if err != nil {
		ev.Err = err.Error()
	}
	r.bus.Publish(bus.TopicTaskFinished, ev)

	attrs := []any{"client_id", h.ClientID, "state", state.String(), "duration", ev.Duration}
	if state == Failed {
		r.logger.Error("task finished", append(attrs, "error", err)...)
		return
	}
	r.logger.Info("task finished", attrs...)
}

func classify(ctx context.Context, bodyErr error, rec *panics.Recovered) (State, error) {
	if rec != nil {
		return Failed, fmt.Errorf("task panicked: %w", rec.AsError())
	}
	switch ctxErr := ctx.Err(); {
	case errors.Is(ctxErr, context.DeadlineExceeded):
		return Failed, fmt.Errorf("task timeout exceeded: %w", ctxErr)
	case ctxErr != nil:
		// A cancelled task never reports success.
		if bodyErr == nil {
			bodyErr = ctxErr
		}
		return Cancelled, bodyErr
	case bodyErr != nil:
		return Failed, bodyErr
	default:
		return Completed, nil
	}
}

// CancelAll cancels every registered task and returns how many there were.
func (r *Registry) CancelAll() int {
	r.mu.Lock()
	handles := make([]*Handle, 0, len(r.tasks))
	for _, h := range r.tasks {
		handles = append(handles, h)
	}
	r.mu.Unlock()
	for _, h := range handles {
		h.Cancel()
	}
	return len(handles)
}

// Wait blocks until every launched task has returned.
func (r *Registry) Wait() { r.wg.Wait() }

// Shutdown cancels all tasks and waits for them, giving up when ctx ends.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.CancelAll()
	done := make(chan struct{})
	go func() {
		r.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
