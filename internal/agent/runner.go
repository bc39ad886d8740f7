// Package agent holds the shopping task body and the runner that starts and
// stops it for a client.
package agent

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/basket/warden/internal/taskreg"
)

// Body runs one task to completion for a client.
type Body interface {
	Run(ctx context.Context, clientID, query string) (Result, error)
}

type Runner struct {
	base   context.Context
	tasks  *taskreg.Registry
	body   Body
	logger *slog.Logger
}

// NewRunner returns a runner whose tasks live under base, so they outlive the
// request that started them.
func NewRunner(base context.Context, tasks *taskreg.Registry, body Body, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{base: base, tasks: tasks, body: body, logger: logger}
}

// Start launches a task for clientID. It fails with taskreg.ErrAlreadyRunning
// while the client has one in flight.
func (r *Runner) Start(clientID, query string) (*taskreg.Handle, error) {
	return r.tasks.Launch(r.base, clientID, func(ctx context.Context) (string, error) {
		res, err := r.body.Run(ctx, clientID, query)
		if err != nil {
			return "", err
		}
		out, err := json.Marshal(res)
		if err != nil {
			return "", err
		}
		r.logger.Info("shopping task result", "client_id", clientID, "outcome", res.Outcome)
		return string(out), nil
	})
}

// Stop cancels the client's task. It reports whether there was one.
func (r *Runner) Stop(clientID string) bool {
	return r.tasks.Cancel(clientID)
}

func (r *Runner) Running(clientID string) bool {
	_, ok := r.tasks.Get(clientID)
	return ok
}
