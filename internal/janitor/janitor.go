// Package janitor periodically denies pending decisions nobody answered.
package janitor

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// specParser accepts standard 5-field expressions and descriptors such as
// "@every 30s".
var specParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Expirer is implemented by decision.Registry.
type Expirer interface {
	Expire(maxAge time.Duration) int
}

type Config struct {
	Decisions Expirer
	MaxAge    time.Duration
	Schedule  string
	Logger    *slog.Logger
}

type Janitor struct {
	decisions Expirer
	maxAge    time.Duration
	schedule  string
	logger    *slog.Logger

	mu      sync.Mutex
	cron    *cronlib.Cron
	sweeps  int
	expired int
}

func New(cfg Config) *Janitor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{
		decisions: cfg.Decisions,
		maxAge:    cfg.MaxAge,
		schedule:  cfg.Schedule,
		logger:    logger,
	}
}

// Validate reports whether spec is a schedule the janitor accepts.
func Validate(spec string) error {
	if _, err := specParser.Parse(spec); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", spec, err)
	}
	return nil
}

// Start schedules the sweep. A zero MaxAge leaves the janitor idle.
func (j *Janitor) Start() error {
	if j.maxAge <= 0 {
		j.logger.Info("decision janitor disabled")
		return nil
	}
	sched, err := specParser.Parse(j.schedule)
	if err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", j.schedule, err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cron != nil {
		return nil
	}
	j.cron = cronlib.New(cronlib.WithParser(specParser))
	j.cron.Schedule(sched, cronlib.FuncJob(func() { j.Sweep() }))
	j.cron.Start()
	j.logger.Info("decision janitor started", "schedule", j.schedule, "max_age", j.maxAge)
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (j *Janitor) Stop() {
	j.mu.Lock()
	c := j.cron
	j.cron = nil
	j.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	j.logger.Info("decision janitor stopped")
}

// Sweep expires decisions older than MaxAge once and returns how many it
// denied.
func (j *Janitor) Sweep() int {
	n := j.decisions.Expire(j.maxAge)
	j.mu.Lock()
	j.sweeps++
	j.expired += n
	j.mu.Unlock()
	if n > 0 {
		j.logger.Warn("expired stale decisions", "count", n, "max_age", j.maxAge)
	}
	return n
}

// Stats returns the number of sweeps run and decisions expired so far.
func (j *Janitor) Stats() (sweeps, expired int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.sweeps, j.expired
}
