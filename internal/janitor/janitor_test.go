package janitor_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/warden/internal/decision"
	"github.com/basket/warden/internal/janitor"
)

// waitFor polls check until it returns true or the deadline elapses.
func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", deadline)
}

type countingExpirer struct {
	calls  atomic.Int32
	maxAge atomic.Int64
}

func (c *countingExpirer) Expire(maxAge time.Duration) int {
	c.calls.Add(1)
	c.maxAge.Store(int64(maxAge))
	return 0
}

func TestSweep_DeniesStaleWaits(t *testing.T) {
	reg := decision.New()
	w, err := reg.CreateWait("c1", decision.KindPlan)
	if err != nil {
		t.Fatalf("create wait: %v", err)
	}

	j := janitor.New(janitor.Config{Decisions: reg, MaxAge: time.Nanosecond, Schedule: "@every 1s"})
	time.Sleep(time.Millisecond)
	if n := j.Sweep(); n != 1 {
		t.Fatalf("expected one expired decision, got %d", n)
	}
	select {
	case <-w.Done():
	default:
		t.Fatal("expired wait was not woken")
	}
	if w.Outcome() != decision.Denied {
		t.Fatalf("expired wait outcome = %q", w.Outcome())
	}
	if reg.Pending("c1") {
		t.Fatal("expired entry still pending")
	}
	sweeps, expired := j.Stats()
	if sweeps != 1 || expired != 1 {
		t.Fatalf("stats = %d/%d", sweeps, expired)
	}
}

func TestSweep_KeepsFreshWaits(t *testing.T) {
	reg := decision.New()
	if _, err := reg.CreateWait("c1", decision.KindPayment); err != nil {
		t.Fatalf("create wait: %v", err)
	}
	j := janitor.New(janitor.Config{Decisions: reg, MaxAge: time.Hour})
	if n := j.Sweep(); n != 0 {
		t.Fatalf("fresh wait expired: %d", n)
	}
	if !reg.Pending("c1") {
		t.Fatal("fresh wait removed")
	}
}

func TestStart_RunsOnSchedule(t *testing.T) {
	exp := &countingExpirer{}
	j := janitor.New(janitor.Config{Decisions: exp, MaxAge: time.Minute, Schedule: "@every 1s"})
	if err := j.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer j.Stop()

	waitFor(t, 3*time.Second, func() bool { return exp.calls.Load() > 0 })
	if time.Duration(exp.maxAge.Load()) != time.Minute {
		t.Fatalf("max age passed = %v", time.Duration(exp.maxAge.Load()))
	}
}

func TestStart_DisabledWithZeroMaxAge(t *testing.T) {
	exp := &countingExpirer{}
	j := janitor.New(janitor.Config{Decisions: exp, Schedule: "@every 1s"})
	if err := j.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	time.Sleep(1500 * time.Millisecond)
	j.Stop()
	if exp.calls.Load() != 0 {
		t.Fatalf("disabled janitor swept %d times", exp.calls.Load())
	}
}

func TestStart_InvalidSchedule(t *testing.T) {
	j := janitor.New(janitor.Config{Decisions: &countingExpirer{}, MaxAge: time.Minute, Schedule: "every now and then"})
	if err := j.Start(); err == nil {
		t.Fatal("expected error for invalid schedule")
	}
}

func TestStopWithoutStart(t *testing.T) {
	j := janitor.New(janitor.Config{Decisions: &countingExpirer{}})
	j.Stop()
}

func TestValidate(t *testing.T) {
	for _, spec := range []string{"@every 30s", "*/5 * * * *", "@hourly"} {
		if err := janitor.Validate(spec); err != nil {
			t.Errorf("Validate(%q): %v", spec, err)
		}
	}
	for _, spec := range []string{"", "61 * * * *", "@sometimes"} {
		if err := janitor.Validate(spec); err == nil {
			t.Errorf("Validate(%q) accepted", spec)
		}
	}
}

func TestSweep_WakesConsumer(t *testing.T) {
	reg := decision.New()
	if _, err := reg.CreateWait("c1", decision.KindPlan); err != nil {
		t.Fatalf("create wait: %v", err)
	}
	got := make(chan decision.Decision, 1)
	go func() {
		d, _ := reg.Consume(context.Background(), "c1")
		got <- d
	}()

	j := janitor.New(janitor.Config{Decisions: reg, MaxAge: time.Nanosecond})
	waitFor(t, 2*time.Second, func() bool { return j.Sweep() > 0 || !reg.Pending("c1") })
	select {
	case d := <-got:
		if d != decision.Denied {
			t.Fatalf("consumer got %q", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("consumer not woken by sweep")
	}
}
