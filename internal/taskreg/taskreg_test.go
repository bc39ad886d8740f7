package taskreg

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/warden/internal/bus"
)

func waitDone(t *testing.T, h *Handle) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("task for %q did not finish", h.ClientID)
	}
}

func TestRegister_AlreadyRunning(t *testing.T) {
	r := New()
	h1 := NewHandle(context.Background(), "c1")
	if err := r.Register("c1", h1); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register("c1", NewHandle(context.Background(), "c1")); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("err = %v, want ErrAlreadyRunning", err)
	}
	if got, _ := r.Get("c1"); got != h1 {
		t.Fatal("original handle was replaced")
	}
	if h1.CancelRequested() {
		t.Fatal("original handle cancelled by rejected register")
	}
}

func TestCancel(t *testing.T) {
	r := New()
	if r.Cancel("nobody") {
		t.Fatal("Cancel of unknown client returned true")
	}

	h := NewHandle(context.Background(), "c1")
	r.Register("c1", h)
	if !r.Cancel("c1") {
		t.Fatal("Cancel returned false")
	}
	if !h.CancelRequested() {
		t.Fatal("handle context not cancelled")
	}
	// Cancellation is cooperative; the entry stays until the task unregisters.
	if _, ok := r.Get("c1"); !ok {
		t.Fatal("entry removed by Cancel")
	}
	r.Unregister("c1")
	if r.Len() != 0 {
		t.Fatalf("Len = %d after Unregister", r.Len())
	}
}

func TestLaunch_Completed(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("task.")
	defer b.Unsubscribe(sub)

	r := New(WithBus(b))
	h, err := r.Launch(context.Background(), "c1", func(ctx context.Context) (string, error) {
		return "done", nil
	})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	waitDone(t, h)

	if h.State() != Completed {
		t.Fatalf("state = %s, want completed", h.State())
	}
	if res, err := h.Result(); res != "done" || err != nil {
		t.Fatalf("result = %q, %v", res, err)
	}
	if _, ok := r.Get("c1"); ok {
		t.Fatal("entry still registered after completion")
	}

	var topics []string
	for len(topics) < 2 {
		select {
		case ev := <-sub.Ch():
			topics = append(topics, ev.Topic)
		case <-time.After(time.Second):
			t.Fatalf("events = %v", topics)
		}
	}
	if topics[0] != bus.TopicTaskStarted || topics[1] != bus.TopicTaskFinished {
		t.Fatalf("events = %v", topics)
	}
}

func TestLaunch_AlreadyRunning(t *testing.T) {
	r := New()
	release := make(chan struct{})
	h, err := r.Launch(context.Background(), "c1", func(ctx context.Context) (string, error) {
		<-release
		return "", nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.Launch(context.Background(), "c1", func(ctx context.Context) (string, error) {
		return "", nil
	}); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("err = %v, want ErrAlreadyRunning", err)
	}
	close(release)
	waitDone(t, h)
}

func TestLaunch_CancelUnwindsAndUnregisters(t *testing.T) {
	r := New()
	h, err := r.Launch(context.Background(), "c1", func(ctx context.Context) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	if err != nil {
		t.Fatal(err)
	}
	if !r.Cancel("c1") {
		t.Fatal("Cancel returned false")
	}
	waitDone(t, h)

	if h.State() != Cancelled {
		t.Fatalf("state = %s, want cancelled", h.State())
	}
	if _, err := h.Result(); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if r.Len() != 0 {
		t.Fatalf("Len = %d, want 0", r.Len())
	}
}

func TestLaunch_CancelledTaskNeverCompletes(t *testing.T) {
	r := New()
	started := make(chan struct{})
	h, _ := r.Launch(context.Background(), "c1", func(ctx context.Context) (string, error) {
		close(started)
		<-ctx.Done()
		return "looks fine", nil
	})
	<-started
	r.Cancel("c1")
	waitDone(t, h)
	if h.State() != Cancelled {
		t.Fatalf("state = %s, want cancelled", h.State())
	}
}

func TestLaunch_PanicBecomesFailed(t *testing.T) {
	r := New()
	h, _ := r.Launch(context.Background(), "c1", func(ctx context.Context) (string, error) {
		panic("boom")
	})
	waitDone(t, h)
	r.Wait()

	if h.State() != Failed {
		t.Fatalf("state = %s, want failed", h.State())
	}
	_, err := h.Result()
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("err = %v, want panic message", err)
	}
	if r.Len() != 0 {
		t.Fatal("panicking task leaked its entry")
	}
}

func TestLaunch_ErrorBecomesFailed(t *testing.T) {
	r := New()
	h, _ := r.Launch(context.Background(), "c1", func(ctx context.Context) (string, error) {
		return "", errors.New("planner offline")
	})
	waitDone(t, h)
	if h.State() != Failed {
		t.Fatalf("state = %s, want failed", h.State())
	}
}

func TestLaunch_Timeout(t *testing.T) {
	r := New(WithTimeout(20 * time.Millisecond))
	h, _ := r.Launch(context.Background(), "c1", func(ctx context.Context) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	waitDone(t, h)
	if h.State() != Failed {
		t.Fatalf("state = %s, want failed", h.State())
	}
	if _, err := h.Result(); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

func TestLaunch_SlotFreesAfterFinish(t *testing.T) {
	r := New()
	for i := 0; i < 3; i++ {
		h, err := r.Launch(context.Background(), "c1", func(ctx context.Context) (string, error) {
			return "", nil
		})
		if err != nil {
			t.Fatalf("launch %d: %v", i, err)
		}
		waitDone(t, h)
	}
	if r.Started() != 3 {
		t.Fatalf("Started = %d, want 3", r.Started())
	}
}

func TestStaleReleaseDoesNotEvictSuccessor(t *testing.T) {
	r := New()
	old := NewHandle(context.Background(), "c1")
	r.Register("c1", old)
	r.Unregister("c1")

	next := NewHandle(context.Background(), "c1")
	r.Register("c1", next)

	r.release(old)
	if got, ok := r.Get("c1"); !ok || got != next {
		t.Fatal("release of a stale handle evicted the current one")
	}
}

func TestConcurrentLaunch_OneWinnerPerClient(t *testing.T) {
	r := New()
	block := make(chan struct{})
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Launch(context.Background(), "c1", func(ctx context.Context) (string, error) {
				<-block
				return "", nil
			})
			if err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	close(block)
	r.Wait()
	if wins.Load() != 1 {
		t.Fatalf("winners = %d, want 1", wins.Load())
	}
}

func TestShutdown(t *testing.T) {
	r := New()
	for _, id := range []string{"a", "b", "c"} {
		r.Launch(context.Background(), id, func(ctx context.Context) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		})
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if r.Len() != 0 {
		t.Fatalf("Len = %d after shutdown", r.Len())
	}
}
