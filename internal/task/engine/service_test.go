package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"habitbot/internal/eventbus"
	"habitbot/pkg/logx"
)

func startEngine(t *testing.T, cfg Config) (*Service, eventbus.Bus) {
	t.Helper()
	cfg.Enabled = true
	bus := eventbus.New()
	s := New(cfg, logx.Nop(), bus)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s, bus
}

func waitEvent(t *testing.T, ch <-chan eventbus.Event, typ string) eventbus.Event {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Type == typ {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

func TestRetriesUntilSuccess(t *testing.T) {
	t.Parallel()
	s, bus := startEngine(t, Config{Workers: 1, RetryMax: 3, RetryBase: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond})
	ch, unsub := bus.Subscribe(32)
	defer unsub()

	var calls atomic.Int32
	err := s.Enqueue(Task{Name: "flaky", Run: func(context.Context) error {
		if calls.Add(1) < 3 {
			return errors.New("boom")
		}
		return nil
	}})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	ev := waitEvent(t, ch, eventbus.TaskFinished)
	te := ev.Data.(TaskEvent)
	if te.Attempts != 3 {
		t.Fatalf("attempts=%d want 3", te.Attempts)
	}
	if te.ID == "" {
		t.Fatalf("expected generated task id")
	}
}

func TestNoRetryStopsImmediately(t *testing.T) {
	t.Parallel()
	s, bus := startEngine(t, Config{Workers: 1, RetryMax: 5, RetryBase: time.Millisecond})
	ch, unsub := bus.Subscribe(32)
	defer unsub()

	sentinel := errors.New("permanent")
	var calls atomic.Int32
	_ = s.Enqueue(Task{Name: "perm", Run: func(context.Context) error {
		calls.Add(1)
		return NoRetry(sentinel)
	}})

	ev := waitEvent(t, ch, eventbus.TaskFailed)
	if got := calls.Load(); got != 1 {
		t.Fatalf("calls=%d want 1", got)
	}
	if ev.Data.(TaskEvent).Error != "permanent" {
		t.Fatalf("error=%q", ev.Data.(TaskEvent).Error)
	}
}

func TestPanicBecomesFailure(t *testing.T) {
	t.Parallel()
	s, bus := startEngine(t, Config{Workers: 1})
	ch, unsub := bus.Subscribe(32)
	defer unsub()

	_ = s.Enqueue(Task{Name: "panics", Opt: TaskOptions{RetryMax: -1}, Run: func(context.Context) error { panic("oops") }})
	waitEvent(t, ch, eventbus.TaskFailed)

	// The worker survives and keeps serving.
	_ = s.Enqueue(Task{Name: "ok", Run: func(context.Context) error { return nil }})
	waitEvent(t, ch, eventbus.TaskFinished)
}

func TestOverlapSkip(t *testing.T) {
	t.Parallel()
	s, _ := startEngine(t, Config{Workers: 1})

	release := make(chan struct{})
	started := make(chan struct{})
	task := Task{Name: "slow", Opt: TaskOptions{Overlap: OverlapSkipIfRunning}, Run: func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}}
	if err := s.Enqueue(task); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	<-started
	if err := s.Enqueue(task); !errors.Is(err, ErrOverlapSkip) {
		t.Fatalf("err=%v want ErrOverlapSkip", err)
	}
	close(release)
}

func TestTimeoutAppliesPerAttempt(t *testing.T) {
	t.Parallel()
	s, bus := startEngine(t, Config{Workers: 1, DefaultTimeout: 20 * time.Millisecond})
	ch, unsub := bus.Subscribe(32)
	defer unsub()

	_ = s.Enqueue(Task{Name: "hang", Opt: TaskOptions{RetryMax: -1}, Run: func(ctx context.Context) error {
		<-ctx.Done()
		return NoRetry(ctx.Err())
	}})
	ev := waitEvent(t, ch, eventbus.TaskFailed)
	if ev.Data.(TaskEvent).Duration > time.Second {
		t.Fatalf("timeout not applied: %s", ev.Data.(TaskEvent).Duration)
	}
}

func TestEnqueueWhenDisabledOrStopped(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop(), nil)
	if err := s.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("err=%v want ErrDisabled", err)
	}

	s = New(Config{Enabled: true}, logx.Nop(), nil)
	if err := s.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrStopped) {
		t.Fatalf("err=%v want ErrStopped", err)
	}
	if err := s.Enqueue(Task{Name: " "}); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestBackoffDelayBounds(t *testing.T) {
	t.Parallel()
	opt := TaskOptions{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}.withDefaults(Config{})

	tests := []struct {
		retry int
		want  time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{10, time.Second},
	}
	for _, tt := range tests {
		got := backoffDelay(opt, tt.retry, nil)
		if got != tt.want {
			t.Fatalf("retry=%d got %s want %s", tt.retry, got, tt.want)
		}
	}
}

func TestQueueFullDropsAndCounts(t *testing.T) {
	t.Parallel()
	s, bus := startEngine(t, Config{Workers: 1, QueueSize: 1})
	events, unsub := bus.Subscribe(16)
	defer unsub()

	release := make(chan struct{})
	started := make(chan struct{})
	block := Task{Name: "block", Key: "a", Run: func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}}
	if err := s.Enqueue(block); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	<-started

	noop := func(context.Context) error { return nil }
	if err := s.Enqueue(Task{Name: "fill", Key: "b", Run: noop}); err != nil {
		t.Fatalf("enqueue fill: %v", err)
	}
	if err := s.Enqueue(Task{Name: "overflow", Key: "c", Run: noop}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err=%v want ErrQueueFull", err)
	}
	ev := waitEvent(t, events, eventbus.TaskDropped)
	if te := ev.Data.(TaskEvent); te.Name != "overflow" || te.Error != string(DropQueueFull) {
		t.Fatalf("drop event=%+v", te)
	}

	snap := s.Snapshot()
	if snap.Dropped[DropQueueFull] != 1 || snap.Dropped[DropStale] != 0 {
		t.Fatalf("dropped=%v", snap.Dropped)
	}
	if snap.QueueCap != 1 || snap.QueueLen != 1 {
		t.Fatalf("queue len/cap=%d/%d", snap.QueueLen, snap.QueueCap)
	}
	close(release)
}
