package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"cronrunner/internal/eventbus"
	logx "cronrunner/pkg/logx"
)

func startEngine(t *testing.T, cfg Config, bus eventbus.Bus) *Service {
	t.Helper()
	cfg.Enabled = true
	s := New(cfg, logx.Nop(), bus)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEnqueueRunsTasks(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(64)
	defer unsub()
	s := startEngine(t, Config{Workers: 2}, bus)

	var ran atomic.Int32
	for i := 0; i < 5; i++ {
		err := s.Enqueue(Task{Name: "job#1", Run: func(ctx context.Context) error {
			ran.Add(1)
			return nil
		}})
		if err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	if err := s.Enqueue(Task{Name: "job#2", Run: func(ctx context.Context) error { return errors.New("HTTP 503") }}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	// History is written last for each task.
	waitFor(t, "tasks", func() bool { return len(s.Snapshot().History) == 6 })
	if snap := s.Snapshot(); snap.Completed != 5 || snap.Failed != 1 {
		t.Fatalf("completed=%d failed=%d", snap.Completed, snap.Failed)
	}
	if ran.Load() != 5 {
		t.Fatalf("ran = %d", ran.Load())
	}

	var finished, failed int
	for len(events) > 0 {
		switch (<-events).Type {
		case eventbus.TopicTaskFinished:
			finished++
		case eventbus.TopicTaskFailed:
			failed++
		}
	}
	if finished != 5 || failed != 1 {
		t.Fatalf("events finished=%d failed=%d", finished, failed)
	}
}

func TestEnqueueNeverBlocksWhenFull(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1, QueueSize: 1}, nil)

	started := make(chan struct{}, 1)
	release := make(chan struct{})
	defer close(release)
	block := func(ctx context.Context) error {
		select {
		case started <- struct{}{}:
		default:
		}
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}

	if err := s.Enqueue(Task{Name: "a", Run: block}); err != nil {
		t.Fatalf("Enqueue a: %v", err)
	}
	<-started
	if err := s.Enqueue(Task{Name: "b", Run: block}); err != nil {
		t.Fatalf("Enqueue b: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- s.Enqueue(Task{Name: "c", Run: block}) }()
	select {
	case err := <-done:
		if !errors.Is(err, ErrQueueFull) {
			t.Fatalf("Enqueue c = %v, want ErrQueueFull", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Enqueue blocked on a full queue")
	}
	if got := s.Snapshot().DroppedQueueFull; got != 1 {
		t.Fatalf("DroppedQueueFull = %d", got)
	}
}

func TestPanicIsRecovered(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1}, nil)

	var mu sync.Mutex
	var got error
	err := s.Enqueue(Task{
		Name: "job#3",
		Run:  func(ctx context.Context) error { panic("nil map") },
		OnPanic: func(err error) {
			mu.Lock()
			got = err
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitFor(t, "panic", func() bool { return s.Snapshot().Panics == 1 })

	mu.Lock()
	defer mu.Unlock()
	if got == nil || !strings.Contains(got.Error(), "nil map") {
		t.Fatalf("OnPanic err = %v", got)
	}

	// The worker survives and keeps serving.
	var ran atomic.Bool
	_ = s.Enqueue(Task{Name: "after", Run: func(ctx context.Context) error { ran.Store(true); return nil }})
	waitFor(t, "next task", ran.Load)
}

func TestPerHostLimit(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 4, PerHostLimit: 1}, nil)

	var cur, peak atomic.Int32
	run := func(ctx context.Context) error {
		n := cur.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		cur.Add(-1)
		return nil
	}
	for i := 0; i < 4; i++ {
		if err := s.Enqueue(Task{Name: "h", Key: "api.example.com", Run: run}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	waitFor(t, "completion", func() bool { return s.Snapshot().Completed == 4 })
	if peak.Load() != 1 {
		t.Fatalf("peak concurrency for one host = %d, want 1", peak.Load())
	}
	if s.Snapshot().Hosts != 1 {
		t.Fatalf("Hosts = %d", s.Snapshot().Hosts)
	}
}

func TestEnqueueStates(t *testing.T) {
	t.Parallel()
	noop := func(ctx context.Context) error { return nil }

	disabled := New(Config{}, logx.Nop(), nil)
	if err := disabled.Enqueue(Task{Name: "x", Run: noop}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("disabled: %v", err)
	}

	idle := New(Config{Enabled: true}, logx.Nop(), nil)
	if err := idle.Enqueue(Task{Name: "x", Run: noop}); !errors.Is(err, ErrStopped) {
		t.Fatalf("not started: %v", err)
	}
	if err := idle.Enqueue(Task{Name: "", Run: noop}); !errors.Is(err, ErrInvalidTask) {
		t.Fatalf("no name: %v", err)
	}
}

func TestDrainWaitsForAcceptedTasks(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1}, nil)

	release := make(chan struct{})
	var done atomic.Int32
	for i := 0; i < 3; i++ {
		if err := s.Enqueue(Task{Name: "slow", Run: func(ctx context.Context) error {
			<-release
			done.Add(1)
			return nil
		}}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	short, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := s.Drain(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Drain with blocked tasks = %v", err)
	}

	close(release)
	ctx, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	if err := s.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if done.Load() != 3 || s.Snapshot().Pending != 0 {
		t.Fatalf("done=%d pending=%d", done.Load(), s.Snapshot().Pending)
	}
}

func TestCappedHostDoesNotHoldWorkers(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 2, PerHostLimit: 1}, nil)

	release := make(chan struct{})
	defer close(release)
	slow := func(ctx context.Context) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}
	for i := 0; i < 2; i++ {
		if err := s.Enqueue(Task{Name: "slow", Key: "slow.example", Run: slow}); err != nil {
			t.Fatalf("Enqueue slow: %v", err)
		}
	}
	waitFor(t, "slow host capped", func() bool {
		snap := s.Snapshot()
		return snap.InFlight == 1 && snap.WaitingForHost == 1
	})

	fast := make(chan struct{})
	if err := s.Enqueue(Task{Name: "fast", Key: "fast.example", Run: func(ctx context.Context) error {
		close(fast)
		return nil
	}}); err != nil {
		t.Fatalf("Enqueue fast: %v", err)
	}
	select {
	case <-fast:
	case <-time.After(time.Second):
		t.Fatalf("fast.example waited behind capped slow.example: %+v", s.Snapshot())
	}
}

func TestParkedTaskTakesFreedSlot(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 2, PerHostLimit: 1}, nil)

	var order []string
	var mu sync.Mutex
	gate := make(chan struct{})
	run := func(name string, block bool) func(context.Context) error {
		return func(ctx context.Context) error {
			if block {
				<-gate
			}
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}
	_ = s.Enqueue(Task{Name: "a", Key: "h.example", Run: run("a", true)})
	waitFor(t, "a running", func() bool { return s.Snapshot().InFlight == 1 })
	_ = s.Enqueue(Task{Name: "b", Key: "h.example", Run: run("b", false)})
	waitFor(t, "b parked", func() bool { return s.Snapshot().WaitingForHost == 1 })
	_ = s.Enqueue(Task{Name: "c", Key: "h.example", Run: run("c", false)})
	waitFor(t, "c parked", func() bool { return s.Snapshot().WaitingForHost == 2 })
	close(gate)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if strings.Join(order, ",") != "a,b,c" {
		t.Fatalf("order = %v", order)
	}
	if snap := s.Snapshot(); snap.WaitingForHost != 0 || snap.Completed != 3 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestRateLimitedHostDoesNotHoldWorkers(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1, PerHostRate: 1}, nil)

	var ran atomic.Int32
	count := func(ctx context.Context) error { ran.Add(1); return nil }
	for i := 0; i < 2; i++ {
		_ = s.Enqueue(Task{Name: "limited", Key: "rate.example", Run: count})
	}
	waitFor(t, "second start delayed", func() bool {
		return ran.Load() == 1 && s.Snapshot().WaitingForHost == 1
	})

	other := make(chan struct{})
	_ = s.Enqueue(Task{Name: "other", Key: "other.example", Run: func(ctx context.Context) error {
		close(other)
		return nil
	}})
	select {
	case <-other:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("other host waited behind a rate delay")
	}
	waitFor(t, "delayed task", func() bool { return ran.Load() == 2 })
}

func TestTaskTimeout(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1}, nil)

	var got atomic.Value
	err := s.Enqueue(Task{Name: "hang", Timeout: 20 * time.Millisecond, Run: func(ctx context.Context) error {
		<-ctx.Done()
		got.Store(ctx.Err())
		return ctx.Err()
	}})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitFor(t, "timeout", func() bool { return s.Snapshot().Failed == 1 })
	if e, _ := got.Load().(error); !errors.Is(e, context.DeadlineExceeded) {
		t.Fatalf("ctx err = %v", e)
	}
}
