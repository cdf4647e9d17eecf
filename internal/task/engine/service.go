// Package engine runs dispatch tasks on a bounded queue served by a
// supervised worker pool, so the scheduler loop never waits on a request.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"cronrunner/internal/eventbus"
	rtsup "cronrunner/internal/runtime/supervisor"
	logx "cronrunner/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	q        chan queuedTask
	gates    *hostGates
	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}

	inFlight atomic.Int32
	// pending counts accepted tasks not yet finished (queued or running).
	pending atomic.Int64

	completed        atomic.Uint64
	failed           atomic.Uint64
	panics           atomic.Uint64
	droppedQueueFull atomic.Uint64

	idSeq atomic.Uint64

	hmu     sync.Mutex
	history []HistoryItem

	lastQueueFullWarnAt atomic.Int64
}

type queuedTask struct {
	task       Task
	enqueuedAt time.Time
	// gate is set once the task is admitted under a host limit.
	gate *hostGate
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg.withDefaults(), log: log, bus: bus}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Supervisor returns the worker supervisor, nil when not running.
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Start launches the workers. It is a no-op when disabled or already running.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	cfg := s.cfg
	if !cfg.Enabled || s.stopCh != nil {
		s.mu.Unlock()
		return
	}

	queue := make(chan queuedTask, cfg.QueueSize)
	stopCh := make(chan struct{})
	sup := rtsup.New(ctx, rtsup.WithLogger(s.log))
	s.q, s.stopCh, s.stopDone, s.sup = queue, stopCh, nil, sup
	ready := newReadyList()
	s.gates = newHostGates(cfg.PerHostLimit, cfg.PerHostRate, ready.push)
	// tasks discarded by a previous Stop never finish
	s.pending.Store(0)
	s.mu.Unlock()

	for i := 0; i < cfg.Workers; i++ {
		idx := i
		// Workers only return on shutdown; anything else is restarted.
		sup.GoRestart(fmt.Sprintf("worker.%d", idx), func(c context.Context) error {
			s.worker(c, stopCh, queue, ready)
			select {
			case <-stopCh:
				return context.Canceled
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		}, rtsup.WithRestartBackoff(50*time.Millisecond, 5*time.Second), rtsup.WithPublishFirstError(true))
	}

	s.log.Info("task engine started",
		logx.Int("workers", cfg.Workers),
		logx.Int("queue", cfg.QueueSize),
		logx.Int("per_host_limit", cfg.PerHostLimit),
		logx.Any("per_host_rate", cfg.PerHostRate),
	)
}

// Stop cancels the workers and waits for them or ctx. Tasks still queued or
// waiting on a host limit are discarded; in-flight tasks see their context
// canceled.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	sup := s.sup
	s.mu.Unlock()

	sup.Cancel()
	go func() {
		_ = sup.Wait(context.Background())
		s.mu.Lock()
		s.q, s.stopCh, s.stopDone, s.sup = nil, nil, nil, nil
		s.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("task engine stopped")
	case <-ctx.Done():
		s.log.Warn("task engine stop timed out", logx.Err(ctx.Err()))
	}
}

// Enqueue adds t to the queue without blocking. A full queue returns
// ErrQueueFull and the task is not run.
func (s *Service) Enqueue(t Task) error {
	if t.Run == nil || strings.TrimSpace(t.Name) == "" {
		return ErrInvalidTask
	}
	now := time.Now()
	if t.ID == "" {
		t.ID = fmt.Sprintf("tsk-%x-%x", now.UnixNano(), s.idSeq.Add(1))
	}

	s.mu.Lock()
	enabled := s.cfg.Enabled
	q, stopCh, stopping := s.q, s.stopCh, s.stopDone != nil
	s.mu.Unlock()

	switch {
	case !enabled:
		return ErrDisabled
	case q == nil || stopCh == nil:
		return ErrStopped
	case stopping:
		return ErrStopping
	}

	s.pending.Add(1)
	select {
	case q <- queuedTask{task: t, enqueuedAt: now}:
		return nil
	default:
		s.pending.Add(-1)
		s.onQueueFull(now, t, q)
		return ErrQueueFull
	}
}

// Drain waits until every accepted task has finished or ctx is done.
// Tasks may still be enqueued meanwhile.
func (s *Service) Drain(ctx context.Context) error {
	t := time.NewTicker(10 * time.Millisecond)
	defer t.Stop()
	for s.pending.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return nil
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg, q, gates := s.cfg, s.q, s.gates
	running := s.stopCh != nil && s.stopDone == nil
	s.mu.Unlock()

	snap := Snapshot{
		Enabled:          cfg.Enabled,
		Running:          running,
		Workers:          cfg.Workers,
		InFlight:         int(s.inFlight.Load()),
		Pending:          int(s.pending.Load()),
		WaitingForHost:   gates.waitingCount(),
		Hosts:            gates.len(),
		PerHostLimit:     cfg.PerHostLimit,
		PerHostRate:      cfg.PerHostRate,
		Completed:        s.completed.Load(),
		Failed:           s.failed.Load(),
		Panics:           s.panics.Load(),
		DroppedQueueFull: s.droppedQueueFull.Load(),
	}
	if q != nil {
		snap.QueueLen, snap.QueueCap = len(q), cap(q)
	}
	s.hmu.Lock()
	snap.History = append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return snap
}

func (s *Service) record(item HistoryItem) {
	s.mu.Lock()
	size := s.cfg.HistorySize
	s.mu.Unlock()

	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > size {
		s.history = s.history[len(s.history)-size:]
	}
	s.hmu.Unlock()
}

func (s *Service) publish(typ string, at time.Time, ev TaskEvent) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Time: at, Data: ev})
	}
}

// shouldWarn throttles repeated warnings to one per warnThrottleEvery.
func shouldWarn(last *atomic.Int64, now time.Time) bool {
	prev := last.Load()
	if prev != 0 && now.UnixNano()-prev < int64(warnThrottleEvery) {
		return false
	}
	return last.CompareAndSwap(prev, now.UnixNano())
}

func (s *Service) onQueueFull(now time.Time, t Task, q chan queuedTask) {
	n := s.droppedQueueFull.Add(1)
	s.publish(eventbus.TopicTaskDropped, now, TaskEvent{ID: t.ID, Name: t.Name, Key: t.Key, Started: now, Error: "queue_full"})
	s.record(HistoryItem{ID: t.ID, Name: t.Name, Key: t.Key, Started: now, Error: "queue_full"})

	if shouldWarn(&s.lastQueueFullWarnAt, now) {
		s.log.Warn("task dropped: queue full",
			logx.String("task", t.Name),
			logx.String("id", t.ID),
			logx.Int("queue_len", len(q)),
			logx.Int("queue_cap", cap(q)),
			logx.Uint64("dropped_queue_full", n),
		)
	}
}
