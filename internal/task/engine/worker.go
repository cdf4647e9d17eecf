package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"cronrunner/internal/eventbus"
	logx "cronrunner/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan queuedTask, ready *readyList) {
	for {
		// A closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		if qt, ok := ready.pop(); ok {
			s.execOne(ctx, qt)
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ready.wake:
		case qt := <-queue:
			s.admit(ctx, qt)
		}
	}
}

// admit runs qt now when its host has no limits, and otherwise passes it
// to the host gate, which queues it on the ready list when it may start.
func (s *Service) admit(ctx context.Context, qt queuedTask) {
	s.mu.Lock()
	gates := s.gates
	s.mu.Unlock()

	if qt.gate = gates.get(qt.task.Key); qt.gate == nil {
		s.execOne(ctx, qt)
		return
	}
	qt.gate.admit(qt)
}

func (s *Service) execOne(ctx context.Context, qt queuedTask) {
	t := qt.task
	defer s.pending.Add(-1)
	if qt.gate != nil {
		defer qt.gate.release()
	}

	start := time.Now()
	queueDelay := start.Sub(qt.enqueuedAt)
	if queueDelay < 0 {
		queueDelay = 0
	}
	s.publish(eventbus.TopicTaskStarted, start, TaskEvent{ID: t.ID, Name: t.Name, Key: t.Key, Started: start, QueueDelay: queueDelay})

	s.inFlight.Add(1)
	err := s.run(ctx, t)
	s.inFlight.Add(-1)

	dur := time.Since(start)
	item := HistoryItem{ID: t.ID, Name: t.Name, Key: t.Key, Started: start, QueueDelay: queueDelay, Duration: dur}
	ev := TaskEvent{ID: t.ID, Name: t.Name, Key: t.Key, Started: start, QueueDelay: queueDelay, Duration: dur}
	if err != nil {
		s.failed.Add(1)
		item.Error, ev.Error = err.Error(), err.Error()
		s.log.Debug("task.failed", logx.String("task", t.Name), logx.Err(err), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur))
		s.publish(eventbus.TopicTaskFailed, time.Now(), ev)
	} else {
		s.completed.Add(1)
		s.log.Trace("task.completed", logx.String("task", t.Name), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur))
		s.publish(eventbus.TopicTaskFinished, time.Now(), ev)
	}
	s.record(item)
}

// run executes t, converting a panic into an error so one bad task cannot
// take a worker down.
func (s *Service) run(ctx context.Context, t Task) (err error) {
	runCtx := ctx
	if t.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, t.Timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("task.panic", logx.String("task", t.Name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			if t.OnPanic != nil {
				t.OnPanic(err)
			}
			s.panics.Add(1)
		}
	}()
	return t.Run(runCtx)
}
