package scheduler

import (
	"context"
	"net/url"
	"time"

	"cronrunner/internal/jobs"
	"cronrunner/internal/task/engine"
)

// RunFunc performs the dispatch of one occurrence. A non-nil error marks a
// FAIL outcome; it does not mean the occurrence was skipped.
type RunFunc func(ctx context.Context, job jobs.Job, occurrence time.Time) error

// InlineSubmitter runs each dispatch on the loop goroutine, so due jobs
// complete one after another before the loop sleeps again.
type InlineSubmitter RunFunc

func (f InlineSubmitter) Submit(ctx context.Context, job jobs.Job, occurrence time.Time) error {
	_ = f(ctx, job, occurrence)
	return nil
}

// EngineSubmitter enqueues each occurrence on the task engine and returns
// immediately.
type EngineSubmitter struct {
	Engine *engine.Service
	Run    RunFunc
	// Timeout bounds one task on its worker. 0 means no bound.
	Timeout time.Duration
	// Rejected is called when the engine refuses the occurrence (queue full,
	// stopping). The occurrence is still consumed.
	Rejected func(job jobs.Job, occurrence time.Time, err error)
	// Panicked is called when Run panics on a worker.
	Panicked func(job jobs.Job, occurrence time.Time, err error)
}

func (s EngineSubmitter) Submit(_ context.Context, job jobs.Job, occurrence time.Time) error {
	run := s.Run
	t := engine.Task{
		Name:    job.Name(),
		Key:     hostKey(job.URL),
		Timeout: s.Timeout,
		Run: func(ctx context.Context) error {
			return run(ctx, job, occurrence)
		},
	}
	if s.Panicked != nil {
		t.OnPanic = func(err error) { s.Panicked(job, occurrence, err) }
	}
	err := s.Engine.Enqueue(t)
	if err != nil && s.Rejected != nil {
		s.Rejected(job, occurrence, err)
	}
	return err
}

// hostKey is the per-destination key used by the engine's host limits.
func hostKey(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	return u.Host
}
