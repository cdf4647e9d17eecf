package scheduler

import (
	"context"
	"errors"
	"time"

	"cronrunner/internal/jobs"
)

const DefaultJitterWindow = 500 * time.Millisecond

var (
	// ErrNoActiveJobs is returned by Run once every job has been retired.
	ErrNoActiveJobs = errors.New("scheduler: every job schedule is exhausted")
	ErrNoJobs       = errors.New("scheduler: empty job set")
)

type Config struct {
	// JitterWindow is the tolerance around a wake time within which an
	// occurrence counts as due.
	JitterWindow time.Duration
}

// Submitter hands one due occurrence off for dispatch. An error means the
// occurrence was not dispatched; it is still consumed.
type Submitter interface {
	Submit(ctx context.Context, job jobs.Job, occurrence time.Time) error
}

// JobInfo is the snapshot view of one active job.
type JobInfo struct {
	Index    int       `json:"index"`
	Name     string    `json:"name"`
	Method   string    `json:"method"`
	URL      string    `json:"url"`
	Spec     string    `json:"spec"`
	NextFire time.Time `json:"next_fire"`
	LastFire time.Time `json:"last_fire,omitempty"`
	Fired    uint64    `json:"fired"`
	Missed   uint64    `json:"missed"`
}

type Counters struct {
	Wakes          uint64 `json:"wakes"`
	Fired          uint64 `json:"fired"`
	Missed         uint64 `json:"missed"`
	Retired        uint64 `json:"retired"`
	SubmitFailures uint64 `json:"submit_failures"`
}

type Snapshot struct {
	Running      bool          `json:"running"`
	JitterWindow time.Duration `json:"jitter_window"`
	LastWake     time.Time     `json:"last_wake,omitempty"`
	Counters     Counters      `json:"counters"`
	Jobs         []JobInfo     `json:"jobs"`
	Retired      []JobInfo     `json:"retired,omitempty"`
}

// JobEvent is published for missed occurrences and retirements.
type JobEvent struct {
	Index      int       `json:"index"`
	Name       string    `json:"name"`
	Method     string    `json:"method"`
	URL        string    `json:"url"`
	Occurrence time.Time `json:"occurrence"`
	Count      int       `json:"count,omitempty"`
}
