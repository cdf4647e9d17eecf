package engine

import (
	"context"
	"time"
)

// Config controls the dispatch worker pool.
type Config struct {
	Enabled   bool
	Workers   int
	QueueSize int

	// PerHostLimit caps concurrent tasks sharing a Key. 0 disables the cap.
	PerHostLimit int
	// PerHostRate limits task starts per Key per second. 0 disables it.
	PerHostRate float64

	HistorySize int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	if c.PerHostLimit < 0 {
		c.PerHostLimit = 0
	}
	if c.PerHostRate < 0 {
		c.PerHostRate = 0
	}
	return c
}

// Task is a unit of work executed by a worker.
type Task struct {
	ID   string
	Name string
	// Key groups tasks for the per-host cap and rate limit (the URL host).
	Key     string
	Timeout time.Duration
	Run     func(ctx context.Context) error
	// OnPanic, if set, is called with the recovered panic as an error.
	OnPanic func(err error)
}

type HistoryItem struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Key        string        `json:"key,omitempty"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// TaskEvent is published on the event bus for task lifecycle changes.
type TaskEvent struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Key        string        `json:"key,omitempty"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

type Snapshot struct {
	Enabled  bool `json:"enabled"`
	Running  bool `json:"running"`
	Workers  int  `json:"workers"`
	QueueLen int  `json:"queue_len"`
	QueueCap int  `json:"queue_cap"`

	InFlight       int `json:"in_flight"`
	Pending        int `json:"pending"`
	WaitingForHost int `json:"waiting_for_host"`
	Hosts          int `json:"hosts"`

	PerHostLimit int     `json:"per_host_limit"`
	PerHostRate  float64 `json:"per_host_rate"`

	Completed        uint64 `json:"completed"`
	Failed           uint64 `json:"failed"`
	Panics           uint64 `json:"panics"`
	DroppedQueueFull uint64 `json:"dropped_queue_full"`

	History []HistoryItem `json:"history"`
}
