package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

const DefaultHistoryLimit = 1000

// Config configures storage. An empty Driver or "none" disables it.
type Config struct {
	Driver       string
	Path         string
	BusyTimeout  time.Duration // sqlite only; 0 means default
	HistoryLimit int           // outcomes kept; 0 means DefaultHistoryLimit
}

func (c Config) limit() int {
	if c.HistoryLimit <= 0 {
		return DefaultHistoryLimit
	}
	return c.HistoryLimit
}

// OutcomeRecord is the stored form of one dispatch outcome.
// Keep it compact and schema-stable.
type OutcomeRecord struct {
	ID          string    `json:"id"`
	At          time.Time `json:"at"`
	ScheduledAt time.Time `json:"scheduled_at"`
	JobIndex    int       `json:"job"`
	Method      string    `json:"method"`
	URL         string    `json:"url"`
	Verdict     string    `json:"verdict"`
	Kind        string    `json:"kind"`
	Status      int       `json:"status,omitempty"`
	Category    string    `json:"category,omitempty"`
	Error       string    `json:"error,omitempty"`
	TookMS      int64     `json:"took_ms"`
}
