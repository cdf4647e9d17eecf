package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Config is the optional config file, overlaid by the environment.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Only the logging, alerts and debug sections are applied on hot reload;
// everything else is read once at startup.
type Config struct {
	// Secret is sent as X-Cron-Secret on every dispatch. Env SECRET wins.
	Secret string `json:"secret,omitempty"`
	// Jobs is the job specification. Env CRON_JOBS wins.
	Jobs JobSpec `json:"jobs,omitempty"`

	Scheduler SchedulerConfig `json:"scheduler"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	Engine    EngineConfig    `json:"engine"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Alerts    AlertsConfig    `json:"alerts"`
	Debug     DebugConfig     `json:"debug"`
	Systemd   SystemdConfig   `json:"systemd"`
}

// JobSpec accepts either one string ("a;b") or a list of entries.
type JobSpec string

func (j *JobSpec) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '[' {
		var list []string
		if err := json.Unmarshal(b, &list); err != nil {
			return fmt.Errorf("jobs: %w", err)
		}
		*j = JobSpec(strings.Join(list, "\n"))
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("jobs: want string or list of strings: %w", err)
	}
	*j = JobSpec(s)
	return nil
}

type SchedulerConfig struct {
	// JitterWindow is the due tolerance around a wake (default "500ms").
	JitterWindow string `json:"jitter_window,omitempty"`
}

type DispatchConfig struct {
	// Timeout bounds one HTTP exchange (default "30s").
	Timeout   string `json:"timeout,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

// EngineConfig controls the dispatch worker pool.
//
// Enabled is a pointer so an omitted key (default true) differs from an
// explicit false, which selects inline dispatch on the scheduler loop.
type EngineConfig struct {
	Enabled      *bool   `json:"enabled,omitempty"`
	Workers      int     `json:"workers,omitempty"`
	QueueSize    int     `json:"queue_size,omitempty"`
	PerHostLimit int     `json:"per_host_limit,omitempty"`
	PerHostRate  float64 `json:"per_host_rate,omitempty"`
	HistorySize  int     `json:"history_size,omitempty"`
}

func (e EngineConfig) IsEnabled() bool { return e.Enabled == nil || *e.Enabled }

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the outcome history store.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./state/cronrunner" }
type StorageConfig struct {
	Driver       string `json:"driver,omitempty"` // "", none, file, sqlite
	Path         string `json:"path,omitempty"`
	BusyTimeout  string `json:"busy_timeout,omitempty"` // sqlite
	HistoryLimit int    `json:"history_limit,omitempty"`
}

type AlertsConfig struct {
	Telegram TelegramAlertConfig `json:"telegram"`
}

type TelegramAlertConfig struct {
	Enabled    bool    `json:"enabled"`
	Token      string  `json:"token,omitempty"` // do not log
	ChatID     int64   `json:"chat_id,omitempty"`
	ThreadID   int     `json:"thread_id,omitempty"`
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	QueueSize  int     `json:"queue_size,omitempty"`
	// OnlyFailures defaults to true.
	OnlyFailures *bool `json:"only_failures,omitempty"`
}

func (t TelegramAlertConfig) FailuresOnly() bool { return t.OnlyFailures == nil || *t.OnlyFailures }

// DebugConfig controls the debug HTTP server.
//
// Prefer a loopback addr. A non-loopback addr needs a token or
// allow_insecure.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:6060"
	Token         string `json:"token,omitempty"` // do not log
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// WriteTimeout defaults to 0 so /debug/pprof/profile works.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}

type SystemdConfig struct {
	// Notify sends READY/STOPPING/WATCHDOG when NOTIFY_SOCKET is set.
	Notify bool `json:"notify"`
}

// Default is the configuration used when no file is given; file values
// are decoded on top of it.
func Default() *Config {
	return &Config{
		Scheduler: SchedulerConfig{JitterWindow: "500ms"},
		Dispatch:  DispatchConfig{Timeout: "30s"},
		Logging:   LoggingConfig{Level: "info", Console: true},
		Debug:     DebugConfig{Addr: "127.0.0.1:6060"},
		Systemd:   SystemdConfig{Notify: true},
	}
}
