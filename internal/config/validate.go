package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks values that can be checked without starting anything.
// It returns every problem found, joined.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	dur := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	dur("scheduler.jitter_window", cfg.Scheduler.JitterWindow)
	dur("dispatch.timeout", cfg.Dispatch.Timeout)
	dur("storage.busy_timeout", cfg.Storage.BusyTimeout)
	dur("debug.read_timeout", cfg.Debug.ReadTimeout)
	dur("debug.write_timeout", cfg.Debug.WriteTimeout)
	dur("debug.idle_timeout", cfg.Debug.IdleTimeout)

	e := cfg.Engine
	if e.Workers < 0 || e.QueueSize < 0 || e.PerHostLimit < 0 || e.HistorySize < 0 {
		errs = append(errs, errors.New("engine: sizes must be >= 0"))
	}
	if e.PerHostRate < 0 {
		errs = append(errs, errors.New("engine.per_host_rate must be >= 0"))
	}

	switch d := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)); d {
	case "", "none":
	case "file", "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			errs = append(errs, fmt.Errorf("storage.path is required for driver %q", d))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver %q is not supported", cfg.Storage.Driver))
	}
	if cfg.Storage.HistoryLimit < 0 {
		errs = append(errs, errors.New("storage.history_limit must be >= 0"))
	}

	if t := cfg.Alerts.Telegram; t.Enabled {
		if strings.TrimSpace(t.Token) == "" {
			errs = append(errs, errors.New("alerts.telegram.token is required when enabled"))
		}
		if t.ChatID == 0 {
			errs = append(errs, errors.New("alerts.telegram.chat_id is required when enabled"))
		}
	}
	if cfg.Alerts.Telegram.RatePerSec < 0 {
		errs = append(errs, errors.New("alerts.telegram.rate_per_sec must be >= 0"))
	}

	return errors.Join(errs...)
}
