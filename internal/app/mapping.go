package app

import (
	"strings"
	"time"

	"cronrunner/internal/alert/telegram"
	"cronrunner/internal/config"
	"cronrunner/internal/dispatch"
	"cronrunner/internal/observability/debugsrv"
	"cronrunner/internal/storage"
	"cronrunner/internal/task/engine"
	"cronrunner/internal/task/scheduler"
	logx "cronrunner/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	jw, err := config.ParseDurationOrDefault("scheduler.jitter_window", cfg.Scheduler.JitterWindow, scheduler.DefaultJitterWindow)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{JitterWindow: jw}, nil
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	timeout, err := config.ParseDurationOrDefault("dispatch.timeout", cfg.Dispatch.Timeout, dispatch.DefaultTimeout)
	if err != nil {
		return dispatch.Config{}, err
	}
	return dispatch.Config{
		Secret:    cfg.Secret,
		Timeout:   timeout,
		UserAgent: strings.TrimSpace(cfg.Dispatch.UserAgent),
	}, nil
}

func mapEngineConfig(cfg *config.Config) engine.Config {
	e := cfg.Engine
	return engine.Config{
		Enabled:      e.IsEnabled(),
		Workers:      e.Workers,
		QueueSize:    e.QueueSize,
		PerHostLimit: e.PerHostLimit,
		PerHostRate:  e.PerHostRate,
		HistorySize:  e.HistorySize,
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:       strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:         strings.TrimSpace(sc.Path),
		BusyTimeout:  busy,
		HistoryLimit: sc.HistoryLimit,
	}, nil
}

func mapAlertConfig(cfg *config.Config) telegram.Config {
	t := cfg.Alerts.Telegram
	return telegram.Config{
		Enabled:      t.Enabled,
		Token:        strings.TrimSpace(t.Token),
		ChatID:       t.ChatID,
		ThreadID:     t.ThreadID,
		RatePerSec:   t.RatePerSec,
		QueueSize:    t.QueueSize,
		OnlyFailures: t.FailuresOnly(),
	}
}

func mapDebugConfig(cfg *config.Config) (debugsrv.Config, error) {
	d := cfg.Debug
	out := debugsrv.Config{
		Enabled:              d.Enabled,
		Addr:                 strings.TrimSpace(d.Addr),
		Token:                strings.TrimSpace(d.Token),
		AllowInsecure:        d.AllowInsecure,
		MutexProfileFraction: d.MutexProfileFraction,
		BlockProfileRate:     d.BlockProfileRate,
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationField("debug.read_timeout", d.ReadTimeout); err != nil {
		return debugsrv.Config{}, err
	}
	if out.WriteTimeout, err = config.ParseDurationField("debug.write_timeout", d.WriteTimeout); err != nil {
		return debugsrv.Config{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationField("debug.idle_timeout", d.IdleTimeout); err != nil {
		return debugsrv.Config{}, err
	}
	return out, nil
}
