package config

import (
	"reflect"
	"strings"

	logx "cronrunner/pkg/logx"
)

// Change summarises a reload for logging. Attrs never carry secrets.
type Change struct {
	// Applied lists hot-reloadable sections that changed.
	Applied []string
	// Ignored lists changed sections that only take effect after restart.
	Ignored []string
	Attrs   []logx.Field
}

func (c Change) Empty() bool { return len(c.Applied) == 0 && len(c.Ignored) == 0 }

// SummarizeConfigChange compares two configs section by section.
func SummarizeConfigChange(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var ch Change

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		ch.Applied = append(ch.Applied, "logging")
		ch.Attrs = append(ch.Attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	ot, nt := oldCfg.Alerts.Telegram, newCfg.Alerts.Telegram
	if !reflect.DeepEqual(ot, nt) {
		ch.Applied = append(ch.Applied, "alerts")
		ch.Attrs = append(ch.Attrs,
			logx.Bool("alerts.telegram.enabled", nt.Enabled),
			logx.Bool("alerts.telegram.token_set", strings.TrimSpace(nt.Token) != ""),
			logx.Int64("alerts.telegram.chat_id", nt.ChatID),
			logx.Bool("alerts.telegram.only_failures", nt.FailuresOnly()),
		)
	}

	if !reflect.DeepEqual(oldCfg.Debug, newCfg.Debug) {
		ch.Applied = append(ch.Applied, "debug")
		ch.Attrs = append(ch.Attrs,
			logx.Bool("debug.enabled", newCfg.Debug.Enabled),
			logx.String("debug.addr", strings.TrimSpace(newCfg.Debug.Addr)),
			logx.Bool("debug.token_set", strings.TrimSpace(newCfg.Debug.Token) != ""),
		)
	}

	restartOnly := []struct {
		name string
		a, b any
	}{
		{"secret", oldCfg.Secret, newCfg.Secret},
		{"jobs", oldCfg.Jobs, newCfg.Jobs},
		{"scheduler", oldCfg.Scheduler, newCfg.Scheduler},
		{"dispatch", oldCfg.Dispatch, newCfg.Dispatch},
		{"engine", oldCfg.Engine, newCfg.Engine},
		{"storage", oldCfg.Storage, newCfg.Storage},
		{"systemd", oldCfg.Systemd, newCfg.Systemd},
	}
	for _, s := range restartOnly {
		if !reflect.DeepEqual(s.a, s.b) {
			ch.Ignored = append(ch.Ignored, s.name)
		}
	}
	return ch
}
