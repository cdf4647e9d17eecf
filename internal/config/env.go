package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// Environment variables read on top of the config file.
const (
	EnvSecret   = "SECRET"
	EnvJobs     = "CRON_JOBS"
	EnvLogLevel = "LOG_LEVEL"
)

var (
	ErrMissingSecret = errors.New("SECRET is not set")
	ErrMissingJobs   = errors.New("CRON_JOBS is not set")
)

// LoadDotEnv loads KEY=VALUE pairs from path into the process environment.
// Variables already set are kept. A missing file is not an error unless
// required is true.
func LoadDotEnv(path string, required bool) error {
	if strings.TrimSpace(path) == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) && !required {
			return nil
		}
		return fmt.Errorf("env file: %w", err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("env file %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays non-empty environment values on cfg.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	if cfg == nil {
		return
	}
	if getenv == nil {
		getenv = os.Getenv
	}
	if v := getenv(EnvSecret); v != "" {
		cfg.Secret = v
	}
	if v := getenv(EnvJobs); strings.TrimSpace(v) != "" {
		cfg.Jobs = JobSpec(v)
	}
	if v := strings.TrimSpace(getenv(EnvLogLevel)); v != "" {
		cfg.Logging.Level = v
	}
}

// RequireRuntime reports the startup inputs that must be present.
func RequireRuntime(cfg *Config) error {
	if cfg == nil || cfg.Secret == "" {
		return ErrMissingSecret
	}
	if strings.TrimSpace(string(cfg.Jobs)) == "" {
		return ErrMissingJobs
	}
	return nil
}
