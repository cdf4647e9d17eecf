package app

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"cronrunner/internal/config"
	"cronrunner/internal/jobs"
)

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

// isolate clears the variables the config overlay reads and returns an
// empty env file so no stray .env is picked up.
func isolate(t *testing.T) string {
	t.Helper()
	for _, k := range []string{config.EnvSecret, config.EnvJobs, config.EnvLogLevel} {
		t.Setenv(k, "")
	}
	p := filepath.Join(t.TempDir(), "empty.env")
	if err := os.WriteFile(p, nil, 0o600); err != nil {
		t.Fatalf("write env: %v", err)
	}
	return p
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "cronrunner.json")
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func TestNewStartupFailures(t *testing.T) {
	env := isolate(t)
	tests := []struct {
		name string
		cfg  string
		want error
	}{
		{"no secret", `{"jobs":"GET|https://x|* * * * *"}`, config.ErrMissingSecret},
		{"no jobs", `{"secret":"s"}`, config.ErrMissingJobs},
		{"no valid job", `{"secret":"s","jobs":"FETCH|https://x|* * * * *"}`, jobs.ErrNoJobs},
	}
	for _, tt := range tests {
		_, err := New(Options{ConfigPath: writeConfig(t, tt.cfg), EnvFile: env})
		if !errors.Is(err, tt.want) {
			t.Fatalf("%s: err = %v, want %v", tt.name, err, tt.want)
		}
	}

	if _, err := New(Options{ConfigPath: writeConfig(t, `{"secret":"s","jobs":"GET|https://x|* * * * *","engine":{"workers":-1}}`), EnvFile: env}); err == nil {
		t.Fatal("invalid config accepted")
	}
}

func TestEnvOverridesFile(t *testing.T) {
	env := isolate(t)
	t.Setenv(config.EnvSecret, "from-env")
	t.Setenv(config.EnvJobs, "POST|https://env.example/a|0 0 * * *")

	_, cfg, err := loadConfig(Options{ConfigPath: writeConfig(t, `{"secret":"from-file","jobs":"GET|https://file.example|* * * * *"}`), EnvFile: env})
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Secret != "from-env" || !strings.HasPrefix(string(cfg.Jobs), "POST|https://env.example") {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestCheck(t *testing.T) {
	env := isolate(t)
	now := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
	p := writeConfig(t, `{"secret":"s","jobs":["GET|https://a.example|*/15 * * * *","GET||* * * * *"]}`)

	var out bytes.Buffer
	if err := Check(&out, Options{ConfigPath: p, EnvFile: env, Now: func() time.Time { return now }}); err != nil {
		t.Fatalf("Check: %v", err)
	}
	s := out.String()
	for _, want := range []string{"job#1", "https://a.example", "2026-05-04T12:15:00.000Z, 2026-05-04T12:30:00.000Z, 2026-05-04T12:45:00.000Z", "dropped:", "empty url", "1 accepted, 1 dropped"} {
		if !strings.Contains(s, want) {
			t.Fatalf("output missing %q:\n%s", want, s)
		}
	}

	bad := writeConfig(t, `{"secret":"s","jobs":"GET|https://a|not cron"}`)
	if err := Check(&bytes.Buffer{}, Options{ConfigPath: bad, EnvFile: env}); !errors.Is(err, jobs.ErrNoJobs) {
		t.Fatalf("Check with no valid job = %v", err)
	}
}

func TestRunDispatchesAndStops(t *testing.T) {
	env := isolate(t)
	var hits atomic.Int32
	var secret atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secret.Store(r.Header.Get("X-Cron-Secret"))
		hits.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	dir := t.TempDir()
	cfg := `{
		"secret": "s3cr3t",
		"jobs": "GET|` + srv.URL + `/tick|* * * * * *",
		"logging": {"level": "error", "console": false, "file": {"enabled": true, "path": "` + filepath.ToSlash(filepath.Join(dir, "run.log")) + `"}},
		"storage": {"driver": "file", "path": "` + filepath.ToSlash(filepath.Join(dir, "history")) + `"},
		"systemd": {"notify": false}
	}`
	var stdout, stderr syncBuffer
	a, err := New(Options{ConfigPath: writeConfig(t, cfg), EnvFile: env, Stdout: &stdout, Stderr: &stderr})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(4 * time.Second)
	for hits.Load() == 0 || !strings.Contains(stdout.String(), "| OK |") {
		if time.Now().After(deadline) {
			t.Fatalf("no dispatch: hits=%d stdout=%q stderr=%q", hits.Load(), stdout.String(), stderr.String())
		}
		time.Sleep(20 * time.Millisecond)
	}
	if got, _ := secret.Load().(string); got != "s3cr3t" {
		t.Fatalf("secret header = %q", got)
	}
	if !strings.Contains(stdout.String(), "| GET "+srv.URL+"/tick | 204") {
		t.Fatalf("stdout = %q", stdout.String())
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, StopAppStop); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case <-a.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}
	if a.Err() != nil || a.Exhausted() {
		t.Fatalf("err=%v exhausted=%v", a.Err(), a.Exhausted())
	}
	if _, err := os.Stat(filepath.Join(dir, "history.outcomes.jsonl")); err != nil {
		t.Fatalf("history journal: %v", err)
	}
}
