package debugsrv

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	logx "cronrunner/pkg/logx"
)

func TestHandlerAuth(t *testing.T) {
	t.Parallel()
	s := New(Config{}, Sources{}, logx.Nop())
	h := s.Handler("s3cret")

	tests := []struct {
		name   string
		target string
		auth   string
		want   int
	}{
		{"no token", "/healthz", "", http.StatusUnauthorized},
		{"bearer", "/healthz", "Bearer s3cret", http.StatusOK},
		{"bad bearer", "/healthz", "Bearer nope", http.StatusUnauthorized},
		{"query", "/healthz?token=s3cret", "", http.StatusOK},
		{"bad query wins over good header", "/healthz?token=x", "Bearer s3cret", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			if tt.auth != "" {
				req.Header.Set("Authorization", tt.auth)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestSnapshotEndpoints(t *testing.T) {
	t.Parallel()
	var gotLimit int
	s := New(Config{}, Sources{
		Schedule: func() any { return map[string]int{"jobs": 2} },
		Outcomes: func(_ context.Context, limit int) (any, error) {
			gotLimit = limit
			return []string{"a"}, nil
		},
	}, logx.Nop())
	h := s.Handler("")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/schedule", nil))
	var sched map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &sched); err != nil || sched["jobs"] != 2 {
		t.Fatalf("schedule body = %s (%v)", rec.Body.String(), err)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/outcomes?limit=7", nil))
	if rec.Code != http.StatusOK || gotLimit != 7 {
		t.Fatalf("outcomes status=%d limit=%d", rec.Code, gotLimit)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/outcomes?limit=-1", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad limit status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/engine", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing source status = %d", rec.Code)
	}
}

func TestOutcomesSourceError(t *testing.T) {
	t.Parallel()
	s := New(Config{}, Sources{
		Outcomes: func(context.Context, int) (any, error) { return nil, errors.New("store closed") },
	}, logx.Nop())
	rec := httptest.NewRecorder()
	s.Handler("").ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/outcomes", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestReconfigureEnableDisable(t *testing.T) {
	s := New(Config{}, Sources{}, logx.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	t.Cleanup(func() { s.Stop(context.Background()) })

	if err := s.Reconfigure(ctx, Config{Enabled: true, Addr: "127.0.0.1:0"}); err != nil {
		t.Fatalf("Reconfigure: %v", err)
	}
	addr := s.Addr()
	if addr == "" {
		t.Fatal("no address after enable")
	}
	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("GET healthz: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz = %d", resp.StatusCode)
	}

	if err := s.Reconfigure(ctx, Config{Enabled: false}); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if a := s.Addr(); a != "" {
		t.Fatalf("still listening at %s", a)
	}
}

func TestRefusesPublicBindWithoutToken(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, Sources{}, logx.Nop())
	if err := s.Start(context.Background()); !errors.Is(err, ErrInsecureBind) {
		t.Fatalf("Start = %v, want ErrInsecureBind", err)
	}
	if s.Addr() != "" {
		t.Fatal("listener bound")
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	for addr, want := range map[string]bool{
		"127.0.0.1:6060": true,
		"localhost:1":    true,
		"[::1]:80":       true,
		":6060":          false,
		"10.0.0.1:80":    false,
		"garbage":        false,
	} {
		if got := isLoopbackAddr(addr); got != want {
			t.Fatalf("isLoopbackAddr(%q) = %v", addr, got)
		}
	}
}
