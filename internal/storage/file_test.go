package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	logx "cronrunner/pkg/logx"
)

func rec(i int) OutcomeRecord {
	at := time.Date(2026, 5, 4, 12, 0, i, 0, time.UTC)
	return OutcomeRecord{ID: fmt.Sprintf("id-%d", i), At: at, ScheduledAt: at, JobIndex: 1, Method: "GET", URL: "https://x", Verdict: "OK", Kind: "status", Status: 200}
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		if st != nil || err != nil {
			t.Fatalf("driver %q: store=%v err=%v", driver, st, err)
		}
	}
	if _, err := Open(Config{Driver: "redis"}, logx.Nop()); err == nil {
		t.Fatal("unknown driver accepted")
	}
	if _, err := Open(Config{Driver: "file"}, logx.Nop()); err == nil {
		t.Fatal("file driver without path accepted")
	}
}

func TestFileStoreRecentNewestFirst(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "state", "cronrunner.db")
	st, err := Open(Config{Driver: "file", Path: path, HistoryLimit: 10}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := st.AppendOutcome(ctx, rec(i)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	got, err := st.RecentOutcomes(ctx, 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 || got[0].ID != "id-2" || got[1].ID != "id-1" {
		t.Fatalf("recent = %+v", got)
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(path), "cronrunner.outcomes.jsonl")); err != nil {
		t.Fatalf("journal file: %v", err)
	}
}

func TestFileStoreReloadAndCompact(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "history.json")
	cfg := Config{Driver: "file", Path: path, HistoryLimit: 3}
	ctx := context.Background()

	st, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := 0; i < 7; i++ {
		if err := st.AppendOutcome(ctx, rec(i)); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	journal := strings.TrimSuffix(path, ".json") + ".outcomes.jsonl"
	b, err := os.ReadFile(journal)
	if err != nil {
		t.Fatalf("read journal: %v", err)
	}
	// Compaction at 6 lines keeps 3, then one more append.
	if n := strings.Count(string(b), "\n"); n != 4 {
		t.Fatalf("journal lines = %d, want 4", n)
	}

	// A garbage line is skipped on reload.
	f, err := os.OpenFile(journal, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	_, _ = f.WriteString("{not json\n")
	_ = f.Close()

	st2, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st2.Close()
	got, _ := st2.RecentOutcomes(ctx, 0)
	if len(got) != 3 || got[0].ID != "id-6" || got[2].ID != "id-4" {
		t.Fatalf("reloaded = %+v", got)
	}
}

func TestFileStoreKeepsAppendingAfterFailedCompaction(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "history.json")
	st, err := openFile(Config{Driver: "file", Path: path, HistoryLimit: 2}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer st.Close()
	fs := st.(*fileStore)
	fs.rename = func(string, string) error { return errors.New("read-only filesystem") }

	ctx := context.Background()
	for i := 0; i < 6; i++ {
		if err := st.AppendOutcome(ctx, rec(i)); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	b, err := os.ReadFile(fs.path)
	if err != nil {
		t.Fatalf("read journal: %v", err)
	}
	// Nothing was rewritten, so every append is still on disk.
	if n := strings.Count(string(b), "\n"); n != 6 {
		t.Fatalf("journal lines = %d, want 6", n)
	}
	if _, err := os.Stat(fs.path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("temp file left behind: %v", err)
	}

	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := st.AppendOutcome(ctx, rec(9)); err == nil {
		t.Fatal("append after Close accepted")
	}
}
