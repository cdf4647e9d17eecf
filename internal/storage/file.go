package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "cronrunner/pkg/logx"
)

// fileStore appends outcomes to <prefix>.outcomes.jsonl and keeps the
// newest records in memory. Once the file holds twice the history limit it
// is rewritten with only the retained records.
type fileStore struct {
	log   logx.Logger
	limit int
	path  string

	mu     sync.Mutex
	f      *os.File
	closed bool
	recent []OutcomeRecord // oldest first
	lines  int

	// rename is os.Rename outside tests.
	rename func(oldpath, newpath string) error
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{log: log, limit: cfg.limit(), path: filepath.Join(dir, base) + ".outcomes.jsonl", rename: os.Rename}
	if err := s.load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if err := s.reopenLocked(); err != nil {
		return nil, err
	}
	return s, nil
}

// reopenLocked opens the journal for appending.
func (s *fileStore) reopenLocked() error {
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	s.f = f
	return nil
}

// load replays the journal, skipping lines that do not decode.
func (s *fileStore) load() error {
	f, err := os.Open(s.path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		s.lines++
		var r OutcomeRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.ID == "" {
			continue
		}
		s.push(r)
	}
	return sc.Err()
}

func (s *fileStore) push(r OutcomeRecord) {
	s.recent = append(s.recent, r)
	if len(s.recent) > s.limit {
		s.recent = append(s.recent[:0], s.recent[len(s.recent)-s.limit:]...)
	}
}

func (s *fileStore) AppendOutcome(ctx context.Context, r OutcomeRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("outcome file closed")
	}
	if s.f == nil {
		// a failed compaction left no handle
		if err := s.reopenLocked(); err != nil {
			return err
		}
	}
	if _, err := s.f.Write(append(b, '\n')); err != nil {
		return err
	}
	s.lines++
	s.push(r)
	if s.lines >= 2*s.limit {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("outcome compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) RecentOutcomes(ctx context.Context, limit int) ([]OutcomeRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > len(s.recent) {
		limit = len(s.recent)
	}
	out := make([]OutcomeRecord, 0, limit)
	for i := len(s.recent) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.recent[i])
	}
	return out, nil
}

// compactLocked rewrites the journal with the retained records. The append
// handle is reopened whether or not the rewrite succeeds.
func (s *fileStore) compactLocked() (err error) {
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	for _, r := range s.recent {
		if err := enc.Encode(r); err != nil {
			_ = f.Close()
			_ = os.Remove(tmp)
			return err
		}
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}

	defer func() {
		if oerr := s.reopenLocked(); oerr != nil {
			s.f = nil
			err = errors.Join(err, oerr)
		}
	}()
	cerr := s.f.Close()
	s.f = nil
	if cerr != nil {
		_ = os.Remove(tmp)
		return cerr
	}
	if err := s.rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	s.lines = len(s.recent)
	return nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}
