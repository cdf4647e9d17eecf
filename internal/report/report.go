// Package report renders dispatch outcomes and fans them out to the
// console, the structured log, the event bus and the history store.
package report

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"cronrunner/internal/dispatch"
	"cronrunner/internal/eventbus"
	"cronrunner/internal/storage"
	logx "cronrunner/pkg/logx"
)

// TimeLayout is RFC 3339 in UTC with millisecond precision.
const TimeLayout = "2006-01-02T15:04:05.000Z07:00"

const defaultStoreTimeout = 2 * time.Second

// Line renders the console form of an outcome:
//
//	timestamp | OK|FAIL | METHOD URL | detail
func Line(o dispatch.Outcome) string {
	return fmt.Sprintf("%s | %s | %s %s | %s", o.At.UTC().Format(TimeLayout), o.Verdict, o.Method, o.URL, o.Detail())
}

// Record converts an outcome to its stored form.
func Record(o dispatch.Outcome) storage.OutcomeRecord {
	return storage.OutcomeRecord{
		ID:          o.ID,
		At:          o.At.UTC(),
		ScheduledAt: o.ScheduledAt.UTC(),
		JobIndex:    o.JobIndex,
		Method:      o.Method,
		URL:         o.URL,
		Verdict:     string(o.Verdict),
		Kind:        string(o.Kind),
		Status:      o.Status,
		Category:    o.Category,
		Error:       o.Error,
		TookMS:      o.Duration.Milliseconds(),
	}
}

type Option func(*Service)

// WithWriters replaces stdout (OK lines) and stderr (FAIL lines).
func WithWriters(ok, fail io.Writer) Option {
	return func(s *Service) { s.ok, s.fail = ok, fail }
}

func WithStoreTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.storeTimeout = d
		}
	}
}

type Service struct {
	log   logx.Logger
	bus   eventbus.Bus
	store storage.Store

	// mu serialises console writes so lines from concurrent workers never interleave.
	mu   sync.Mutex
	ok   io.Writer
	fail io.Writer

	storeTimeout time.Duration
}

// New returns a reporter. bus and store may be nil.
func New(log logx.Logger, bus eventbus.Bus, store storage.Store, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:          log,
		bus:          bus,
		store:        store,
		ok:           os.Stdout,
		fail:         os.Stderr,
		storeTimeout: defaultStoreTimeout,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Report emits o everywhere. It never fails; store errors are logged.
func (s *Service) Report(ctx context.Context, o dispatch.Outcome) {
	line := Line(o)
	w := s.ok
	if !o.OK() {
		w = s.fail
	}
	s.mu.Lock()
	_, _ = io.WriteString(w, line+"\n")
	s.mu.Unlock()

	fields := []logx.Field{
		logx.String("id", o.ID),
		logx.String("job", fmt.Sprintf("job#%d", o.JobIndex)),
		logx.String("method", o.Method),
		logx.String("url", o.URL),
		logx.String("kind", string(o.Kind)),
		logx.Time("scheduled", o.ScheduledAt),
		logx.Duration("took", o.Duration),
	}
	if o.Status != 0 {
		fields = append(fields, logx.Int("status", o.Status))
	}
	if o.OK() {
		s.log.Debug("dispatch ok", fields...)
	} else {
		s.log.Warn("dispatch failed", append(fields, logx.String("detail", o.Detail()))...)
	}

	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TopicOutcome, Time: o.At, Data: o})
	}

	if s.store != nil {
		// The dispatch context may already be near its deadline.
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.storeTimeout)
		defer cancel()
		if err := s.store.AppendOutcome(sctx, Record(o)); err != nil {
			s.log.Warn("outcome not stored", logx.String("id", o.ID), logx.Err(err))
		}
	}
}
