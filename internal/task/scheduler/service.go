package scheduler

import (
	"container/heap"
	"context"
	"sort"
	"sync"
	"time"

	"cronrunner/internal/eventbus"
	"cronrunner/internal/jobs"
	logx "cronrunner/pkg/logx"
)

const submitWarnThrottle = 5 * time.Second

type Service struct {
	cfg    Config
	log    logx.Logger
	bus    eventbus.Bus
	submit Submitter
	now    func() time.Time

	// q is owned by the loop goroutine.
	q jobQueue

	mu         sync.Mutex
	running    bool
	lastWake   time.Time
	counters   Counters
	view       []JobInfo
	retired    []JobInfo
	lastWarnAt map[int]time.Time
}

// New builds a scheduler over list. The jobs must carry their initial
// NextFire; list order is the job-list order used for simultaneous fires.
func New(cfg Config, list []jobs.Job, submit Submitter, log logx.Logger, bus eventbus.Bus) (*Service, error) {
	if len(list) == 0 {
		return nil, ErrNoJobs
	}
	if cfg.JitterWindow <= 0 {
		cfg.JitterWindow = DefaultJitterWindow
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:        cfg,
		log:        log,
		bus:        bus,
		submit:     submit,
		now:        time.Now,
		q:          make(jobQueue, 0, len(list)),
		lastWarnAt: map[int]time.Time{},
	}
	for _, j := range list {
		s.q = append(s.q, &entry{job: j})
	}
	heap.Init(&s.q)
	s.refreshView()
	return s, nil
}

// Run is the wait/wake loop. It returns ctx.Err() when ctx is done and
// ErrNoActiveJobs once every job has been retired.
func (s *Service) Run(ctx context.Context) error {
	s.mu.Lock()
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	s.log.Info("scheduler started", logx.Int("jobs", len(s.q)), logx.Duration("jitter_window", s.cfg.JitterWindow))
	for {
		if len(s.q) == 0 {
			return ErrNoActiveJobs
		}
		earliest := s.q[0].job.NextFire
		if wait := earliest.Sub(s.now()); wait > 0 {
			s.log.Trace("sleeping", logx.Duration("wait", wait), logx.Time("until", earliest))
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}
		s.fireDue(ctx, s.now().UTC())
	}
}

// fireDue handles one wake event at firedAt.
func (s *Service) fireDue(ctx context.Context, firedAt time.Time) {
	window := s.cfg.JitterWindow

	var popped []*entry
	for len(s.q) > 0 && s.q[0].job.NextFire.Sub(firedAt) <= window {
		popped = append(popped, heap.Pop(&s.q).(*entry))
	}
	sort.Slice(popped, func(i, j int) bool { return popped[i].job.Index < popped[j].job.Index })

	s.mu.Lock()
	s.lastWake = firedAt
	s.counters.Wakes++
	s.mu.Unlock()

	for _, e := range popped {
		if ctx.Err() != nil {
			// Shutting down: leave the occurrence unconsumed.
			heap.Push(&s.q, e)
			continue
		}
		var alive bool
		if firedAt.Sub(e.job.NextFire) > window {
			alive = s.skipMissed(e, firedAt)
		} else {
			alive = s.handOff(ctx, e)
		}
		if alive {
			heap.Push(&s.q, e)
		}
	}
	s.refreshView()
}

// handOff submits the occurrence e holds and advances it. It reports
// whether the job is still active.
func (s *Service) handOff(ctx context.Context, e *entry) bool {
	occ := e.job.NextFire
	err := s.submit.Submit(ctx, e.job, occ)

	e.fired++
	e.last = occ.UnixNano()
	s.mu.Lock()
	s.counters.Fired++
	if err != nil {
		s.counters.SubmitFailures++
	}
	s.mu.Unlock()
	if err != nil {
		s.reportSubmitError(e.job, err)
	}

	if !e.job.Advance() {
		s.retire(e, occ)
		return false
	}
	return true
}

// skipMissed consumes every occurrence of e that lies more than the jitter
// window before firedAt, advancing from each one in turn.
func (s *Service) skipMissed(e *entry, firedAt time.Time) bool {
	first := e.job.NextFire
	n := 0
	alive := true
	for firedAt.Sub(e.job.NextFire) > s.cfg.JitterWindow {
		n++
		if !e.job.Advance() {
			alive = false
			break
		}
	}
	e.missed += uint64(n)
	s.mu.Lock()
	s.counters.Missed += uint64(n)
	s.mu.Unlock()

	s.log.Warn("occurrences missed",
		logx.String("job", e.job.Name()),
		logx.String("url", e.job.URL),
		logx.Time("first", first),
		logx.Int("count", n),
		logx.Duration("late", firedAt.Sub(first)),
	)
	s.publish(eventbus.TopicJobMissed, firedAt, JobEvent{Index: e.job.Index, Name: e.job.Name(), Method: e.job.Method, URL: e.job.URL, Occurrence: first, Count: n})

	if !alive {
		s.retire(e, e.job.NextFire)
	}
	return alive
}

func (s *Service) retire(e *entry, last time.Time) {
	s.log.Warn("job retired: schedule exhausted",
		logx.String("job", e.job.Name()),
		logx.String("spec", e.job.Spec),
		logx.Time("last_occurrence", last),
		logx.Int("remaining", len(s.q)),
	)
	s.publish(eventbus.TopicJobRetired, s.now(), JobEvent{Index: e.job.Index, Name: e.job.Name(), Method: e.job.Method, URL: e.job.URL, Occurrence: last})

	s.mu.Lock()
	s.counters.Retired++
	s.retired = append(s.retired, infoOf(e))
	s.mu.Unlock()
}

func (s *Service) reportSubmitError(job jobs.Job, err error) {
	now := s.now()
	s.mu.Lock()
	last := s.lastWarnAt[job.Index]
	throttled := !last.IsZero() && now.Sub(last) < submitWarnThrottle
	if !throttled {
		s.lastWarnAt[job.Index] = now
	}
	s.mu.Unlock()
	if throttled {
		return
	}
	s.log.Warn("occurrence not dispatched", logx.String("job", job.Name()), logx.String("url", job.URL), logx.Err(err))
}

func (s *Service) publish(typ string, at time.Time, ev JobEvent) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Time: at, Data: ev})
	}
}

func infoOf(e *entry) JobInfo {
	info := JobInfo{
		Index:    e.job.Index,
		Name:     e.job.Name(),
		Method:   e.job.Method,
		URL:      e.job.URL,
		Spec:     e.job.Spec,
		NextFire: e.job.NextFire,
		Fired:    e.fired,
		Missed:   e.missed,
	}
	if e.last != 0 {
		info.LastFire = time.Unix(0, e.last).UTC()
	}
	return info
}

// refreshView copies the heap into the snapshot view. Called by the loop.
func (s *Service) refreshView() {
	view := make([]JobInfo, 0, len(s.q))
	for _, e := range s.q {
		view = append(view, infoOf(e))
	}
	sort.Slice(view, func(i, j int) bool { return view[i].Index < view[j].Index })
	s.mu.Lock()
	s.view = view
	s.mu.Unlock()
}

// Snapshot is safe to call from any goroutine.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Running:      s.running,
		JitterWindow: s.cfg.JitterWindow,
		LastWake:     s.lastWake,
		Counters:     s.counters,
		Jobs:         append([]JobInfo(nil), s.view...),
		Retired:      append([]JobInfo(nil), s.retired...),
	}
}

// Active returns the number of jobs that have not been retired.
func (s *Service) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.view)
}
