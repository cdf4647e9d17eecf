package engine

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// hostGate limits one destination: a weighted semaphore for in-flight
// requests and a token bucket for request starts. Either may be nil.
//
// A gate never blocks a worker. Tasks that find the host at its cap wait
// on the gate in arrival order and take over the slot of the task that
// finishes next; tasks held back by the rate limit are resumed by a timer.
type hostGate struct {
	owner *hostGates
	sem   *semaphore.Weighted
	lim   *rate.Limiter

	mu      sync.Mutex
	waiting []queuedTask
}

// admit lets qt through when the host has a free slot, and parks it
// otherwise.
func (g *hostGate) admit(qt queuedTask) {
	if g.sem != nil {
		g.mu.Lock()
		if !g.sem.TryAcquire(1) {
			g.waiting = append(g.waiting, qt)
			g.owner.waiting.Add(1)
			g.mu.Unlock()
			return
		}
		g.mu.Unlock()
	}
	g.pace(qt, false)
}

// release frees the slot held by a finished task. A parked task inherits
// it instead when one is waiting.
func (g *hostGate) release() {
	if g.sem == nil {
		return
	}
	g.mu.Lock()
	if len(g.waiting) == 0 {
		g.sem.Release(1)
		g.mu.Unlock()
		return
	}
	next := g.waiting[0]
	g.waiting[0] = queuedTask{}
	g.waiting = g.waiting[1:]
	g.mu.Unlock()
	g.pace(next, true)
}

// pace hands qt to the ready list once its rate reservation is due.
// parked reports whether qt is counted as waiting.
func (g *hostGate) pace(qt queuedTask, parked bool) {
	var d time.Duration
	if g.lim != nil {
		d = g.lim.Reserve().Delay()
	}
	if d <= 0 {
		if parked {
			g.owner.waiting.Add(-1)
		}
		g.owner.ready(qt)
		return
	}
	if !parked {
		g.owner.waiting.Add(1)
	}
	time.AfterFunc(d, func() {
		g.owner.waiting.Add(-1)
		g.owner.ready(qt)
	})
}

// hostGates holds one gate per key. The limits are fixed when the engine
// starts, so a gate is never resized.
type hostGates struct {
	mu    sync.Mutex
	limit int
	rps   float64
	gates map[string]*hostGate

	// ready receives tasks that passed their gate.
	ready func(queuedTask)
	// waiting counts tasks parked on a cap or a rate delay.
	waiting atomic.Int32
}

func newHostGates(limit int, rps float64, ready func(queuedTask)) *hostGates {
	return &hostGates{limit: limit, rps: rps, gates: map[string]*hostGate{}, ready: ready}
}

func (h *hostGates) get(key string) *hostGate {
	if h == nil || (h.limit <= 0 && h.rps <= 0) {
		return nil
	}
	k := strings.ToLower(strings.TrimSpace(key))
	if k == "" {
		return nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	g := h.gates[k]
	if g == nil {
		g = &hostGate{owner: h}
		if h.limit > 0 {
			g.sem = semaphore.NewWeighted(int64(h.limit))
		}
		if h.rps > 0 {
			burst := int(h.rps)
			if burst < 1 {
				burst = 1
			}
			g.lim = rate.NewLimiter(rate.Limit(h.rps), burst)
		}
		h.gates[k] = g
	}
	return g
}

func (h *hostGates) len() int {
	if h == nil {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.gates)
}

func (h *hostGates) waitingCount() int {
	if h == nil {
		return 0
	}
	return int(h.waiting.Load())
}

// readyList holds tasks cleared to run. Workers take from it before the
// queue. wake carries at most one pending signal.
type readyList struct {
	mu    sync.Mutex
	items []queuedTask
	wake  chan struct{}
}

func newReadyList() *readyList {
	return &readyList{wake: make(chan struct{}, 1)}
}

func (r *readyList) push(qt queuedTask) {
	r.mu.Lock()
	r.items = append(r.items, qt)
	r.mu.Unlock()
	r.signal()
}

func (r *readyList) pop() (queuedTask, bool) {
	r.mu.Lock()
	if len(r.items) == 0 {
		r.mu.Unlock()
		return queuedTask{}, false
	}
	qt := r.items[0]
	r.items[0] = queuedTask{}
	r.items = r.items[1:]
	more := len(r.items) > 0
	r.mu.Unlock()
	if more {
		// another idle worker may pick up the rest
		r.signal()
	}
	return qt, true
}

func (r *readyList) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}
