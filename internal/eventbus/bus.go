// Package eventbus is an in-memory fanout used to decouple the dispatch path
// from its observers (alerts, event log).
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Topics published by cronrunner components.
const (
	TopicOutcome        = "dispatch.outcome"  // Data: dispatch.Outcome
	TopicJobMissed      = "schedule.missed"   // Data: scheduler.JobEvent
	TopicJobRetired     = "schedule.retired"  // Data: scheduler.JobEvent
	TopicTaskStarted    = "task.started"      // Data: engine.TaskEvent
	TopicTaskFinished   = "task.finished"     // Data: engine.TaskEvent
	TopicTaskFailed     = "task.failed"       // Data: engine.TaskEvent
	TopicTaskDropped    = "task.dropped"      // Data: engine.TaskEvent
	TopicConfigReloaded = "config.reloaded"   // Data: nil
)

// Event is a lightweight in-memory signal.
//
// Contract:
//   - Publish never blocks.
//   - Subscribers get buffered channels; a slow subscriber drops events.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns a fanout bus. It owns no goroutines.
func New() *MemBus {
	return &MemBus{subs: map[uint64]chan Event{}}
}

type MemBus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *MemBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// The channel may be closed by a concurrent unsubscribe.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
				b.dropped.Add(1)
			}
		}()
	}
}

func (b *MemBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Dropped counts deliveries skipped because a subscriber buffer was full.
func (b *MemBus) Dropped() uint64 { return b.dropped.Load() }
