package scheduler

import "cronrunner/internal/jobs"

// entry is a heap slot. Counters live next to the job so snapshots need no
// second lookup.
type entry struct {
	job    jobs.Job
	fired  uint64
	missed uint64
	last   int64 // unix nanos of the last dispatched occurrence
}

// jobQueue is a container/heap min-heap on (NextFire, Index).
type jobQueue []*entry

func (q jobQueue) Len() int { return len(q) }

func (q jobQueue) Less(i, j int) bool {
	a, b := q[i].job, q[j].job
	if !a.NextFire.Equal(b.NextFire) {
		return a.NextFire.Before(b.NextFire)
	}
	return a.Index < b.Index
}

func (q jobQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *jobQueue) Push(x any) { *q = append(*q, x.(*entry)) }

func (q *jobQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return e
}
