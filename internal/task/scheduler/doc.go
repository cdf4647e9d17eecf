// Package scheduler owns the job set and the wait/wake loop.
//
// One goroutine runs the loop. It keeps the jobs in a min-heap ordered by
// next fire time, sleeps on a single timer until the earliest occurrence,
// then hands every job within the jitter window of the wake time to a
// Submitter, in job-list order. NextFire is advanced from the occurrence
// just handled, never from the wall clock, so slow wakes do not drift the
// schedule.
//
// Handing off never waits for the HTTP call when the Submitter is backed by
// the task engine; InlineSubmitter keeps the sequential model where each
// dispatch completes before the loop continues.
package scheduler
