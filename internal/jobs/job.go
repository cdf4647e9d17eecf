package jobs

import (
	"fmt"
	"net/http"
	"time"

	"cronrunner/internal/task/cronexpr"
)

// Methods accepted in a job specification.
var allowedMethods = map[string]struct{}{
	http.MethodGet:     {},
	http.MethodPost:    {},
	http.MethodPut:     {},
	http.MethodPatch:   {},
	http.MethodDelete:  {},
	http.MethodHead:    {},
	http.MethodOptions: {},
}

// Header is one user-supplied request header. Order and duplicates are kept.
type Header struct {
	Name  string
	Value string
}

// Job is one scheduled HTTP call.
//
// NextFire is the only mutable field and belongs to the scheduler loop.
type Job struct {
	Index    int
	Method   string
	URL      string
	Spec     string
	Schedule cronexpr.Schedule
	NextFire time.Time
	Headers  []Header
	Body     *string
}

// Name is a stable identifier used in logs.
func (j Job) Name() string { return fmt.Sprintf("job#%d", j.Index) }

// HasBody reports whether the job carries a payload.
func (j Job) HasBody() bool { return j.Body != nil }

// Advance moves NextFire to the first occurrence strictly after the
// occurrence it currently holds. It returns false when the schedule is
// exhausted; NextFire is left untouched in that case.
func (j *Job) Advance() bool {
	next, ok := j.Schedule.Next(j.NextFire)
	if !ok {
		return false
	}
	j.NextFire = next
	return true
}
