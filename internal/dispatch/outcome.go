package dispatch

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"cronrunner/internal/jobs"
)

type Verdict string

const (
	VerdictOK   Verdict = "OK"
	VerdictFail Verdict = "FAIL"
)

// Kind tells which part of the outcome carries the detail.
type Kind string

const (
	KindStatus         Kind = "status"          // transport ok, status < 400
	KindHTTPError      Kind = "http_error"      // transport ok, status >= 400
	KindTransportError Kind = "transport_error" // no status received
	KindNotDispatched  Kind = "not_dispatched"  // occurrence consumed without a request
)

const (
	CategoryClientError = "client error"
	CategoryServerError = "server error"
)

// Outcome is the classified result of one dispatch attempt.
type Outcome struct {
	ID          string
	JobIndex    int
	Method      string
	URL         string
	ScheduledAt time.Time
	At          time.Time // completion time
	Duration    time.Duration
	Verdict     Verdict
	Kind        Kind
	Status      int
	Category    string
	Error       string
}

func (o Outcome) OK() bool { return o.Verdict == VerdictOK }

// Detail renders the last column of an outcome line.
func (o Outcome) Detail() string {
	switch o.Kind {
	case KindStatus:
		return fmt.Sprintf("%d", o.Status)
	case KindHTTPError:
		return fmt.Sprintf("HTTP %d (%s)", o.Status, o.Category)
	case KindTransportError:
		return "transport error: " + o.Error
	case KindNotDispatched:
		return "not dispatched: " + o.Error
	default:
		return o.Error
	}
}

// Classify maps a received status code to a verdict and category.
func Classify(status int) (Verdict, Kind, string) {
	switch {
	case status < 400:
		return VerdictOK, KindStatus, ""
	case status < 500:
		return VerdictFail, KindHTTPError, CategoryClientError
	default:
		return VerdictFail, KindHTTPError, CategoryServerError
	}
}

// Failure builds a FAIL outcome for an occurrence that produced no status,
// e.g. one the dispatch queue refused.
func Failure(job jobs.Job, occurrence time.Time, kind Kind, err error) Outcome {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return Outcome{
		ID:          uuid.NewString(),
		JobIndex:    job.Index,
		Method:      job.Method,
		URL:         job.URL,
		ScheduledAt: occurrence,
		At:          time.Now().UTC(),
		Verdict:     VerdictFail,
		Kind:        kind,
		Error:       msg,
	}
}
