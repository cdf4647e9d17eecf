// Package cronexpr compiles cron expressions and computes their occurrences.
//
// It wraps robfig/cron's parser. Both five-field (minute precision) and
// six-field (leading seconds) expressions are accepted, as well as the
// "@hourly"-style descriptors and an optional "CRON_TZ=" prefix.
package cronexpr

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var ErrEmpty = errors.New("cron expression required")

// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Schedule is a compiled, immutable cron expression.
type Schedule struct {
	expr  string
	sched cron.Schedule
}

// Parse compiles expr.
func Parse(expr string) (Schedule, error) {
	s := strings.TrimSpace(expr)
	if s == "" {
		return Schedule{}, ErrEmpty
	}
	sched, err := parser.Parse(s)
	if err != nil {
		return Schedule{}, fmt.Errorf("invalid cron %q: %w", s, err)
	}
	return Schedule{expr: s, sched: sched}, nil
}

// MustParse is Parse for expressions known to be valid (tests, constants).
func MustParse(expr string) Schedule {
	s, err := Parse(expr)
	if err != nil {
		panic(err)
	}
	return s
}

// Wrap adapts any cron.Schedule, e.g. a bounded one that stops producing
// occurrences. expr is only used for display.
func Wrap(expr string, sched cron.Schedule) Schedule {
	return Schedule{expr: expr, sched: sched}
}

func (s Schedule) String() string { return s.expr }

// IsZero reports whether s was never compiled.
func (s Schedule) IsZero() bool { return s.sched == nil }

// Next returns the smallest occurrence strictly after the given instant, in UTC.
// ok is false when the schedule can never fire again.
func (s Schedule) Next(after time.Time) (next time.Time, ok bool) {
	if s.sched == nil {
		return time.Time{}, false
	}
	n := s.sched.Next(after.UTC())
	if n.IsZero() {
		return time.Time{}, false
	}
	// Occurrences are whole seconds, so this only guards schedule
	// implementations that return the input instant itself.
	if !n.After(after) {
		return time.Time{}, false
	}
	return n.UTC(), true
}

// Upcoming returns up to n occurrences strictly after the given instant.
func (s Schedule) Upcoming(after time.Time, n int) []time.Time {
	out := make([]time.Time, 0, n)
	t := after
	for i := 0; i < n; i++ {
		next, ok := s.Next(t)
		if !ok {
			break
		}
		out = append(out, next)
		t = next
	}
	return out
}
