// Package jobs parses job specifications into scheduled HTTP jobs.
//
// A specification holds entries separated by ';', '\n' or '\r':
//
//	METHOD|URL|CRON|[HEADERS]|[BODY]
//
// HEADERS is "k1:v1,k2:v2". Malformed entries are dropped individually;
// the drop reasons are returned so callers can decide how loud to be.
package jobs

import (
	"errors"
	"strings"
	"time"

	"cronrunner/internal/task/cronexpr"
)

// ErrNoJobs is returned when a specification yields no valid job.
var ErrNoJobs = errors.New("no valid jobs parsed from job specification")

// Drop reasons.
const (
	ReasonTooFewFields = "fewer than 3 fields"
	ReasonBadMethod    = "unsupported method"
	ReasonEmptyURL     = "empty url"
	ReasonBadCron      = "invalid cron expression"
	ReasonNeverFires   = "schedule has no future occurrence"
)

// Drop records one rejected entry.
type Drop struct {
	Entry  string
	Reason string
}

// ParseResult holds the accepted jobs (in spec order) and the rejected entries.
type ParseResult struct {
	Jobs    []Job
	Dropped []Drop
}

// Err returns ErrNoJobs when nothing was accepted.
func (r ParseResult) Err() error {
	if len(r.Jobs) == 0 {
		return ErrNoJobs
	}
	return nil
}

// Parse parses raw into jobs whose NextFire is the first occurrence
// strictly after now.
func Parse(raw string, now time.Time) ParseResult {
	var res ParseResult
	for _, entry := range splitEntries(raw) {
		j, reason := parseEntry(entry, now)
		if reason != "" {
			res.Dropped = append(res.Dropped, Drop{Entry: entry, Reason: reason})
			continue
		}
		j.Index = len(res.Jobs) + 1
		res.Jobs = append(res.Jobs, j)
	}
	return res
}

func splitEntries(raw string) []string {
	parts := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ';' || r == '\n' || r == '\r'
	})
	out := parts[:0]
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseEntry(entry string, now time.Time) (Job, string) {
	parts := strings.SplitN(entry, "|", 5)
	if len(parts) < 3 {
		return Job{}, ReasonTooFewFields
	}

	method := strings.ToUpper(strings.TrimSpace(parts[0]))
	if _, ok := allowedMethods[method]; !ok {
		return Job{}, ReasonBadMethod
	}

	url := strings.TrimSpace(parts[1])
	if url == "" {
		return Job{}, ReasonEmptyURL
	}

	spec := strings.TrimSpace(parts[2])
	sched, err := cronexpr.Parse(spec)
	if err != nil {
		return Job{}, ReasonBadCron
	}

	var headers []Header
	if len(parts) >= 4 {
		headers = ParseHeaders(parts[3])
	}

	var body *string
	if len(parts) == 5 && parts[4] != "" {
		b := parts[4]
		body = &b
	}

	next, ok := sched.Next(now)
	if !ok {
		return Job{}, ReasonNeverFires
	}

	return Job{
		Method:   method,
		URL:      url,
		Spec:     spec,
		Schedule: sched,
		NextFire: next,
		Headers:  headers,
		Body:     body,
	}, ""
}

// ParseHeaders parses "k1:v1,k2:v2". Pairs without a colon or with an
// empty key are skipped.
func ParseHeaders(s string) []Header {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var out []Header
	for _, pair := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(pair, ":")
		if !ok {
			continue
		}
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		out = append(out, Header{Name: k, Value: strings.TrimSpace(v)})
	}
	return out
}
