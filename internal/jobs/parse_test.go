package jobs

import (
	"errors"
	"testing"
	"time"
)

var parseNow = time.Date(2026, 5, 4, 12, 0, 2, 300_000_000, time.UTC)

func TestParseScenario(t *testing.T) {
	t.Parallel()
	res := Parse("GET|https://x/a|*/5 * * * * *|;BOGUS;POST|https://x/b|*/10 * * * * *|ct:v|hi", parseNow)

	if len(res.Jobs) != 2 {
		t.Fatalf("jobs = %d, want 2 (dropped: %+v)", len(res.Jobs), res.Dropped)
	}
	if len(res.Dropped) != 1 || res.Dropped[0].Entry != "BOGUS" || res.Dropped[0].Reason != ReasonTooFewFields {
		t.Fatalf("dropped = %+v, want BOGUS with %q", res.Dropped, ReasonTooFewFields)
	}

	a, b := res.Jobs[0], res.Jobs[1]
	if a.Method != "GET" || a.URL != "https://x/a" || a.Index != 1 {
		t.Fatalf("job a = %+v", a)
	}
	if len(a.Headers) != 0 || a.HasBody() {
		t.Fatalf("job a headers=%v body=%v, want none", a.Headers, a.Body)
	}
	if !a.NextFire.Equal(time.Date(2026, 5, 4, 12, 0, 5, 0, time.UTC)) {
		t.Fatalf("job a NextFire = %s", a.NextFire)
	}

	if b.Method != "POST" || b.URL != "https://x/b" || b.Index != 2 {
		t.Fatalf("job b = %+v", b)
	}
	if len(b.Headers) != 1 || b.Headers[0] != (Header{Name: "ct", Value: "v"}) {
		t.Fatalf("job b headers = %+v", b.Headers)
	}
	if !b.HasBody() || *b.Body != "hi" {
		t.Fatalf("job b body = %v, want hi", b.Body)
	}
	if !b.NextFire.Equal(time.Date(2026, 5, 4, 12, 0, 10, 0, time.UTC)) {
		t.Fatalf("job b NextFire = %s", b.NextFire)
	}
}

func TestParseDropsEntriesIndependently(t *testing.T) {
	t.Parallel()
	good := []string{
		"get|https://x/1|* * * * *",
		"DELETE|https://x/2|0 */2 * * * *",
		"options|https://x/3|@daily",
	}
	bad := []struct {
		entry  string
		reason string
	}{
		{"FETCH|https://x/bad|* * * * *", ReasonBadMethod},
		{"GET|   |* * * * *", ReasonEmptyURL},
		{"GET|https://x/bad|every minute", ReasonBadCron},
		{"GET|https://x/bad|0 0 30 2 *", ReasonNeverFires},
		{"GET|https://x/bad", ReasonTooFewFields},
	}

	spec := good[0] + "\n" + bad[0].entry + "\r\n" + good[1] + ";" + bad[1].entry + ";" + bad[2].entry + ";;" + bad[3].entry + "\n" + good[2] + ";" + bad[4].entry
	res := Parse(spec, parseNow)

	if len(res.Jobs) != len(good) {
		t.Fatalf("jobs = %d, want %d (dropped %+v)", len(res.Jobs), len(good), res.Dropped)
	}
	wantURLs := []string{"https://x/1", "https://x/2", "https://x/3"}
	for i, j := range res.Jobs {
		if j.URL != wantURLs[i] {
			t.Fatalf("job[%d].URL = %s, want %s (order must be preserved)", i, j.URL, wantURLs[i])
		}
		if j.Index != i+1 {
			t.Fatalf("job[%d].Index = %d", i, j.Index)
		}
	}
	if res.Jobs[2].Method != "OPTIONS" {
		t.Fatalf("method not upper-cased: %s", res.Jobs[2].Method)
	}

	if len(res.Dropped) != len(bad) {
		t.Fatalf("dropped = %+v, want %d entries", res.Dropped, len(bad))
	}
	for i, d := range res.Dropped {
		if d.Reason != bad[i].reason {
			t.Fatalf("dropped[%d] = %+v, want reason %q", i, d, bad[i].reason)
		}
	}
}

func TestParseNextFireStrictlyAfterNow(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 5, 4, 12, 0, 5, 0, time.UTC) // exactly on an occurrence
	res := Parse("GET|https://x|*/5 * * * * *", now)
	if err := res.Err(); err != nil {
		t.Fatalf("Err = %v", err)
	}
	want := now.Add(5 * time.Second)
	if got := res.Jobs[0].NextFire; !got.Equal(want) {
		t.Fatalf("NextFire = %s, want %s", got, want)
	}
}

func TestParseBodyAndHeaderEdgeCases(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		entry   string
		headers []Header
		body    *string
	}{
		{
			name:    "body kept verbatim",
			entry:   "POST|https://x|* * * * *||  {\"a\":1}",
			headers: nil,
			body:    strPtr("  {\"a\":1}"),
		},
		{
			name:  "empty body normalized",
			entry: "PUT|https://x|* * * * *|a:b|",
			headers: []Header{
				{Name: "a", Value: "b"},
			},
		},
		{
			name:  "body keeps pipes",
			entry: "POST|https://x|* * * * *||a|b",
			body:  strPtr("a|b"),
		},
		{
			name:  "malformed pairs dropped individually",
			entry: "GET|https://x|* * * * *| X-A : 1 ,nocolon, :empty,X-A:2,Auth:Bearer a:b",
			headers: []Header{
				{Name: "X-A", Value: "1"},
				{Name: "X-A", Value: "2"},
				{Name: "Auth", Value: "Bearer a:b"},
			},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			res := Parse(tt.entry, parseNow)
			if len(res.Jobs) != 1 {
				t.Fatalf("jobs = %d (dropped %+v)", len(res.Jobs), res.Dropped)
			}
			j := res.Jobs[0]
			if len(j.Headers) != len(tt.headers) {
				t.Fatalf("headers = %+v, want %+v", j.Headers, tt.headers)
			}
			for i := range tt.headers {
				if j.Headers[i] != tt.headers[i] {
					t.Fatalf("headers[%d] = %+v, want %+v", i, j.Headers[i], tt.headers[i])
				}
			}
			switch {
			case tt.body == nil && j.Body != nil:
				t.Fatalf("body = %q, want none", *j.Body)
			case tt.body != nil && (j.Body == nil || *j.Body != *tt.body):
				t.Fatalf("body = %v, want %q", j.Body, *tt.body)
			}
		})
	}
}

func TestParseEmpty(t *testing.T) {
	t.Parallel()
	res := Parse(" ;\n\r; ", parseNow)
	if !errors.Is(res.Err(), ErrNoJobs) {
		t.Fatalf("Err = %v, want ErrNoJobs", res.Err())
	}
	if len(res.Dropped) != 0 {
		t.Fatalf("blank entries should not be reported: %+v", res.Dropped)
	}
}

func TestJobAdvance(t *testing.T) {
	t.Parallel()
	res := Parse("GET|https://x|*/10 * * * * *", parseNow)
	j := res.Jobs[0]
	first := j.NextFire
	if !j.Advance() {
		t.Fatal("Advance reported exhaustion")
	}
	if want := first.Add(10 * time.Second); !j.NextFire.Equal(want) {
		t.Fatalf("NextFire = %s, want %s", j.NextFire, want)
	}
	if j.Name() != "job#1" {
		t.Fatalf("Name = %s", j.Name())
	}
}

func strPtr(s string) *string { return &s }
