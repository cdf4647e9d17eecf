// Package dispatch performs the HTTP call for one due job occurrence.
//
// A dispatch is exactly one attempt. Every failure (bad status, transport
// error) is returned as an Outcome value; nothing is retried.
package dispatch

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"cronrunner/internal/jobs"
	logx "cronrunner/pkg/logx"
)

const (
	// SecretHeader carries the shared secret. User headers with this name are ignored.
	SecretHeader = "X-Cron-Secret"

	DefaultUserAgent = "cron-runner/1.0 (Go net/http)"
	DefaultTimeout   = 30 * time.Second

	// Response bodies are drained up to this size so keep-alive connections can be reused.
	maxDrain = 64 << 10
)

var ErrNoSecret = errors.New("dispatch: shared secret required")

type Config struct {
	Secret    string
	Timeout   time.Duration
	UserAgent string
}

type Dispatcher struct {
	cfg    Config
	client *http.Client
	log    logx.Logger
	now    func() time.Time
}

// New returns a dispatcher. client may be nil.
func New(cfg Config, client *http.Client, log logx.Logger) (*Dispatcher, error) {
	if cfg.Secret == "" {
		return nil, ErrNoSecret
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if strings.TrimSpace(cfg.UserAgent) == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if client == nil {
		client = &http.Client{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{cfg: cfg, client: client, log: log, now: time.Now}, nil
}

// Dispatch sends one request for job and classifies the result.
// scheduledAt is the occurrence being served; it is only recorded.
func (d *Dispatcher) Dispatch(ctx context.Context, job jobs.Job, scheduledAt time.Time) Outcome {
	start := d.now()
	out := Outcome{
		ID:          uuid.NewString(),
		JobIndex:    job.Index,
		Method:      job.Method,
		URL:         job.URL,
		ScheduledAt: scheduledAt,
	}
	finish := func() Outcome {
		out.At = d.now().UTC()
		out.Duration = out.At.Sub(start)
		return out
	}

	reqCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	req, err := d.NewRequest(reqCtx, job)
	if err != nil {
		out.Verdict, out.Kind, out.Error = VerdictFail, KindTransportError, err.Error()
		return finish()
	}

	resp, err := d.client.Do(req)
	if err != nil {
		out.Verdict, out.Kind, out.Error = VerdictFail, KindTransportError, err.Error()
		return finish()
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrain))
	_ = resp.Body.Close()

	out.Status = resp.StatusCode
	out.Verdict, out.Kind, out.Category = Classify(resp.StatusCode)
	return finish()
}

// NewRequest builds the outgoing request for job: method, payload policy
// and merged headers.
func (d *Dispatcher) NewRequest(ctx context.Context, job jobs.Job) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, job.Method, job.URL, payload(job))
	if err != nil {
		return nil, err
	}
	applyHeaders(req.Header, d.cfg.Secret, d.cfg.UserAgent, job.Headers)
	wireHeaders(req)
	return req, nil
}

// wireHeaders moves the headers net/http would otherwise drop onto the
// request itself. The transport ignores Header["Host"] and writes only the
// first User-Agent value.
func wireHeaders(req *http.Request) {
	if hosts := req.Header.Values("Host"); len(hosts) > 0 {
		req.Host = strings.TrimSpace(hosts[0])
		req.Header.Del("Host")
	}
	// Product tokens are space separated.
	if uas := req.Header.Values("User-Agent"); len(uas) > 1 {
		req.Header.Set("User-Agent", strings.Join(uas, " "))
	}
}

// payload implements the per-method body policy.
//
// GET/HEAD/OPTIONS/DELETE carry the body only when the job has one.
// POST/PUT/PATCH always carry a body frame: the job body, or an empty one
// (sent as Content-Length: 0).
func payload(job jobs.Job) io.Reader {
	if job.HasBody() {
		return strings.NewReader(*job.Body)
	}
	switch job.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return strings.NewReader("")
	default:
		return nil
	}
}

// applyHeaders sets the shared secret, then the user headers in order,
// then the default User-Agent if the user supplied none.
func applyHeaders(h http.Header, secret, userAgent string, headers []jobs.Header) {
	h.Set(SecretHeader, secret)
	hasUA := false
	for _, kv := range headers {
		if strings.EqualFold(kv.Name, SecretHeader) {
			continue
		}
		if strings.EqualFold(kv.Name, "User-Agent") {
			hasUA = true
		}
		h.Add(kv.Name, kv.Value)
	}
	if !hasUA {
		h.Set("User-Agent", userAgent)
	}
}
