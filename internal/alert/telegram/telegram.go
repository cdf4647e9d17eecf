// Package telegram sends operator alerts for failed dispatches and retired
// jobs to a Telegram chat.
//
// Alerts are driven by the event bus and go through a small queue with a
// token-bucket limiter, so a burst of failures never blocks the dispatch
// path; overflow is dropped and counted.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"cronrunner/internal/dispatch"
	"cronrunner/internal/eventbus"
	rtsup "cronrunner/internal/runtime/supervisor"
	"cronrunner/internal/task/scheduler"
	logx "cronrunner/pkg/logx"
)

const (
	defaultQueueSize = 64
	defaultRate      = 1.0
	sendTimeout      = 10 * time.Second
	// Telegram rejects longer messages.
	maxText = 4096
	// The sender is abandoned after this many crashes.
	maxSendRestarts = 10
)

var ErrNoTarget = errors.New("telegram alerts need token and chat_id")

type Config struct {
	Enabled      bool
	Token        string
	ChatID       int64
	ThreadID     int
	RatePerSec   float64
	QueueSize    int
	OnlyFailures bool
}

// Sender delivers one alert text.
type Sender interface {
	Send(ctx context.Context, text string) error
}

type botSender struct {
	bot      *tele.Bot
	chat     *tele.Chat
	threadID int
}

// NewBotSender builds a Sender on telebot. The bot is created offline, so
// no request is made until the first Send.
func NewBotSender(token string, chatID int64, threadID int) (Sender, error) {
	if strings.TrimSpace(token) == "" || chatID == 0 {
		return nil, ErrNoTarget
	}
	b, err := tele.NewBot(tele.Settings{Token: token, Offline: true})
	if err != nil {
		return nil, err
	}
	return &botSender{bot: b, chat: &tele.Chat{ID: chatID}, threadID: threadID}, nil
}

func (b *botSender) Send(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := b.bot.Send(b.chat, text, &tele.SendOptions{
		ThreadID:              b.threadID,
		DisableWebPagePreview: true,
	})
	return err
}

type Stats struct {
	Enabled bool   `json:"enabled"`
	Queued  int    `json:"queued"`
	Sent    uint64 `json:"sent"`
	Failed  uint64 `json:"failed"`
	Dropped uint64 `json:"dropped"`
}

type Service struct {
	mu      sync.Mutex
	cfg     Config
	sender  Sender
	limiter *rate.Limiter
	log     logx.Logger
	bus     eventbus.Bus

	// newSender is swapped in tests.
	newSender func(Config) (Sender, error)

	queue chan string
	sup   *rtsup.Supervisor

	sent, failed, dropped atomic.Uint64
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	return newService(cfg, log, bus, func(c Config) (Sender, error) {
		return NewBotSender(c.Token, c.ChatID, c.ThreadID)
	})
}

// NewWithSender uses sender for every alert regardless of token settings.
func NewWithSender(cfg Config, sender Sender, log logx.Logger, bus eventbus.Bus) *Service {
	return newService(cfg, log, bus, func(Config) (Sender, error) { return sender, nil })
}

func newService(cfg Config, log logx.Logger, bus eventbus.Bus, newSender func(Config) (Sender, error)) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{log: log, bus: bus, newSender: newSender}
	s.Apply(cfg)
	return s
}

// Apply swaps the configuration. A bad token or chat disables sending
// until the next Apply; it is logged, not returned.
func (s *Service) Apply(cfg Config) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = defaultRate
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	var sender Sender
	if cfg.Enabled {
		var err error
		if sender, err = s.newSender(cfg); err != nil {
			s.log.Warn("telegram alerts disabled", logx.Err(err))
			sender = nil
		}
	}

	burst := int(cfg.RatePerSec)
	if burst < 1 {
		burst = 1
	}
	s.mu.Lock()
	s.cfg = cfg
	s.sender = sender
	if s.limiter == nil {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	} else {
		s.limiter.SetLimit(rate.Limit(cfg.RatePerSec))
		s.limiter.SetBurst(burst)
	}
	s.mu.Unlock()
}

// Start subscribes to the bus and runs the sender loop until ctx is done
// or Stop is called.
func (s *Service) Start(ctx context.Context) {
	if s.bus == nil {
		return
	}
	s.mu.Lock()
	if s.sup != nil {
		s.mu.Unlock()
		return
	}
	s.queue = make(chan string, s.cfg.QueueSize)
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	sup, queue := s.sup, s.queue
	s.mu.Unlock()

	events, unsub := s.bus.Subscribe(256)
	sup.Go0("alerts.consume", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				if text, ok := s.render(e); ok {
					s.enqueue(queue, text)
				}
			}
		}
	})
	sup.GoRestart("alerts.send", func(c context.Context) error {
		for {
			select {
			case <-c.Done():
				return nil
			case text := <-queue:
				s.send(c, text)
			}
		}
	}, rtsup.WithRestartBackoff(time.Second, time.Minute), rtsup.WithMaxRestarts(maxSendRestarts), rtsup.WithPublishFirstError(true))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	if err := sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("alerts stop", logx.Err(err))
	}
}

func (s *Service) Stats() Stats {
	s.mu.Lock()
	st := Stats{Enabled: s.cfg.Enabled && s.sender != nil}
	if s.queue != nil {
		st.Queued = len(s.queue)
	}
	s.mu.Unlock()
	st.Sent, st.Failed, st.Dropped = s.sent.Load(), s.failed.Load(), s.dropped.Load()
	return st
}

// render decides whether e is alert-worthy under the current config.
func (s *Service) render(e eventbus.Event) (string, bool) {
	s.mu.Lock()
	cfg, active := s.cfg, s.sender != nil
	s.mu.Unlock()
	if !active {
		return "", false
	}
	switch e.Type {
	case eventbus.TopicOutcome:
		o, ok := e.Data.(dispatch.Outcome)
		if !ok || (o.OK() && cfg.OnlyFailures) {
			return "", false
		}
		return FormatOutcome(o), true
	case eventbus.TopicJobRetired:
		ev, ok := e.Data.(scheduler.JobEvent)
		if !ok {
			return "", false
		}
		return FormatRetired(ev), true
	}
	return "", false
}

func (s *Service) enqueue(queue chan string, text string) {
	select {
	case queue <- text:
	default:
		if n := s.dropped.Add(1); n == 1 || n%100 == 0 {
			s.log.Warn("alert dropped: queue full", logx.Uint64("dropped", n))
		}
	}
}

func (s *Service) send(ctx context.Context, text string) {
	s.mu.Lock()
	sender, lim := s.sender, s.limiter
	s.mu.Unlock()
	if sender == nil {
		return
	}
	if err := lim.Wait(ctx); err != nil {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	if err := sender.Send(cctx, text); err != nil {
		s.failed.Add(1)
		s.log.Warn("alert send failed", logx.Err(err))
		return
	}
	s.sent.Add(1)
}

// FormatOutcome renders the alert text for one outcome.
func FormatOutcome(o dispatch.Outcome) string {
	icon := "✅"
	if !o.OK() {
		icon = "🚨"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s job#%d\n", icon, o.Verdict, o.JobIndex)
	fmt.Fprintf(&b, "%s %s\n", o.Method, o.URL)
	fmt.Fprintf(&b, "%s\n", o.Detail())
	fmt.Fprintf(&b, "scheduled %s, took %s", o.ScheduledAt.UTC().Format(time.RFC3339), o.Duration.Round(time.Millisecond))
	return truncate(b.String())
}

func FormatRetired(ev scheduler.JobEvent) string {
	return truncate(fmt.Sprintf("⚠️ %s retired: schedule has no further occurrence\n%s %s\nlast %s",
		ev.Name, ev.Method, ev.URL, ev.Occurrence.UTC().Format(time.RFC3339)))
}

func truncate(s string) string {
	r := []rune(s)
	if len(r) <= maxText {
		return s
	}
	return string(r[:maxText-1]) + "…"
}
