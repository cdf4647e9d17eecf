// Package app wires configuration, logging, the scheduler loop, the
// dispatch engine and the operator surfaces into one process.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"cronrunner/internal/alert/telegram"
	"cronrunner/internal/config"
	"cronrunner/internal/dispatch"
	"cronrunner/internal/eventbus"
	"cronrunner/internal/jobs"
	"cronrunner/internal/observability/debugsrv"
	"cronrunner/internal/report"
	rtsup "cronrunner/internal/runtime/supervisor"
	"cronrunner/internal/storage"
	"cronrunner/internal/task/engine"
	"cronrunner/internal/task/scheduler"
	logx "cronrunner/pkg/logx"
)

// Options are the process-level inputs. Zero values select the defaults.
type Options struct {
	// ConfigPath is the optional JSON/YAML config file.
	ConfigPath string
	// EnvFile is a dotenv file; empty means ./.env when present.
	EnvFile string

	Stdout     io.Writer
	Stderr     io.Writer
	HTTPClient *http.Client
	Now        func() time.Time
}

func (o Options) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

type App struct {
	cfgm *config.ConfigManager
	root logx.Logger
	log  logx.Logger
	logs *logx.Service
	bus  *eventbus.MemBus

	store  storage.Store
	disp   *dispatch.Dispatcher
	rep    *report.Service
	engine *engine.Service
	sched  *scheduler.Service
	alerts *telegram.Service
	debug  *debugsrv.Service
	sd     *sdNotifier

	jobs            []jobs.Job
	dispatchTimeout time.Duration

	sup       *rtsup.Supervisor
	exhausted atomic.Bool
}

// New loads configuration and builds every component. Any error is a
// startup failure.
func New(opts Options) (*App, error) {
	cfgm, cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}

	logs, root := logx.New(mapLoggingConfig(cfg))
	log := root.With(logx.String("comp", "app"))
	a := &App{cfgm: cfgm, root: root, log: log, logs: logs, bus: eventbus.New()}
	ok := false
	defer func() {
		if !ok {
			a.closeResources()
		}
	}()

	parsed := jobs.Parse(string(cfg.Jobs), opts.now())
	logDrops(log, parsed.Dropped)
	if err := parsed.Err(); err != nil {
		return nil, err
	}
	a.jobs = parsed.Jobs

	dcfg, err := mapDispatchConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.dispatchTimeout = dcfg.Timeout
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	if a.disp, err = dispatch.New(dcfg, client, root.With(logx.String("comp", "dispatch"))); err != nil {
		return nil, err
	}

	scfg, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	if a.store, err = storage.Open(scfg, root); err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	if a.store != nil {
		log.Info("outcome history enabled", logx.String("driver", scfg.Driver), logx.String("path", scfg.Path))
	}

	stdout, stderr := opts.Stdout, opts.Stderr
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}
	a.rep = report.New(root.With(logx.String("comp", "report")), a.bus, a.store, report.WithWriters(stdout, stderr))

	a.engine = engine.New(mapEngineConfig(cfg), root.With(logx.String("comp", "engine")), a.bus)

	var submit scheduler.Submitter = scheduler.InlineSubmitter(a.dispatchOne)
	if a.engine.Enabled() {
		submit = scheduler.EngineSubmitter{
			Engine:   a.engine,
			Run:      a.dispatchOne,
			// room for draining the response and reporting
			Timeout:  a.dispatchTimeout + time.Second,
			Rejected: a.reportFailure(dispatch.KindNotDispatched),
			Panicked: a.reportFailure(dispatch.KindTransportError),
		}
	}
	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	if a.sched, err = scheduler.New(schedCfg, a.jobs, submit, root.With(logx.String("comp", "scheduler")), a.bus); err != nil {
		return nil, err
	}

	a.alerts = telegram.New(mapAlertConfig(cfg), root.With(logx.String("comp", "alerts")), a.bus)
	a.debug = debugsrv.New(debugsrv.Config{}, a.debugSources(), root)
	a.sd = newSDNotifier(cfg.Systemd.Notify, root.With(logx.String("comp", "systemd")))

	ok = true
	return a, nil
}

// loadConfig reads .env, the config file and the environment, and checks
// the inputs the runner cannot start without.
func loadConfig(opts Options) (*config.ConfigManager, *config.Config, error) {
	if err := config.LoadDotEnv(opts.EnvFile, opts.EnvFile != ""); err != nil {
		return nil, nil, err
	}
	cfgm := config.NewConfigManager(opts.ConfigPath)
	cfgm.SetOverlay(func(c *config.Config) { config.ApplyEnv(c, os.Getenv) })
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("config: %w", err)
	}
	if err := config.RequireRuntime(cfg); err != nil {
		return nil, nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, nil, fmt.Errorf("config: %w", err)
	}
	return cfgm, cfg, nil
}

func logDrops(log logx.Logger, drops []jobs.Drop) {
	for _, d := range drops {
		log.Warn("job entry dropped", logx.String("entry", d.Entry), logx.String("reason", d.Reason))
	}
}

// dispatchOne is the unit of work for one due occurrence.
func (a *App) dispatchOne(ctx context.Context, job jobs.Job, occurrence time.Time) error {
	o := a.disp.Dispatch(ctx, job, occurrence)
	a.rep.Report(ctx, o)
	if !o.OK() {
		return errors.New(o.Detail())
	}
	return nil
}

func (a *App) reportFailure(kind dispatch.Kind) func(jobs.Job, time.Time, error) {
	return func(job jobs.Job, occurrence time.Time, err error) {
		a.rep.Report(context.Background(), dispatch.Failure(job, occurrence, kind, err))
	}
}

func (a *App) debugSources() debugsrv.Sources {
	return debugsrv.Sources{
		Schedule: func() any { return a.sched.Snapshot() },
		Engine:   func() any { return a.engine.Snapshot() },
		Alerts:   func() any { return a.alerts.Stats() },
		Runtime:  func() any { return a.runtimeSnapshot() },
		Outcomes: func(ctx context.Context, limit int) (any, error) {
			if a.store == nil {
				return nil, storage.ErrDisabled
			}
			return a.store.RecentOutcomes(ctx, limit)
		},
	}
}

type runtimeSnapshot struct {
	App        rtsup.Snapshot  `json:"app"`
	Engine     *rtsup.Snapshot `json:"engine,omitempty"`
	BusDropped uint64          `json:"bus_dropped"`
}

func (a *App) runtimeSnapshot() runtimeSnapshot {
	var rs runtimeSnapshot
	if a.sup != nil {
		rs.App = a.sup.Snapshot()
	}
	if es := a.engine.Supervisor(); es != nil {
		s := es.Snapshot()
		rs.Engine = &s
	}
	rs.BusDropped = a.bus.Dropped()
	return rs
}

// Jobs returns the accepted jobs in specification order.
func (a *App) Jobs() []jobs.Job { return append([]jobs.Job(nil), a.jobs...) }

// Done is closed when the app context is canceled: fatal error, Stop, or
// every schedule exhausted.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error seen by the app supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Exhausted reports whether the app ended because no job can fire again.
func (a *App) Exhausted() bool { return a.exhausted.Load() }

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	run := a.sup.Context()

	a.cfgm.SetLogger(a.root.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if err := config.Validate(cfg); err != nil {
			return err
		}
		_, err := mapDebugConfig(cfg)
		return err
	})

	a.engine.Start(run)
	a.alerts.Start(run)
	if dcfg, err := mapDebugConfig(a.cfgm.Get()); err != nil {
		a.log.Warn("debug server config invalid", logx.Err(err))
	} else if err := a.debug.Reconfigure(run, dcfg); err != nil {
		// operator surface only; the runner keeps going
		a.log.Warn("debug server not started", logx.Err(err))
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Trace("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	a.sup.Go("scheduler.loop", func(c context.Context) error {
		err := a.sched.Run(c)
		switch {
		case errors.Is(err, scheduler.ErrNoActiveJobs):
			a.log.Info("every job schedule is exhausted; finishing in-flight dispatches")
			dctx, cancel := context.WithTimeout(c, a.dispatchTimeout+time.Second)
			if derr := a.engine.Drain(dctx); derr != nil {
				a.log.Warn("drain incomplete", logx.Err(derr))
			}
			cancel()
			a.exhausted.Store(true)
			a.sup.Cancel()
			return nil
		case c.Err() != nil:
			return nil
		default:
			return err
		}
	})

	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go0("systemd.watchdog", a.sd.Watchdog)

	a.sd.Ready()
	a.log.Info("cron runner started",
		logx.Int("jobs", len(a.jobs)),
		logx.Bool("engine", a.engine.Enabled()),
		logx.String("config", a.cfgm.Path()),
	)
	return nil
}

// reloadLoop applies hot-reloadable sections: logging, alerts, debug.
func (a *App) reloadLoop(c context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-c.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// coalesce bursts
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					drained = true
				}
			}
			a.applyConfig(c, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	ch := config.SummarizeConfigChange(oldCfg, newCfg)
	if ch.Empty() {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	if len(ch.Ignored) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.String("sections", strings.Join(ch.Ignored, ",")))
	}

	for _, s := range ch.Applied {
		switch s {
		case "logging":
			a.logs.Apply(mapLoggingConfig(newCfg))
		case "alerts":
			a.alerts.Apply(mapAlertConfig(newCfg))
		case "debug":
			dcfg, err := mapDebugConfig(newCfg)
			if err == nil {
				err = a.debug.Reconfigure(ctx, dcfg)
			}
			if err != nil {
				a.log.Warn("debug server reconfigure failed", logx.Err(err))
			}
		}
	}

	a.bus.Publish(eventbus.Event{Type: eventbus.TopicConfigReloaded, Time: time.Now(), Data: ch.Applied})
	fields := append([]logx.Field{logx.String("changed", strings.Join(ch.Applied, ","))}, ch.Attrs...)
	a.log.Info("config reloaded", fields...)
}

// Stop shuts components down in dependency order, each step bounded.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeResources()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.Stopping()
	a.sup.Cancel()

	a.step(ctx, "engine", 3*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	a.step(ctx, "alerts", time.Second, func(c context.Context) error { a.alerts.Stop(c); return nil })
	a.step(ctx, "debug", time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	if n := a.bus.Dropped(); n > 0 {
		a.log.Debug("event bus dropped events", logx.Uint64("dropped", n))
	}
	a.log.Info("stopped", logx.String("reason", string(reason)))
	a.closeResources()
	return nil
}

func (a *App) closeResources() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close", logx.Err(err))
		}
		a.store = nil
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
}

// step runs fn bounded by max and the caller's deadline. fn must honour its
// context; a step that overruns is logged and left behind.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
	}
}
