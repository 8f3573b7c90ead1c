// Package app wires the daemon: configuration, logging, the scheduler
// tasks, the probe loop, the journal, alerts and systemd integration.
package app

import (
	"context"
	"fmt"
	"reflect"
	"sync/atomic"
	"time"

	sdnotify "github.com/coreos/go-systemd/v22/daemon"
	"github.com/robfig/cron/v3"

	"tickguard/internal/alert"
	"tickguard/internal/config"
	"tickguard/internal/eventbus"
	"tickguard/internal/history"
	"tickguard/internal/periodic"
	"tickguard/internal/runner"
	"tickguard/internal/runtime/supervisor"
	logx "tickguard/pkg/logx"
)

type App struct {
	cfgMgr *config.Manager
	logSvc *logx.Service
	log    logx.Logger

	bus   eventbus.Bus
	store history.Store
	tasks []*periodic.Task
	cr    *cron.Cron
	sup   *supervisor.Supervisor

	// startedTasks is the task list the running schedules were built from;
	// hot reloads diff against it because Watch commits before calling back.
	startedTasks []config.TaskConfig

	unsubs []func()

	// probesHealthy feeds the systemd watchdog pinger.
	probesHealthy atomic.Bool
}

// New loads the config and prepares logging. The rest of the wiring
// happens in Start.
func New(cfgPath string) (*App, error) {
	boot := logx.NewConsole("info")
	cfg, err := config.NewManager(cfgPath, boot).Parse()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logSvc, log := logx.New(cfg.LogxConfig())
	mgr := config.NewManager(cfgPath, log)
	if _, err := mgr.Load(); err != nil {
		logSvc.Close()
		return nil, fmt.Errorf("load config: %w", err)
	}
	return &App{
		cfgMgr: mgr,
		logSvc: logSvc,
		log:    log,
		bus:    eventbus.New(),
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgMgr.Get()
	a.sup = supervisor.New(ctx, a.log)

	store, err := history.Open(history.Config{
		Enabled:     cfg.History.Enabled,
		Path:        cfg.History.Path,
		BusyTimeout: cfg.BusyTimeoutOrDefault(time.Second),
		KeepDays:    cfg.History.KeepDays,
	}, a.log)
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	a.store = store

	// Journal consumer.
	rec := history.NewRecorder(store, a.log)
	recCh, unsub := a.bus.Subscribe(64)
	a.unsubs = append(a.unsubs, unsub)
	a.sup.Go0("history-recorder", func(ctx context.Context) { rec.Run(ctx, recCh) })

	// Alert consumer.
	if cfg.Alerts.Enabled {
		n, err := alert.New(alert.Config{
			Token:         cfg.Alerts.Token,
			ChatID:        cfg.Alerts.ChatID,
			RatePerMinute: cfg.Alerts.RatePerMinute,
		}, a.log)
		if err != nil {
			return fmt.Errorf("init alerts: %w", err)
		}
		alertCh, unsub := a.bus.Subscribe(32)
		a.unsubs = append(a.unsubs, unsub)
		a.sup.Go0("alert-notifier", func(ctx context.Context) { n.Run(ctx, alertCh) })
	}

	// Scheduler tasks.
	for _, tc := range cfg.Tasks {
		op, err := runner.New(runner.Config{
			Name:               tc.Name,
			Command:            tc.Command,
			WorkDir:            tc.WorkDir,
			IntervalFromOutput: tc.IntervalFromOutput,
		}, a.log)
		if err != nil {
			return fmt.Errorf("task %s: %w", tc.Name, err)
		}
		t := periodic.New(tc.Name, periodic.Config{
			WaitingPeriodSeconds: tc.WaitingPeriodSeconds,
		}, op, a.log, a.bus)
		if err := t.Start(); err != nil {
			// A failed start leaves the task in an indeterminate state the
			// operator must know about; abort the whole daemon start.
			return fmt.Errorf("start task %s: %w", tc.Name, err)
		}
		a.tasks = append(a.tasks, t)
	}
	a.startedTasks = append([]config.TaskConfig(nil), cfg.Tasks...)

	// Probe loop: the external supervisor role from the scheduler's point
	// of view. Driven by cron so the cadence is configurable.
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	a.cr = cron.New(cron.WithParser(parser))
	if _, err := a.cr.AddFunc(cfg.ProbeScheduleOrDefault(), a.probeAll); err != nil {
		return fmt.Errorf("probe schedule %q: %w", cfg.ProbeScheduleOrDefault(), err)
	}
	a.probesHealthy.Store(true)
	a.cr.Start()

	// Config hot reload: logging applies live, task changes on restart.
	a.sup.Go0("config-watch", func(ctx context.Context) {
		a.cfgMgr.Watch(ctx, a.applyConfig)
	})

	a.notifySystemd(cfg)

	a.log.Info("daemon started",
		logx.Int("tasks", len(a.tasks)),
		logx.String("probe_schedule", cfg.ProbeScheduleOrDefault()))
	return nil
}

// probeAll runs the health probe over every task. Any probe error marks
// the round unhealthy, which pauses watchdog petting until the next clean
// round.
func (a *App) probeAll() {
	ok := true
	for _, t := range a.tasks {
		if err := t.Probe(); err != nil {
			ok = false
			a.log.Warn("probe failed", logx.String("task", t.Name()), logx.Err(err))
		}
	}
	a.probesHealthy.Store(ok)
}

// notifySystemd reports readiness and, if the unit has WatchdogSec set,
// keeps petting the systemd watchdog while probes pass.
func (a *App) notifySystemd(cfg *config.Config) {
	if ack, err := sdnotify.SdNotify(false, sdnotify.SdNotifyReady); err != nil {
		a.log.Debug("sd_notify ready failed", logx.Err(err))
	} else if ack {
		a.log.Debug("systemd notified ready")
	}

	if !cfg.Probe.WatchdogNotify {
		return
	}
	interval, err := sdnotify.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		a.log.Debug("systemd watchdog not enabled", logx.Err(err))
		return
	}
	a.sup.Go0("sd-watchdog", func(ctx context.Context) {
		tick := time.NewTicker(interval / 2)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				if a.probesHealthy.Load() {
					_, _ = sdnotify.SdNotify(false, sdnotify.SdNotifyWatchdog)
				}
			}
		}
	})
}

func (a *App) applyConfig(cfg *config.Config) {
	a.logSvc.Apply(cfg.LogxConfig())

	if !reflect.DeepEqual(a.startedTasks, cfg.Tasks) {
		a.log.Info("task configuration changed; schedules are immutable during a run, restart to apply")
	}
}

// Stop tears the daemon down in dependency order: probe loop first so no
// reset races teardown, then tasks, then consumers and sinks.
func (a *App) Stop(ctx context.Context) error {
	_, _ = sdnotify.SdNotify(false, sdnotify.SdNotifyStopping)

	if a.cr != nil {
		select {
		case <-a.cr.Stop().Done():
		case <-ctx.Done():
		}
	}

	for _, t := range a.tasks {
		if err := t.Stop(); err != nil {
			a.log.Warn("task stop failed", logx.String("task", t.Name()), logx.Err(err))
		}
		t.Dispose()
	}

	for _, unsub := range a.unsubs {
		unsub()
	}

	var supErr error
	if a.sup != nil {
		supErr = a.sup.Stop(ctx)
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("journal close failed", logx.Err(err))
		}
	}
	if dropped := a.bus.Dropped(); dropped > 0 {
		a.log.Debug("events dropped during run", logx.Any("count", dropped))
	}

	a.log.Info("daemon stopped")
	_ = a.logSvc.Close()
	return supErr
}
