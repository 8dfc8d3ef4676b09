// Package app assembles the daemon: configuration, logging, the task group
// with its monitor, the history recorder and the scheduler service.
package app

import (
	"context"
	"fmt"
	"time"

	sdnotify "github.com/coreos/go-systemd/v22/daemon"

	"laned/internal/config"
	"laned/internal/engine"
	"laned/internal/eventbus"
	"laned/internal/history"
	"laned/internal/runtime/supervisor"
	"laned/internal/services/scheduler"
	logx "laned/pkg/logx"
)

type App struct {
	cfgMgr *config.Manager
	logSvc *logx.Service
	log    logx.Logger
	bus    eventbus.Bus

	group     *engine.Group
	engineCfg config.EngineConfig
	recorder  *history.Recorder
	ring      *history.Ring
	store     *history.Store
	scheduler *scheduler.Service
	sup       *supervisor.Supervisor
}

func New(cfgPath string) (*App, error) {
	mgr := config.NewManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	mgr.SetLogger(log.With(logx.String("component", "config")))
	mgr.SetValidator(func(_ context.Context, c *config.Config) error {
		return c.Validate()
	})

	return &App{
		cfgMgr: mgr,
		logSvc: logSvc,
		log:    log,
		bus:    eventbus.New(),
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgMgr.Get()

	groupName := cfg.Engine.Name
	if groupName == "" {
		groupName = "main"
	}
	lanes := make([]engine.LaneConfig, 0, len(cfg.Engine.Lanes))
	for _, lc := range cfg.Engine.Lanes {
		lanes = append(lanes, engine.LaneConfig{
			Priority: lc.Priority,
			Name:     lc.Name,
			Daemon:   lc.Daemon,
		})
	}
	a.engineCfg = cfg.Engine
	a.group = engine.NewGroup(engine.GroupConfig{
		Name:             groupName,
		Daemon:           cfg.Engine.Daemon,
		Lanes:            lanes,
		CreationTracking: cfg.Engine.CreationTracking,
		Logger:           a.log,
		Bus:              a.bus,
	})

	if cfg.Monitor.Enabled {
		interval, _ := config.ParseDurationOrDefault("monitor.interval", cfg.Monitor.Interval, 30*time.Second)
		threshold, _ := config.ParseDurationOrDefault("monitor.deadlocked_threshold", cfg.Monitor.DeadlockedThreshold, 5*time.Minute)
		a.group.StartMonitoring(engine.MonitorConfig{
			Interval:            interval,
			DeadlockedThreshold: threshold,
			Policy:              engine.DeadlockPolicy(cfg.Monitor.Policy),
			LogAllTasks:         cfg.Monitor.LogAllTasks,
		})
	}

	if cfg.History.Enabled {
		a.ring = history.NewRing(cfg.History.Size)
		if cfg.History.Path != "" {
			busy, _ := config.ParseDurationOrDefault("history.busy_timeout", cfg.History.BusyTimeout, 5*time.Second)
			store, err := history.OpenStore(history.StoreConfig{
				Path:        cfg.History.Path,
				BusyTimeout: busy,
			}, a.log)
			if err != nil {
				return fmt.Errorf("open history store: %w", err)
			}
			a.store = store
		}
		a.recorder = history.NewRecorder(a.ring, a.store, a.log)
		a.recorder.Start(ctx, a.bus)
	}

	a.scheduler = scheduler.New(cfg.Scheduler, a.group, a.log)
	if err := a.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log))
	a.sup.GoRestart("config.watch", func(ctx context.Context) error {
		return a.cfgMgr.Watch(ctx)
	})
	a.sup.Go0("config.apply", func(ctx context.Context) {
		updates := a.cfgMgr.Subscribe(4)
		defer a.cfgMgr.Unsubscribe(updates)
		for {
			select {
			case <-ctx.Done():
				return
			case next, ok := <-updates:
				if !ok {
					return
				}
				a.apply(ctx, next)
			}
		}
	})

	if sent, err := sdnotify.SdNotify(false, sdnotify.SdNotifyReady); err != nil {
		a.log.Debug("sd_notify unavailable", logx.Err(err))
	} else if sent {
		a.log.Debug("sd_notify ready sent")
	}

	a.log.Info("laned started", logx.Int("lanes", len(a.group.Lanes())))
	return nil
}

// apply handles a hot config reload. Logging, scheduler and creation-tracking
// settings swap in place; lane topology changes need a restart and are only
// logged.
func (a *App) apply(ctx context.Context, cfg *config.Config) {
	a.logSvc.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	if err := a.scheduler.Apply(ctx, cfg.Scheduler); err != nil {
		a.log.Warn("scheduler reload failed", logx.Err(err))
	}
	if cfg.Engine.CreationTracking != a.engineCfg.CreationTracking {
		a.group.SetCreationTracking(cfg.Engine.CreationTracking)
		a.engineCfg.CreationTracking = cfg.Engine.CreationTracking
	}
	if !engineConfigEqual(a.engineCfg, cfg.Engine) {
		a.log.Warn("engine lane topology changed; restart required to apply")
	}
	a.log.Info("configuration reloaded")
}

func engineConfigEqual(a, b config.EngineConfig) bool {
	if a.Name != b.Name || a.Daemon != b.Daemon {
		return false
	}
	if len(a.Lanes) != len(b.Lanes) {
		return false
	}
	for i := range a.Lanes {
		if a.Lanes[i] != b.Lanes[i] {
			return false
		}
	}
	return true
}

func (a *App) Stop(ctx context.Context) error {
	_, _ = sdnotify.SdNotify(false, sdnotify.SdNotifyStopping)

	if a.scheduler != nil {
		a.scheduler.Stop(ctx)
	}
	if a.group != nil {
		a.group.ShutDown(true)
	}
	if a.recorder != nil {
		a.recorder.Stop()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	var err error
	if a.sup != nil {
		err = a.sup.Stop(ctx)
	}
	a.log.Info("laned stopped")
	_ = a.logSvc.Close()
	return err
}

// Group exposes the task group for embedding callers.
func (a *App) Group() *engine.Group { return a.group }

// RecentRuns returns the newest completed-run records, in-memory first.
func (a *App) RecentRuns(n int) []history.Record {
	if a.ring == nil {
		return nil
	}
	return a.ring.Recent(n)
}
