// Package app wires configuration, logging, storage, transport and the
// services into one process with an ordered start and stop.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"postbot/internal/config"
	"postbot/internal/runtime/supervisor"
	"postbot/internal/services/dispatch"
	"postbot/internal/services/housekeeping"
	"postbot/internal/services/scheduler"
	"postbot/internal/services/web"
	"postbot/internal/storage"
	"postbot/internal/transport/telegram"
	logx "postbot/pkg/logx"
)

type App struct {
	cfgPath string
	cfgm    *config.Manager
	sup     *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	store storage.Store

	adapter *telegram.Adapter
	disp    *dispatch.Service
	sched   *scheduler.Service
	webSrv  *web.Service
	house   *housekeeping.Service
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	adapter, err := telegram.New(telegram.Config{
		Token:   cfg.Telegram.Token,
		Timeout: cfg.TelegramTimeout(),
		Offline: cfg.Telegram.Offline,
	}, logx.NewConsole("INFO").With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	// The channel sink needs a target before it is enabled, otherwise the
	// first Apply would warn about a missing destination. Bootstrap with it
	// off, set the target, then apply the final config.
	logCfg := cfg.LogConfig()
	bootCfg := logCfg
	bootCfg.Channel.Enabled = false
	logSvc, log := logx.New(bootCfg, adapter)
	log = log.With(logx.String("comp", "app"))
	if cfg.Logging.Channel.ChannelID != 0 {
		logSvc.SetChannelTarget(cfg.Logging.Channel.ChannelID)
	}
	logSvc.Apply(logCfg)

	store, err := storage.Open(cfg.StoreConfig(), log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	disp := dispatch.New(dispatch.Config{
		RatePerSec: cfg.Dispatch.RatePerSec,
	}, adapter, log.With(logx.String("comp", "dispatch")))

	evalInterval, err := config.ParseDurationOrDefault(
		"scheduler.eval_interval", cfg.Scheduler.EvalInterval, time.Minute)
	if err != nil {
		return nil, err
	}
	sched := scheduler.New(scheduler.Config{
		Workers:      cfg.Scheduler.Workers,
		QueueSize:    cfg.Scheduler.QueueSize,
		EvalInterval: evalInterval,
	}, store, disp, log)

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		store:   store,
		adapter: adapter,
		disp:    disp,
		sched:   sched,
	}

	if cfg.Web.Enabled {
		a.webSrv = web.New(webConfig(cfg), sched, disp, log)
	}
	if cfg.Housekeeping.Enabled {
		retain, err := config.ParseDurationField("housekeeping.retain_for", cfg.Housekeeping.RetainFor)
		if err != nil {
			return nil, err
		}
		a.house = housekeeping.New(housekeeping.Config{
			PurgeSchedule: cfg.Housekeeping.PurgeSchedule,
			RetainFor:     retain,
		}, store, log)
	}
	return a, nil
}

func webConfig(cfg *config.Config) web.Config {
	read, _ := config.ParseDurationOrDefault("web.read_timeout", cfg.Web.ReadTimeout, 10*time.Second)
	write, _ := config.ParseDurationOrDefault("web.write_timeout", cfg.Web.WriteTimeout, 30*time.Second)
	idle, _ := config.ParseDurationOrDefault("web.idle_timeout", cfg.Web.IdleTimeout, time.Minute)
	return web.Config{
		Addr:         cfg.Web.Addr,
		Token:        cfg.Web.Token,
		ReadTimeout:  read,
		WriteTimeout: write,
		IdleTimeout:  idle,
	}
}

// Done is closed when the run context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err reports the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log),
		supervisor.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	if err := a.sched.Start(a.sup.Context()); err != nil {
		return err
	}
	if a.webSrv != nil {
		if err := a.webSrv.Start(a.sup.Context()); err != nil {
			return err
		}
	}
	if a.house != nil {
		if err := a.house.Start(a.sup.Context()); err != nil {
			return err
		}
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

// reloadLoop applies hot-reloadable sections (logging) live and flags the
// sections that need a restart.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts; only the newest config matters.
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
					continue
				default:
				}
				break
			}

			sections, attrs := config.SummarizeChange(lastApplied, newCfg)
			lastApplied = newCfg
			if len(sections) == 0 {
				a.log.Debug("config reload received, no effective changes")
				continue
			}

			for _, s := range sections {
				switch s {
				case "logging":
					if newCfg.Logging.Channel.ChannelID != 0 {
						a.logs.SetChannelTarget(newCfg.Logging.Channel.ChannelID)
					} else {
						a.logs.SetChannelTarget(0)
					}
					a.logs.Apply(newCfg.LogConfig())
				case "telegram", "storage", "scheduler", "dispatch", "web", "housekeeping":
					a.log.Warn("config section changed, restart required to take effect",
						logx.String("section", s))
				}
			}

			fields := append([]logx.Field{
				logx.String("changed", strings.Join(sections, ","))}, attrs...)
			a.log.Info("config reloaded", fields...)
		}
	}
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}
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
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached, continuing",
				logx.String("name", name))
		}
	}

	step("web", 2*time.Second, func(c context.Context) error {
		if a.webSrv != nil {
			return a.webSrv.Stop(c)
		}
		return nil
	})
	step("housekeeping", 2*time.Second, func(c context.Context) error {
		if a.house != nil {
			return a.house.Stop(c)
		}
		return nil
	})
	step("scheduler", 3*time.Second, func(c context.Context) error { return a.sched.Stop(c) })
	step("dispatch", 2*time.Second, func(c context.Context) error { return a.disp.Stop(c) })
	step("storage", 1*time.Second, func(c context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	a.logs.Close()
	return nil
}
