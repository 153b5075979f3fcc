// Package core wires the daemon together: config, logging, storage, the
// platform client, the poll scheduler, the dispatcher and the control API,
// all supervised with restart backoff.
package core

import (
	"context"
	"fmt"
	"time"

	"xnotifyd/internal/api"
	"xnotifyd/internal/config"
	"xnotifyd/internal/dispatch"
	"xnotifyd/internal/eventbus"
	"xnotifyd/internal/platform"
	"xnotifyd/internal/poll"
	"xnotifyd/internal/runtime/supervisor"
	"xnotifyd/internal/store"
	"xnotifyd/internal/txid"
	"xnotifyd/pkg/logx"
)

type App struct {
	cfg    *config.Config
	logSvc *logx.Service
	log    logx.Logger
	bus    eventbus.Bus

	store      *store.Store
	tokens     *txid.Generator
	client     *platform.Client
	scheduler  *poll.Scheduler
	dispatcher *dispatch.Service
	server     *api.Server

	sup *supervisor.Supervisor
}

func NewApp(cfgPath string) (*App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}

	logCfg := logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console == nil || *cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
	logSvc, log := logx.New(logCfg)
	log = log.With(logx.String("comp", "app"))

	a := &App{cfg: cfg, logSvc: logSvc, log: log, bus: eventbus.New()}
	if err := a.build(); err != nil {
		logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build() error {
	cfg := a.cfg

	st, err := store.Open(store.Config{Path: cfg.DBPath}, a.log.With(logx.String("comp", "store")))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	a.store = st

	pc, err := platformConfig(cfg)
	if err != nil {
		return err
	}
	rawTTL := ""
	if cfg.Platform != nil {
		rawTTL = cfg.Platform.KeyTTL
	}
	keyTTL, err := config.ParseDurationOrDefault("platform.key_ttl", rawTTL, 12*time.Hour)
	if err != nil {
		return err
	}
	fetcher := platform.NewFetcher(pc.Timeout)
	a.tokens = txid.New(txid.Config{BaseURL: pc.BaseURL, TTL: keyTTL}, fetcher,
		a.log.With(logx.String("comp", "txid")))
	a.client = platform.NewClient(pc, a.tokens, a.log.With(logx.String("comp", "platform")))

	dc, err := dispatchConfig(cfg)
	if err != nil {
		return err
	}
	a.dispatcher = dispatch.New(dc, st, a.bus, a.log)

	interval, err := cfg.PollIntervalDuration()
	if err != nil {
		return err
	}
	a.scheduler = poll.NewScheduler(poll.Config{
		Interval:      interval,
		MaxConcurrent: cfg.MaxConcurrent,
	}, st, a.client, a.dispatcher, a.bus, a.log)

	ac, err := apiConfig(cfg)
	if err != nil {
		return err
	}
	a.server = api.NewServer(ac, st, a.scheduler, a.tokens, a.log)
	return nil
}

// Start brings up the supervised loops. It returns once everything is
// running; use Done to wait for a fatal error or cancellation.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.NewSupervisor(ctx,
		supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))))

	if err := a.scheduler.Load(a.sup.Context()); err != nil {
		return fmt.Errorf("load targets: %w", err)
	}

	a.server.SetRuntimeInfo(func() any { return a.sup.Snapshot() })

	a.sup.GoRestart("dispatch.run", a.dispatcher.Run,
		supervisor.WithRestartBackoff(time.Second, 30*time.Second))
	a.sup.GoRestart("poll.run", a.scheduler.Run,
		supervisor.WithRestartBackoff(time.Second, 30*time.Second))
	a.sup.GoRestart("api.serve", a.server.Run,
		supervisor.WithRestartBackoff(time.Second, 30*time.Second),
		supervisor.WithFatalOnFinalError(true))

	a.sup.Go0("eventbus.log", func(c context.Context) {
		ch, cancel := a.bus.Subscribe(64)
		defer cancel()
		for {
			select {
			case <-c.Done():
				return
			case ev := <-ch:
				a.log.Debug("event", logx.String("type", ev.Type), logx.Any("data", ev.Data))
			}
		}
	})

	interval, _ := a.cfg.PollIntervalDuration()
	a.log.Info("started",
		logx.String("listen", a.cfg.ListenAddr),
		logx.String("db", a.cfg.DBPath),
		logx.Duration("poll_interval", interval),
		logx.Int("max_concurrent", a.cfg.MaxConcurrent))
	return nil
}

// Done closes when the supervisor tree stops.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return a.sup.Context().Done()
}

// Stop cancels the tree, waits for loops to drain, then closes storage and
// log sinks. Bounded: a stuck loop does not hang shutdown forever.
func (a *App) Stop(ctx context.Context) error {
	var firstErr error
	if a.sup != nil {
		a.sup.Cancel()
		waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := a.sup.Wait(waitCtx); err != nil && firstErr == nil {
			firstErr = err
		}
		cancel()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	a.log.Info("stopped")
	if a.logSvc != nil {
		a.logSvc.Close()
	}
	return firstErr
}

func platformConfig(cfg *config.Config) (platform.Config, error) {
	pc := platform.Config{}
	p := cfg.Platform
	if p == nil {
		return pc, nil
	}
	pc.BaseURL = p.BaseURL
	pc.RatePerSec = p.RatePerSec
	var err error
	if pc.Timeout, err = config.ParseDurationOrDefault("platform.timeout", p.Timeout, 0); err != nil {
		return pc, err
	}
	return pc, nil
}

func dispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	dc := dispatch.Config{}
	d := cfg.Dispatch
	if d == nil {
		return dc, nil
	}
	dc.Workers = d.Workers
	dc.QueueSize = d.QueueSize
	dc.MaxAttempts = d.MaxAttempts
	var err error
	if dc.RetryBase, err = config.ParseDurationOrDefault("dispatch.retry_base", d.RetryBase, 0); err != nil {
		return dc, err
	}
	if dc.RetryMaxDelay, err = config.ParseDurationOrDefault("dispatch.retry_max_delay", d.RetryMaxDelay, 0); err != nil {
		return dc, err
	}
	if dc.Timeout, err = config.ParseDurationOrDefault("dispatch.timeout", d.Timeout, 0); err != nil {
		return dc, err
	}
	return dc, nil
}

func apiConfig(cfg *config.Config) (api.Config, error) {
	ac := api.Config{ListenAddr: cfg.ListenAddr}
	if p := cfg.API; p != nil {
		ac.WriteLimit = p.WriteLimit
		var err error
		if ac.WriteWindow, err = config.ParseDurationOrDefault("api.write_window", p.WriteWindow, 0); err != nil {
			return ac, err
		}
	}
	return ac, nil
}
