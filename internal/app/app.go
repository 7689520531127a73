// Package app wires the service together: config, logging, storage,
// transport, the trigger engine, and the HTTP API.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"sendlater/internal/config"
	"sendlater/internal/eventbus"
	"sendlater/internal/httpapi"
	"sendlater/internal/media"
	"sendlater/internal/receipts"
	"sendlater/internal/schedule"
	"sendlater/internal/send"
	"sendlater/internal/store"
	"sendlater/internal/transport/telegram"
	logx "sendlater/pkg/logx"
)

const sweepTriggerID = "media.sweep"

type App struct {
	cfgm *config.Manager

	log  logx.Logger
	logs *logx.Service

	bus eventbus.Bus
	st  store.Store

	client *telegram.Adapter
	sender *send.Service

	rt      schedule.Runtime
	engine  *schedule.Engine
	rec     *receipts.Recorder
	sweeper *media.Sweeper

	httpSrv *http.Server

	runCtx context.Context
	cancel context.CancelFunc
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	bus := eventbus.New()

	busyTimeout, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(store.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	loc := time.Local
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		loc, err = time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	client, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.ResolveToken(),
		PollTimeout: pollTimeout,
		RatePerSec:  cfg.Telegram.RatePerSec,
	}, bus, log.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	sender := send.New(st, client, log.With(logx.String("comp", "send")))

	rt := schedule.NewRuntime(loc, log.With(logx.String("comp", "runtime")))
	engine := schedule.NewEngine(st, rt, sender.FireScheduled, loc, bus, log.With(logx.String("comp", "engine")))

	rec := receipts.NewRecorder(st, bus, log.With(logx.String("comp", "receipts")))

	uploadsDir := strings.TrimSpace(cfg.Uploads.Dir)
	if uploadsDir == "" {
		uploadsDir = "./uploads"
	}
	sweeper := media.NewSweeper(uploadsDir, st, log.With(logx.String("comp", "media")))

	api := httpapi.NewServer(st, engine, sender, uploadsDir, httpapi.HeaderIdentity, log.With(logx.String("comp", "http")))
	addr := strings.TrimSpace(cfg.HTTP.Addr)
	if addr == "" {
		addr = "127.0.0.1:3001"
	}

	return &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		st:      st,
		client:  client,
		sender:  sender,
		rt:      rt,
		engine:  engine,
		rec:     rec,
		sweeper: sweeper,
		httpSrv: &http.Server{Addr: addr, Handler: api.Router()},
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.runCtx, a.cancel = runCtx, cancel

	a.rec.Start(runCtx)

	// The orphan sweep is just another trigger in the runtime.
	sweepAt := strings.TrimSpace(a.cfgm.Get().Uploads.SweepAt)
	if sweepAt == "" {
		sweepAt = "00:00"
	}
	hour, minute, err := config.ParseHHMM(sweepAt)
	if err != nil {
		return fmt.Errorf("uploads.sweep_at: %w", err)
	}
	if err := a.rt.AddCron(sweepTriggerID, fmt.Sprintf("%d %d * * *", minute, hour), func() {
		if err := a.sweeper.Sweep(context.Background()); err != nil {
			a.log.Warn("attachment sweep failed", logx.Err(err))
		}
	}); err != nil {
		return err
	}

	a.rt.Start()

	if err := a.engine.Recover(runCtx); err != nil {
		return err
	}

	go func() {
		a.log.Info("http api listening", logx.String("addr", a.httpSrv.Addr))
		if err := a.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("http server exited", logx.Err(err))
			a.cancel()
		}
	}()

	// Hot reload: only logging changes apply live; everything else needs a
	// restart and is logged as such.
	sub := a.cfgm.Subscribe(8)
	go func() {
		for {
			select {
			case <-runCtx.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				a.logs.Apply(logx.Config{
					Level:   newCfg.Logging.Level,
					Console: newCfg.Logging.Console,
					File: logx.FileConfig{
						Enabled: newCfg.Logging.File.Enabled,
						Path:    newCfg.Logging.File.Path,
					},
				})
				a.log.Info("config reloaded")
			}
		}
	}()
	go func() {
		if err := a.cfgm.Watch(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("config watcher stopped", logx.Err(err))
		}
	}()

	a.log.Info("app started")
	return nil
}

// Done is closed when the app's run context ends (Stop or a fatal HTTP
// server error).
func (a *App) Done() <-chan struct{} {
	if a.runCtx == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.runCtx.Done()
}

func (a *App) Stop(ctx context.Context) error {
	a.log.Info("stopping")
	if a.cancel != nil {
		a.cancel()
	}

	if err := a.httpSrv.Shutdown(ctx); err != nil {
		a.log.Warn("http shutdown", logx.Err(err))
	}
	a.rt.Stop(ctx)
	a.rec.Stop()
	if err := a.st.Close(); err != nil {
		a.log.Warn("storage close", logx.Err(err))
	}
	_ = a.logs.Close()
	return nil
}
