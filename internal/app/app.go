// Package app wires the components together and owns the process lifecycle:
// build everything in NewApp, spawn the supervised loops in Start, unwind in
// bounded steps in Stop.
package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/robfig/cron/v3"

	"slotwatch/internal/api"
	"slotwatch/internal/bot"
	"slotwatch/internal/config"
	"slotwatch/internal/delivery"
	"slotwatch/internal/notify"
	"slotwatch/internal/runtime/supervisor"
	"slotwatch/internal/scraper"
	"slotwatch/internal/store"
	"slotwatch/internal/telegram"
	"slotwatch/pkg/logx"
)

type App struct {
	cfgPath string
	cfg     *config.Config

	log  logx.Logger
	logs *logx.Service
	sup  *supervisor.Supervisor

	db         *store.Store
	gw         *telegram.Gateway
	state      *delivery.State
	mgr        *delivery.Manager
	wd         *delivery.Watchdog
	scr        *scraper.Scraper
	dispatcher *notify.Dispatcher
	server     *api.Server

	scrapeSched cron.Schedule
}

func NewApp(cfgPath string) (*App, error) {
	cfg, err := config.Load(cfgPath)
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

	a := &App{cfgPath: cfgPath, cfg: cfg, log: log, logs: logSvc}

	a.scrapeSched, err = parseSchedule(cfg.Scraper.Schedule)
	if err != nil {
		return nil, fmt.Errorf("scraper.schedule: %w", err)
	}

	busy, err := config.DurationOr("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return nil, err
	}
	a.db, err = store.Open(store.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}, logSvc.Logger().With(logx.String("comp", "store")))
	if err != nil {
		return nil, err
	}

	pollTimeout, err := config.DurationOr("telegram.poll_timeout", cfg.Telegram.PollTimeout, 25*time.Second)
	if err != nil {
		return nil, err
	}
	a.gw, err = telegram.New(telegram.Config{
		Token:          cfg.Telegram.Token,
		SendRatePerSec: cfg.Telegram.SendRatePerSec,
		CallTimeout:    pollTimeout + 15*time.Second,
	}, logSvc.Logger().With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	a.scr = scraper.New(&http.Client{Timeout: 30 * time.Second},
		cfg.Scraper.URL, cfg.Scraper.Marker,
		logSvc.Logger().With(logx.String("comp", "scraper")))

	a.dispatcher = notify.NewDispatcher(a.scr, a.db, a.gw, cfg.Scraper.BookingURL,
		logSvc.Logger().With(logx.String("comp", "notify")))

	a.state = delivery.NewState()
	router := bot.NewRouter(a.gw, a.db, a.scr, a.state,
		logSvc.Logger().With(logx.String("comp", "bot")))

	unhealthyAfter, err := config.DurationOr("delivery.unhealthy_after", cfg.Delivery.UnhealthyAfter, 120*time.Second)
	if err != nil {
		return nil, err
	}
	a.mgr = delivery.NewManager(a.gw, a.state, delivery.Options{
		WebhookURL:     webhookURL(cfg),
		PollTimeout:    pollTimeout,
		UnhealthyAfter: unhealthyAfter,
		BacklogLimit:   cfg.Delivery.PendingBacklogLimit,
	}, router.Handle, logSvc.Logger().With(logx.String("comp", "delivery")))

	checkInterval, err := config.DurationOr("delivery.check_interval", cfg.Delivery.CheckInterval, 30*time.Second)
	if err != nil {
		return nil, err
	}
	livenessInterval, err := config.DurationOr("delivery.liveness_interval", cfg.Delivery.LivenessInterval, 10*time.Second)
	if err != nil {
		return nil, err
	}
	heartbeatDead, err := config.DurationOr("delivery.heartbeat_dead_after", cfg.Delivery.HeartbeatDeadAfter, 60*time.Second)
	if err != nil {
		return nil, err
	}
	a.wd = delivery.NewWatchdog(a.mgr, delivery.WatchdogOptions{
		CheckInterval:      checkInterval,
		LivenessInterval:   livenessInterval,
		HeartbeatDeadAfter: heartbeatDead,
	}, logSvc.Logger().With(logx.String("comp", "watchdog")))

	return a, nil
}

// webhookURL builds the full public webhook endpoint, or "" when no base URL
// is configured.
func webhookURL(cfg *config.Config) string {
	base := strings.TrimRight(cfg.Telegram.PublicBaseURL, "/")
	if base == "" || cfg.Telegram.WebhookSecret == "" {
		return ""
	}
	return base + "/api/telegram/webhook/" + cfg.Telegram.WebhookSecret
}

// parseSchedule accepts a cron expression ("*/1 * * * *", "@every 30s") or a
// bare Go duration ("30s").
func parseSchedule(spec string) (cron.Schedule, error) {
	spec = strings.TrimSpace(spec)
	if d, err := time.ParseDuration(spec); err == nil && d > 0 {
		return cron.Every(d), nil
	}
	return cron.ParseStandard(spec)
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log))

	// The API server needs the supervisor for its health snapshot, so it is
	// built here rather than in NewApp.
	a.server = api.NewServer(api.Config{
		Addr:          a.cfg.API.Addr,
		WebhookSecret: a.cfg.Telegram.WebhookSecret,
		CORSOrigins:   a.cfg.API.CORSOrigins,
	}, a.mgr, a.state, a.gw, a.db, a.dispatcher, a.sup,
		a.logs.Logger().With(logx.String("comp", "api")))

	a.mgr.Start(a.sup.Context())

	a.sup.GoRestart(api.TaskScrape, a.scrapeLoop)
	a.sup.GoRestart(api.TaskChannelCheck, a.wd.RunChannelCheck)
	a.sup.GoRestart(api.TaskPollLiveness, a.wd.RunLiveness)
	a.sup.GoRestart(api.TaskHTTP, a.server.Run)
	a.sup.Go("config.watch", func(c context.Context) error {
		return config.Watch(c, a.cfgPath, a.log, a.onReload)
	})

	if interval, err := daemon.SdWatchdogEnabled(false); err == nil && interval > 0 {
		a.sup.Go("sd.watchdog", func(c context.Context) error {
			return a.sdWatchdogLoop(c, interval/2)
		})
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	a.log.Info("slotwatch started",
		logx.String("mode", a.state.Mode().String()),
		logx.String("schedule", a.cfg.Scraper.Schedule))
	return nil
}

// scrapeLoop runs the scrape-and-notify cycle on the configured cron
// schedule. Runs under GoRestart so a panic in a cycle does not kill the
// watcher for good.
func (a *App) scrapeLoop(ctx context.Context) error {
	for {
		next := a.scrapeSched.Next(time.Now())
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Until(next)):
		}
		res, err := a.dispatcher.RunCycle(ctx)
		if err != nil {
			a.log.Error("scrape cycle failed", logx.Err(err))
			continue
		}
		a.log.Debug("scrape cycle done",
			logx.Int("spots", len(res.Snapshot.Spots)),
			logx.Int("available", res.Snapshot.AvailableCount),
			logx.Int("alerts_sent", res.AlertsSent))
	}
}

func (a *App) sdWatchdogLoop(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		}
	}
}

// onReload applies the hot-reloadable config sections. Only logging takes
// effect live; anything else logs a restart-required notice.
func (a *App) onReload(cfg *config.Config) {
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	if cfg.Scraper != a.cfg.Scraper || cfg.Telegram != a.cfg.Telegram ||
		cfg.Storage != a.cfg.Storage {
		a.log.Warn("non-logging config changed; restart required to take effect")
	}
	a.cfg.Logging = cfg.Logging
}

func (a *App) Stop(ctx context.Context) error {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	a.log.Info("stopping")

	// Bound each step so one stuck component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		done := make(chan error, 1)
		go func() { done <- fn(stepCtx) }()
		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached", logx.String("name", name))
		}
	}

	step("delivery", 3*time.Second, func(c context.Context) error {
		a.mgr.Shutdown(c)
		return nil
	})
	step("supervisor", 5*time.Second, func(c context.Context) error {
		return a.sup.Stop(c)
	})
	step("store", 1*time.Second, func(context.Context) error {
		return a.db.Close()
	})

	a.log.Info("stopped")
	return a.logs.Close()
}
