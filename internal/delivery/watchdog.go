package delivery

import (
	"context"
	"time"

	"slotwatch/pkg/logx"
)

// Watchdog runs the two periodic repair loops on top of the manager: a slow
// channel check against the Telegram-reported registration state and a fast
// liveness probe over the polling worker's heartbeat.
type Watchdog struct {
	mgr *Manager
	log logx.Logger

	checkInterval    time.Duration
	livenessInterval time.Duration
	heartbeatDead    time.Duration
}

type WatchdogOptions struct {
	CheckInterval      time.Duration
	LivenessInterval   time.Duration
	HeartbeatDeadAfter time.Duration
}

func NewWatchdog(mgr *Manager, opt WatchdogOptions, log logx.Logger) *Watchdog {
	if opt.CheckInterval <= 0 {
		opt.CheckInterval = 30 * time.Second
	}
	if opt.LivenessInterval <= 0 {
		opt.LivenessInterval = 10 * time.Second
	}
	if opt.HeartbeatDeadAfter <= 0 {
		opt.HeartbeatDeadAfter = 60 * time.Second
	}
	return &Watchdog{
		mgr:              mgr,
		log:              log,
		checkInterval:    opt.CheckInterval,
		livenessInterval: opt.LivenessInterval,
		heartbeatDead:    opt.HeartbeatDeadAfter,
	}
}

// RunChannelCheck blocks until ctx is done, running the registration health
// check on every tick. Intended to run under the supervisor.
func (w *Watchdog) RunChannelCheck(ctx context.Context) error {
	t := time.NewTicker(w.checkInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			w.mgr.CheckHealth(ctx)
		}
	}
}

// RunLiveness blocks until ctx is done, restarting the polling worker when
// its heartbeat goes stale.
func (w *Watchdog) RunLiveness(ctx context.Context) error {
	t := time.NewTicker(w.livenessInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if w.mgr.EnsurePollerAlive(w.heartbeatDead) {
				w.log.Info("polling worker restarted by liveness probe")
			}
		}
	}
}
