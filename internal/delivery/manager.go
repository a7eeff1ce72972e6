package delivery

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	"slotwatch/internal/telegram"
	"slotwatch/pkg/logx"
)

// API is the slice of the messaging gateway the manager drives.
type API interface {
	WebhookInfo(ctx context.Context) (telegram.WebhookStatus, bool)
	RegisterWebhook(ctx context.Context, url string) bool
	DeleteWebhook(ctx context.Context) bool
	PollUpdates(ctx context.Context, offset int, timeout time.Duration) ([]tele.Update, bool)
}

// UpdateHandler consumes one inbound update. Invoked on its own goroutine so
// a slow handler never blocks ingestion.
type UpdateHandler func(ctx context.Context, u tele.Update)

type Options struct {
	// WebhookURL is the full public webhook endpoint (base URL + secret
	// path). Empty means webhook mode is unavailable and the manager runs
	// long-poll only.
	WebhookURL     string
	PollTimeout    time.Duration
	UnhealthyAfter time.Duration
	BacklogLimit   int
}

// Manager owns the webhook/polling mode transitions. All transitions run
// under a single in-progress flag so the watchdog can never interleave two,
// which is what upholds the one-active-channel invariant.
type Manager struct {
	api     API
	st      *State
	log     logx.Logger
	handler UpdateHandler
	opt     Options

	runCtx context.Context

	transitioning atomic.Bool
	configBroken  bool // webhook URL missing; set once at Start

	pollMu     sync.Mutex
	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

func NewManager(api API, st *State, opt Options, handler UpdateHandler, log logx.Logger) *Manager {
	if opt.PollTimeout <= 0 {
		opt.PollTimeout = 25 * time.Second
	}
	if opt.UnhealthyAfter <= 0 {
		opt.UnhealthyAfter = 120 * time.Second
	}
	if opt.BacklogLimit <= 0 {
		opt.BacklogLimit = 10
	}
	return &Manager{api: api, st: st, log: log, handler: handler, opt: opt}
}

// ConfigBroken reports whether webhook mode is permanently unavailable
// because no public base URL was configured.
func (m *Manager) ConfigBroken() bool { return m.configBroken }

func (m *Manager) begin() bool { return m.transitioning.CompareAndSwap(false, true) }
func (m *Manager) end()        { m.transitioning.Store(false) }

// Start establishes the initial channel. With a webhook URL it registers and
// verifies; without one it falls straight into long-poll so the bot stays
// reachable, and the health surface reports the configuration gap.
func (m *Manager) Start(ctx context.Context) {
	m.runCtx = ctx
	if !m.begin() {
		return
	}
	defer m.end()

	if m.opt.WebhookURL == "" {
		m.configBroken = true
		m.log.Error("public base URL not configured; webhook unavailable, running long-poll only")
		m.st.setMode(ModePolling)
		m.startPoller()
		return
	}

	if m.registerAndVerify(ctx) {
		m.st.setMode(ModeWebhook)
		m.log.Info("webhook registered", logx.String("url", m.opt.WebhookURL))
		return
	}
	// Stay in webhook mode unregistered; the watchdog repairs in place or
	// demotes to polling once the failure window expires.
	m.st.openIssueWindow(time.Now())
	m.log.Warn("initial webhook registration failed; watchdog will retry")
}

// Shutdown stops the poller and unregisters the webhook.
func (m *Manager) Shutdown(ctx context.Context) {
	m.stopPoller(2 * time.Second)
	if m.st.Mode() == ModeWebhook {
		m.api.DeleteWebhook(ctx)
	}
}

// CheckHealth is the 30s watchdog entry point: it inspects the registration
// state reported by Telegram and drives repair or a mode transition. Skipped
// entirely when another transition is in flight.
func (m *Manager) CheckHealth(ctx context.Context) {
	if !m.begin() {
		return
	}
	defer m.end()

	info, reachable := m.api.WebhookInfo(ctx)
	now := time.Now()

	switch m.st.Mode() {
	case ModeWebhook:
		issues := m.webhookIssues(info, reachable)
		if len(issues) == 0 {
			m.st.markContact(now)
			m.st.closeIssueWindow()
			return
		}
		m.log.Warn("delivery health issues detected", logx.Any("issues", issues))
		m.st.openIssueWindow(now)

		if now.Sub(m.st.IssueSince()) >= m.opt.UnhealthyAfter {
			m.demoteToPolling(ctx)
			return
		}
		// Inside the window: re-register in place without switching modes.
		m.st.noteRepair()
		if m.registerAndVerify(ctx) {
			m.st.closeIssueWindow()
			m.log.Info("webhook repaired in place")
		}

	case ModePolling:
		if !reachable {
			return
		}
		m.st.markContact(now)
		if m.opt.WebhookURL == "" {
			return // nothing to promote to
		}
		m.promoteToWebhook(ctx)
	}
}

// webhookIssues builds the structured issue list for webhook mode.
func (m *Manager) webhookIssues(info telegram.WebhookStatus, reachable bool) []string {
	if !reachable {
		return []string{"telegram api unreachable"}
	}
	var issues []string
	switch {
	case info.URL == "":
		issues = append(issues, "no webhook registered")
	case info.URL != m.opt.WebhookURL:
		issues = append(issues, fmt.Sprintf("webhook url mismatch: %s", info.URL))
	}
	if info.LastError != "" {
		issues = append(issues, fmt.Sprintf("delivery error: %s", info.LastError))
	}
	if info.PendingCount > m.opt.BacklogLimit {
		issues = append(issues, fmt.Sprintf("update backlog: %d", info.PendingCount))
	}
	return issues
}

// demoteToPolling switches WebhookActive -> PollingActive. Unregistering the
// webhook and starting the worker happen on this single path, never
// concurrently with the reverse transition.
func (m *Manager) demoteToPolling(ctx context.Context) {
	m.log.Warn("webhook unhealthy beyond threshold; switching to long-poll",
		logx.Duration("threshold", m.opt.UnhealthyAfter))
	m.api.DeleteWebhook(ctx)
	m.st.setRegisteredURL("")
	m.st.setMode(ModePolling)
	m.st.closeIssueWindow()
	m.startPoller()
}

// promoteToWebhook switches PollingActive -> WebhookActive. The worker is
// stopped before registration; if registration fails the worker is restarted
// so the bot is never left with no active channel.
func (m *Manager) promoteToWebhook(ctx context.Context) {
	m.stopPoller(5 * time.Second)
	if m.registerAndVerify(ctx) {
		m.st.setMode(ModeWebhook)
		m.st.closeIssueWindow()
		m.log.Info("recovered to webhook mode", logx.String("url", m.opt.WebhookURL))
		return
	}
	m.log.Warn("webhook re-registration failed; staying in long-poll")
	m.startPoller()
}

// ForceRepair re-runs the registration sequence on operator demand and
// reports the resulting mode. ok=false means another transition was in
// flight or registration failed.
func (m *Manager) ForceRepair(ctx context.Context) (Mode, bool) {
	if !m.begin() {
		return m.st.Mode(), false
	}
	defer m.end()

	if m.opt.WebhookURL == "" {
		return m.st.Mode(), false
	}
	m.st.noteRepair()
	if m.st.Mode() == ModePolling {
		m.stopPoller(5 * time.Second)
	}
	if m.registerAndVerify(ctx) {
		m.st.setMode(ModeWebhook)
		m.st.closeIssueWindow()
		return ModeWebhook, true
	}
	if m.st.Mode() == ModePolling {
		m.startPoller()
	}
	return m.st.Mode(), false
}

// registerAndVerify registers the webhook and reads the registration back,
// comparing the reported URL byte-for-byte. A mismatch is a failure, not a
// silent success.
func (m *Manager) registerAndVerify(ctx context.Context) bool {
	if !m.api.RegisterWebhook(ctx, m.opt.WebhookURL) {
		return false
	}
	info, ok := m.api.WebhookInfo(ctx)
	if !ok {
		return false
	}
	if info.URL != m.opt.WebhookURL {
		m.log.Error("webhook verification failed",
			logx.String("expected", m.opt.WebhookURL),
			logx.String("got", info.URL))
		return false
	}
	m.st.setRegisteredURL(info.URL)
	m.st.markContact(time.Now())
	return true
}

// Dispatch routes one inbound update to the handler asynchronously. Shared
// by the webhook endpoint and the polling worker so both paths count
// messages the same way.
func (m *Manager) Dispatch(u tele.Update) {
	if u.Message == nil {
		return
	}
	m.st.noteReceived()
	if m.handler == nil {
		return
	}
	ctx := m.runCtx
	if ctx == nil {
		ctx = context.Background()
	}
	go m.handler(ctx, u)
}

// ---- polling worker ----

func (m *Manager) startPoller() {
	m.pollMu.Lock()
	defer m.pollMu.Unlock()
	if m.pollCancel != nil {
		return // already running
	}
	parent := m.runCtx
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	m.pollCancel, m.pollDone = cancel, done
	m.st.Heartbeat(time.Now())
	go func() {
		defer close(done)
		m.runPoller(ctx)
	}()
}

// stopPoller cancels the worker and waits up to grace for it to exit. The
// bounded join prevents two pollers consuming updates concurrently after a
// forced restart.
func (m *Manager) stopPoller(grace time.Duration) {
	m.pollMu.Lock()
	cancel, done := m.pollCancel, m.pollDone
	m.pollCancel, m.pollDone = nil, nil
	m.pollMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	select {
	case <-done:
	case <-time.After(grace):
		m.log.Warn("polling worker did not stop within grace; continuing")
	}
}

// PollerAlive reports whether the worker goroutine is still running.
func (m *Manager) PollerAlive() bool {
	m.pollMu.Lock()
	done := m.pollDone
	m.pollMu.Unlock()
	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

// EnsurePollerAlive is the fast liveness entry point: while in polling mode
// it restarts the worker when the heartbeat goes stale or the goroutine has
// exited. Returns true when a restart happened. Restarting is a channel
// mutation, so it runs under the same in-progress flag as mode transitions:
// a probe that lands mid-promotion would otherwise revive the worker the
// promotion just stopped, leaving webhook and poller active together.
func (m *Manager) EnsurePollerAlive(deadAfter time.Duration) bool {
	if !m.begin() {
		return false // transition in flight; probe again next tick
	}
	defer m.end()
	if m.st.Mode() != ModePolling {
		return false
	}
	hb := m.st.LastHeartbeat()
	stale := !hb.IsZero() && time.Since(hb) > deadAfter
	if !stale && m.PollerAlive() {
		return false
	}
	m.log.Warn("polling worker unresponsive; restarting",
		logx.Time("last_heartbeat", hb),
		logx.Bool("goroutine_alive", m.PollerAlive()))
	m.stopPoller(2 * time.Second)
	m.startPoller()
	m.st.noteRestart()
	return true
}

func (m *Manager) runPoller(ctx context.Context) {
	m.log.Info("polling worker started")
	offset := 0
	for ctx.Err() == nil {
		m.st.Heartbeat(time.Now())
		updates, ok := m.api.PollUpdates(ctx, offset, m.opt.PollTimeout)
		if !ok {
			// The gateway already burned its retry budget; pause so a hard
			// outage doesn't turn into a tight loop.
			select {
			case <-ctx.Done():
			case <-time.After(2 * time.Second):
			}
			continue
		}
		m.st.markContact(time.Now())
		for _, u := range updates {
			if u.ID >= offset {
				offset = u.ID + 1
			}
			m.Dispatch(u)
		}
	}
	m.log.Info("polling worker stopped")
}
