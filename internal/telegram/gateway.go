// Package telegram wraps the Telegram Bot API behind a gateway that retries
// transient failures, honors rate-limit waits, and never surfaces transport
// errors to callers: every operation reports success or failure as a value.
package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"slotwatch/pkg/logx"
)

const (
	// maxAttempts bounds retries for one logical call. Rate-limit waits
	// (429) do not consume attempts.
	maxAttempts = 5

	// settleDelay separates deleteWebhook from setWebhook so Telegram does
	// not race the new registration against a cached old one.
	settleDelay = 500 * time.Millisecond
)

type Config struct {
	Token string
	// APIURL overrides the Bot API endpoint (tests). Empty means production.
	APIURL string
	// SendRatePerSec bounds outbound sendMessage calls.
	SendRatePerSec int
	// CallTimeout is the HTTP timeout for one API call. It must exceed the
	// getUpdates long-poll wait.
	CallTimeout time.Duration
}

// Gateway is the messaging client. The zero-value-like disabled state (empty
// token) keeps the rest of the system running; every call then reports
// failure instead of panicking, per the degrade-don't-crash policy.
type Gateway struct {
	bot     *tele.Bot
	log     logx.Logger
	limiter *rate.Limiter

	// sleep is replaceable in tests so 429 waits don't slow the suite.
	sleep func(ctx context.Context, d time.Duration) error

	sent     atomic.Uint64
	failures atomic.Uint64
}

func New(cfg Config, log logx.Logger) (*Gateway, error) {
	g := &Gateway{
		log:   log,
		sleep: sleepCtx,
	}
	rps := cfg.SendRatePerSec
	if rps <= 0 {
		rps = 25
	}
	g.limiter = rate.NewLimiter(rate.Limit(rps), rps)

	if strings.TrimSpace(cfg.Token) == "" {
		log.Error("telegram token not configured; messaging disabled")
		return g, nil
	}

	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = 40 * time.Second
	}
	// Offline keeps the constructor network-free; identity is fetched later
	// through the retrying call path.
	bot, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.APIURL,
		Offline: true,
		Client:  &http.Client{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	g.bot = bot
	return g, nil
}

func (g *Gateway) Enabled() bool { return g != nil && g.bot != nil }

// Sent reports successfully delivered messages.
func (g *Gateway) Sent() uint64 { return g.sent.Load() }

// Failures reports calls that exhausted their retry budget.
func (g *Gateway) Failures() uint64 { return g.failures.Load() }

// call invokes one Bot API method with bounded retries and linear backoff.
// HTTP 429 sleeps for the server-provided retry_after and is retried without
// consuming an attempt. On final failure it bumps the failure counter and
// returns ok=false; it never returns an error.
func (g *Gateway) call(ctx context.Context, method string, payload any) (json.RawMessage, bool) {
	if !g.Enabled() {
		return nil, false
	}
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if ctx.Err() != nil {
			break
		}

		data, err := g.bot.Raw(method, payload)
		if err == nil {
			var envelope struct {
				Result json.RawMessage `json:"result"`
			}
			err = json.Unmarshal(data, &envelope)
			if err == nil {
				return envelope.Result, true
			}
			// A garbled envelope is as retryable as a 5xx.
			err = fmt.Errorf("decode response: %w", err)
		}

		var flood tele.FloodError
		if errors.As(err, &flood) && flood.RetryAfter > 0 {
			wait := time.Duration(flood.RetryAfter) * time.Second
			g.log.Warn("telegram rate limited",
				logx.String("method", method), logx.Duration("retry_after", wait))
			if g.sleep(ctx, wait) != nil {
				break
			}
			attempt-- // rate-limit waits are not failures
			continue
		}

		g.log.Warn("telegram call failed",
			logx.String("method", method),
			logx.Int("attempt", attempt),
			logx.Err(err))

		if attempt < maxAttempts {
			if g.sleep(ctx, time.Duration(attempt)*time.Second) != nil {
				break
			}
		}
	}
	g.failures.Add(1)
	return nil, false
}

// SendMessage delivers an HTML-formatted message. Returns false when the
// retry budget is exhausted.
func (g *Gateway) SendMessage(ctx context.Context, chatID int64, text string) bool {
	if g.Enabled() {
		_ = g.limiter.Wait(ctx)
	}
	_, ok := g.call(ctx, "sendMessage", map[string]any{
		"chat_id":    chatID,
		"text":       text,
		"parse_mode": "HTML",
	})
	if ok {
		g.sent.Add(1)
	}
	return ok
}

// BotIdentity fetches the bot's own account (getMe).
func (g *Gateway) BotIdentity(ctx context.Context) (tele.User, bool) {
	raw, ok := g.call(ctx, "getMe", nil)
	if !ok {
		return tele.User{}, false
	}
	var u tele.User
	if err := json.Unmarshal(raw, &u); err != nil {
		g.log.Warn("getMe decode failed", logx.Err(err))
		return tele.User{}, false
	}
	return u, true
}

// WebhookStatus is the subset of getWebhookInfo the health check inspects.
type WebhookStatus struct {
	URL          string `json:"url"`
	PendingCount int    `json:"pending_update_count"`
	LastError    string `json:"last_error_message"`
}

// WebhookInfo reads the currently registered webhook state back from
// Telegram. Used both for post-registration verification and by the health
// watchdog.
func (g *Gateway) WebhookInfo(ctx context.Context) (WebhookStatus, bool) {
	raw, ok := g.call(ctx, "getWebhookInfo", nil)
	if !ok {
		return WebhookStatus{}, false
	}
	var st WebhookStatus
	if err := json.Unmarshal(raw, &st); err != nil {
		g.log.Warn("getWebhookInfo decode failed", logx.Err(err))
		return WebhookStatus{}, false
	}
	return st, true
}

// RegisterWebhook points Telegram at url. The API offers no atomic URL
// replace, so this always deletes the old registration first and lets it
// settle before setting the new one.
func (g *Gateway) RegisterWebhook(ctx context.Context, url string) bool {
	if !g.DeleteWebhook(ctx) {
		return false
	}
	if g.sleep(ctx, settleDelay) != nil {
		return false
	}
	_, ok := g.call(ctx, "setWebhook", map[string]any{
		"url":                  url,
		"allowed_updates":      []string{"message"},
		"drop_pending_updates": true,
	})
	return ok
}

// DeleteWebhook unregisters the webhook and drops any queued updates.
func (g *Gateway) DeleteWebhook(ctx context.Context) bool {
	_, ok := g.call(ctx, "deleteWebhook", map[string]any{
		"drop_pending_updates": true,
	})
	return ok
}

// PollUpdates long-polls for updates past offset. timeout is the server-side
// wait; the HTTP client timeout must exceed it.
func (g *Gateway) PollUpdates(ctx context.Context, offset int, timeout time.Duration) ([]tele.Update, bool) {
	raw, ok := g.call(ctx, "getUpdates", map[string]any{
		"offset":          offset,
		"timeout":         int(timeout.Seconds()),
		"allowed_updates": []string{"message"},
	})
	if !ok {
		return nil, false
	}
	var updates []tele.Update
	if err := json.Unmarshal(raw, &updates); err != nil {
		g.log.Warn("getUpdates decode failed", logx.Err(err))
		return nil, false
	}
	return updates, true
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
