// Package bot routes inbound chat commands to replies. It is transport
// agnostic: the delivery manager hands it updates regardless of whether they
// arrived over the webhook or the long-poll worker.
package bot

import (
	"context"
	"fmt"
	"html"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"slotwatch/internal/delivery"
	"slotwatch/internal/model"
	"slotwatch/pkg/logx"
)

// Sender is the outbound slice of the messaging gateway.
type Sender interface {
	SendMessage(ctx context.Context, chatID int64, text string) bool
}

// SubscriberStore persists alert opt-ins.
type SubscriberStore interface {
	UpsertSubscriber(ctx context.Context, chatID int64) error
	SetAlertEnabled(ctx context.Context, chatID int64, enabled bool) error
}

// Checker runs an on-demand availability fetch for /check.
type Checker interface {
	Fetch(ctx context.Context) []model.Spot
}

type Router struct {
	sender  Sender
	subs    SubscriberStore
	checker Checker
	st      *delivery.State
	log     logx.Logger
	started time.Time
}

func NewRouter(sender Sender, subs SubscriberStore, checker Checker, st *delivery.State, log logx.Logger) *Router {
	return &Router{
		sender:  sender,
		subs:    subs,
		checker: checker,
		st:      st,
		log:     log,
		started: time.Now(),
	}
}

// Handle implements delivery.UpdateHandler.
func (r *Router) Handle(ctx context.Context, u tele.Update) {
	msg := u.Message
	if msg == nil || msg.Chat == nil {
		return
	}
	chatID := msg.Chat.ID
	reply := r.route(ctx, chatID, msg.Text)
	if reply == "" {
		return
	}
	if !r.sender.SendMessage(ctx, chatID, reply) {
		r.log.Warn("reply delivery failed", logx.Int64("chat_id", chatID))
	}
}

func (r *Router) route(ctx context.Context, chatID int64, text string) string {
	cmd := command(text)
	switch cmd {
	case "/start":
		if err := r.subs.UpsertSubscriber(ctx, chatID); err != nil {
			r.log.Error("subscriber upsert failed", logx.Err(err), logx.Int64("chat_id", chatID))
		}
		return r.welcome(chatID)
	case "/stop":
		if err := r.subs.SetAlertEnabled(ctx, chatID, false); err != nil {
			r.log.Error("subscriber disable failed", logx.Err(err), logx.Int64("chat_id", chatID))
		}
		return fmt.Sprintf("🔕 Alerts disabled for chat <code>%d</code>.\nSend /start to re-enable.", chatID)
	case "/status":
		return r.status(chatID)
	case "/id":
		return fmt.Sprintf("Your chat ID is <code>%d</code>", chatID)
	case "/help":
		return r.help(chatID)
	case "/check":
		return r.check(ctx, chatID)
	default:
		return fmt.Sprintf("I only understand commands, see /help.\nYour chat ID: <code>%d</code>", chatID)
	}
}

// command extracts the leading slash command, dropping any @BotName suffix
// groups attach.
func command(text string) string {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return ""
	}
	cmd, _, _ := strings.Cut(fields[0], "@")
	return strings.ToLower(cmd)
}

func (r *Router) welcome(chatID int64) string {
	var b strings.Builder
	b.WriteString("👋 Welcome! You are now subscribed to exam slot alerts.\n\n")
	fmt.Fprintf(&b, "Your chat ID: <code>%d</code>\n\n", chatID)
	b.WriteString("You will get a message as soon as a home-based slot opens up.\n")
	b.WriteString("Send /help to see what else I can do.")
	return b.String()
}

func (r *Router) help(chatID int64) string {
	var b strings.Builder
	b.WriteString("<b>Commands</b>\n")
	b.WriteString("/start - subscribe to availability alerts\n")
	b.WriteString("/stop - pause alerts\n")
	b.WriteString("/check - check availability right now\n")
	b.WriteString("/status - bot health and counters\n")
	b.WriteString("/id - show this chat's ID\n\n")
	fmt.Fprintf(&b, "Your chat ID: <code>%d</code>", chatID)
	return b.String()
}

func (r *Router) status(chatID int64) string {
	uptime := time.Since(r.started).Round(time.Second)
	var b strings.Builder
	b.WriteString("<b>Status</b>\n")
	fmt.Fprintf(&b, "Mode: %s\n", r.st.Mode())
	fmt.Fprintf(&b, "Uptime: %s\n", uptime)
	fmt.Fprintf(&b, "Updates received: %d\n", r.st.Received())
	fmt.Fprintf(&b, "Auto-repairs: %d\n", r.st.AutoRepairs())
	fmt.Fprintf(&b, "Poller restarts: %d\n", r.st.Restarts())
	if lc := r.st.LastContact(); !lc.IsZero() {
		fmt.Fprintf(&b, "Last API contact: %s ago\n", time.Since(lc).Round(time.Second))
	}
	fmt.Fprintf(&b, "\nChat ID: <code>%d</code>", chatID)
	return b.String()
}

func (r *Router) check(ctx context.Context, chatID int64) string {
	spots := r.checker.Fetch(ctx)
	var open []model.Spot
	for _, s := range spots {
		if s.Available() {
			open = append(open, s)
		}
	}
	if len(open) == 0 {
		return fmt.Sprintf("😔 No home-based slots available right now.\n(%d locations checked)\nChat ID: <code>%d</code>", len(spots), chatID)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "🎉 <b>%d slot(s) available!</b>\n\n", len(open))
	for i, s := range open {
		if i >= 10 {
			fmt.Fprintf(&b, "…and %d more\n", len(open)-i)
			break
		}
		fmt.Fprintf(&b, "• %s", html.EscapeString(s.Univ))
		if s.TestDate != "" {
			fmt.Fprintf(&b, " (%s)", html.EscapeString(s.TestDate))
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "\nChat ID: <code>%d</code>", chatID)
	return b.String()
}
