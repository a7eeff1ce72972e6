// Package notify runs the scrape-diff-alert pipeline. Every cycle appends a
// snapshot; alerts only go out for spots that flipped from unavailable to
// available since the previous snapshot, so a slot that stays open never
// re-alerts.
package notify

import (
	"context"
	"fmt"
	"html"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"slotwatch/internal/model"
	"slotwatch/pkg/logx"
)

// Source produces the current set of calendar rows.
type Source interface {
	Fetch(ctx context.Context) []model.Spot
}

// Archive is the snapshot and audit persistence the dispatcher needs.
type Archive interface {
	LatestSnapshot(ctx context.Context) (*model.Snapshot, error)
	AppendSnapshot(ctx context.Context, snap *model.Snapshot) error
	AlertSubscribers(ctx context.Context) ([]model.Subscriber, error)
	AppendNotification(ctx context.Context, rec model.NotificationRecord) error
}

// Sender delivers one alert message.
type Sender interface {
	SendMessage(ctx context.Context, chatID int64, text string) bool
}

type Dispatcher struct {
	src        Source
	archive    Archive
	sender     Sender
	log        logx.Logger
	bookingURL string

	// cycleMu serializes cycles. The schedule and the HTTP refresh path
	// share this dispatcher; two overlapping cycles would diff against the
	// same previous snapshot and alert twice for the same spot.
	cycleMu sync.Mutex
}

func NewDispatcher(src Source, archive Archive, sender Sender, bookingURL string, log logx.Logger) *Dispatcher {
	return &Dispatcher{src: src, archive: archive, sender: sender, bookingURL: bookingURL, log: log}
}

// CycleResult summarizes one scrape cycle for the refresh endpoint.
type CycleResult struct {
	Snapshot     *model.Snapshot `json:"snapshot"`
	NewlyOpen    []model.Spot    `json:"newly_available"`
	AlertsSent   int             `json:"alerts_sent"`
	AlertsFailed int             `json:"alerts_failed"`
}

// RunCycle executes one full scrape cycle: fetch, snapshot, diff against the
// previous snapshot, fan alerts out to subscribers. The very first snapshot
// never alerts; without a baseline every open slot would look new.
func (d *Dispatcher) RunCycle(ctx context.Context) (*CycleResult, error) {
	d.cycleMu.Lock()
	defer d.cycleMu.Unlock()

	spots := d.src.Fetch(ctx)

	prev, err := d.archive.LatestSnapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("load previous snapshot: %w", err)
	}

	snap := &model.Snapshot{
		ID:      uuid.NewString(),
		TakenAt: time.Now().UTC(),
		Spots:   spots,
	}
	for _, s := range spots {
		if s.Available() {
			snap.AvailableCount++
		}
	}
	if err := d.archive.AppendSnapshot(ctx, snap); err != nil {
		return nil, fmt.Errorf("append snapshot: %w", err)
	}

	res := &CycleResult{Snapshot: snap}
	if prev == nil {
		d.log.Info("baseline snapshot recorded; alerts start next cycle",
			logx.Int("spots", len(spots)), logx.Int("available", snap.AvailableCount))
		return res, nil
	}

	res.NewlyOpen = newlyAvailable(prev, spots)
	if len(res.NewlyOpen) == 0 {
		return res, nil
	}

	d.log.Info("newly available slots detected", logx.Int("count", len(res.NewlyOpen)))
	sent, failed := d.fanOut(ctx, res.NewlyOpen)
	res.AlertsSent, res.AlertsFailed = sent, failed
	return res, nil
}

// newlyAvailable returns the spots that are open now but were not open in
// prev, keyed by (university, test date). Pure over its inputs, so the same
// pair always yields the same set.
func newlyAvailable(prev *model.Snapshot, cur []model.Spot) []model.Spot {
	was := prev.AvailableKeys()
	var open []model.Spot
	for _, s := range cur {
		if !s.Available() {
			continue
		}
		if _, ok := was[s.Key()]; ok {
			continue
		}
		open = append(open, s)
	}
	return open
}

// fanOut sends one message per (subscriber, spot) and records each successful
// delivery in the audit trail.
func (d *Dispatcher) fanOut(ctx context.Context, open []model.Spot) (sent, failed int) {
	subs, err := d.archive.AlertSubscribers(ctx)
	if err != nil {
		d.log.Error("subscriber lookup failed", logx.Err(err))
		return 0, 0
	}
	if len(subs) == 0 {
		d.log.Warn("newly available slots but no subscribers to alert")
		return 0, 0
	}
	for _, spot := range open {
		text := d.alertMessage(spot)
		for _, sub := range subs {
			if !d.sender.SendMessage(ctx, sub.ChatID, text) {
				failed++
				continue
			}
			sent++
			rec := model.NotificationRecord{
				ID:      uuid.NewString(),
				ChatID:  sub.ChatID,
				SpotKey: spot.Key(),
				SentAt:  time.Now().UTC(),
				Status:  "sent",
			}
			if err := d.archive.AppendNotification(ctx, rec); err != nil {
				d.log.Error("notification audit write failed", logx.Err(err),
					logx.Int64("chat_id", sub.ChatID))
			}
		}
	}
	return sent, failed
}

func (d *Dispatcher) alertMessage(s model.Spot) string {
	var b strings.Builder
	b.WriteString("🚨 <b>Slot available!</b>\n\n")
	fmt.Fprintf(&b, "🏛 %s\n", html.EscapeString(s.Univ))
	if s.City != "" {
		fmt.Fprintf(&b, "📍 %s", html.EscapeString(s.City))
		if s.Region != "" {
			fmt.Fprintf(&b, " (%s)", html.EscapeString(s.Region))
		}
		b.WriteString("\n")
	}
	if s.TestDate != "" {
		fmt.Fprintf(&b, "📅 Test date: %s\n", html.EscapeString(s.TestDate))
	}
	if s.Deadline != "" {
		fmt.Fprintf(&b, "⏳ Register by: %s\n", html.EscapeString(s.Deadline))
	}
	if s.Seats != "" {
		fmt.Fprintf(&b, "💺 Seats: %s\n", html.EscapeString(s.Seats))
	}
	if d.bookingURL != "" {
		fmt.Fprintf(&b, "\n<a href=\"%s\">Book now</a>", d.bookingURL)
	}
	return b.String()
}
