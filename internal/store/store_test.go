package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"slotwatch/internal/model"
	"slotwatch/pkg/logx"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "test.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func snap(id string, at time.Time, spots ...model.Spot) *model.Snapshot {
	n := 0
	for _, sp := range spots {
		if sp.Available() {
			n++
		}
	}
	return &model.Snapshot{ID: id, TakenAt: at, Spots: spots, AvailableCount: n}
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if got, err := s.LatestSnapshot(ctx); err != nil || got != nil {
		t.Fatalf("empty store: snapshot=%v err=%v, want nil,nil", got, err)
	}

	at := time.Now().UTC().Truncate(time.Millisecond)
	in := snap("snap-1", at, model.Spot{
		ExamType: "CENT@CASA",
		Univ:     "Sapienza",
		City:     "Roma",
		Status:   model.StatusAvailable,
		TestDate: "15/09/2026",
	})
	if err := s.AppendSnapshot(ctx, in); err != nil {
		t.Fatalf("append: %v", err)
	}

	got, err := s.LatestSnapshot(ctx)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if got == nil || got.ID != "snap-1" {
		t.Fatalf("latest = %+v, want snap-1", got)
	}
	if !got.TakenAt.Equal(at) {
		t.Fatalf("taken_at = %v, want %v", got.TakenAt, at)
	}
	if got.AvailableCount != 1 || len(got.Spots) != 1 {
		t.Fatalf("snapshot contents = %+v", got)
	}
	if got.Spots[0].Key() != "Sapienza|15/09/2026" {
		t.Fatalf("spot key = %q", got.Spots[0].Key())
	}
}

func TestRecentSnapshotsOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		id := string(rune('a' + i))
		if err := s.AppendSnapshot(ctx, snap(id, base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("append %s: %v", id, err)
		}
	}

	snaps, err := s.RecentSnapshots(ctx, 3)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(snaps) != 3 {
		t.Fatalf("got %d snapshots, want 3", len(snaps))
	}
	// Newest first.
	if snaps[0].ID != "e" || snaps[1].ID != "d" || snaps[2].ID != "c" {
		t.Fatalf("order = %s,%s,%s", snaps[0].ID, snaps[1].ID, snaps[2].ID)
	}

	latest, err := s.LatestSnapshot(ctx)
	if err != nil || latest.ID != "e" {
		t.Fatalf("latest = %+v err=%v, want e", latest, err)
	}
}

func TestSubscriberLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.UpsertSubscriber(ctx, 111); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.UpsertSubscriber(ctx, 222); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	// Re-subscribing must be idempotent.
	if err := s.UpsertSubscriber(ctx, 111); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}

	subs, err := s.AlertSubscribers(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(subs) != 2 {
		t.Fatalf("got %d subscribers, want 2", len(subs))
	}

	if err := s.SetAlertEnabled(ctx, 111, false); err != nil {
		t.Fatalf("disable: %v", err)
	}
	subs, err = s.AlertSubscribers(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(subs) != 1 || subs[0].ChatID != 222 {
		t.Fatalf("subscribers after disable = %+v", subs)
	}

	// /start after /stop re-enables.
	if err := s.UpsertSubscriber(ctx, 111); err != nil {
		t.Fatalf("re-enable: %v", err)
	}
	subs, err = s.AlertSubscribers(ctx)
	if err != nil || len(subs) != 2 {
		t.Fatalf("subscribers after re-enable = %+v err=%v", subs, err)
	}
}

func TestNotificationAudit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		rec := model.NotificationRecord{
			ID:      string(rune('x' + i)),
			ChatID:  111,
			SpotKey: "Sapienza|15/09/2026",
			SentAt:  time.Now().UTC().Add(time.Duration(i) * time.Second),
			Status:  "sent",
		}
		if err := s.AppendNotification(ctx, rec); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := s.AppendNotification(ctx, model.NotificationRecord{
		ID: "other", ChatID: 222, SpotKey: "Bologna|16/09/2026", SentAt: time.Now().UTC(), Status: "sent",
	}); err != nil {
		t.Fatalf("append: %v", err)
	}

	recs, err := s.RecentNotifications(ctx, 111, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("got %d records for chat 111, want 3", len(recs))
	}
	for _, r := range recs {
		if r.ChatID != 111 {
			t.Fatalf("record for wrong chat: %+v", r)
		}
	}
}
