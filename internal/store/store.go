// Package store persists scrape snapshots, alert subscribers, and the
// notification audit log in a single SQLite database.
package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"slotwatch/internal/model"
	"slotwatch/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// timeFormat is fixed-width so lexicographic ORDER BY on the TEXT column
// matches chronological order.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means driver default
}

type Store struct {
	db  *sql.DB
	log logx.Logger
}

func Open(cfg Config, log logx.Logger) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("store path is required")
	}
	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &Store{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// ---- snapshots ----

// AppendSnapshot persists one scrape result. Snapshots accumulate even when
// nothing changed; retention is an operator concern.
func (s *Store) AppendSnapshot(ctx context.Context, snap *model.Snapshot) error {
	if snap.ID == "" {
		snap.ID = uuid.NewString()
	}
	if snap.TakenAt.IsZero() {
		snap.TakenAt = time.Now().UTC()
	}
	spots, err := json.Marshal(snap.Spots)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO snapshots(id, taken_at, available_count, spots) VALUES(?,?,?,?)`,
		snap.ID, snap.TakenAt.Format(timeFormat), snap.AvailableCount, string(spots),
	)
	return err
}

// LatestSnapshot returns the most recent snapshot by timestamp, or nil when
// the history is empty.
func (s *Store) LatestSnapshot(ctx context.Context) (*model.Snapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, taken_at, available_count, spots FROM snapshots ORDER BY taken_at DESC LIMIT 1`)
	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return snap, err
}

// RecentSnapshots returns up to limit snapshots, newest first.
func (s *Store) RecentSnapshots(ctx context.Context, limit int) ([]*model.Snapshot, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, taken_at, available_count, spots FROM snapshots ORDER BY taken_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(r rowScanner) (*model.Snapshot, error) {
	var (
		snap    model.Snapshot
		takenAt string
		spots   string
	)
	if err := r.Scan(&snap.ID, &takenAt, &snap.AvailableCount, &spots); err != nil {
		return nil, err
	}
	t, err := time.Parse(time.RFC3339Nano, takenAt)
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: bad timestamp %q: %w", snap.ID, takenAt, err)
	}
	snap.TakenAt = t
	if err := json.Unmarshal([]byte(spots), &snap.Spots); err != nil {
		return nil, fmt.Errorf("snapshot %s: bad spots payload: %w", snap.ID, err)
	}
	return &snap, nil
}

// ---- subscribers ----

// UpsertSubscriber registers a chat and (re-)enables its alerts.
func (s *Store) UpsertSubscriber(ctx context.Context, chatID int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscribers(chat_id, alert_enabled, created_at) VALUES(?,1,?)
		 ON CONFLICT(chat_id) DO UPDATE SET alert_enabled=1`,
		chatID, time.Now().UTC().Format(timeFormat),
	)
	return err
}

func (s *Store) SetAlertEnabled(ctx context.Context, chatID int64, enabled bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE subscribers SET alert_enabled = ? WHERE chat_id = ?`, enabled, chatID)
	return err
}

// AlertSubscribers returns every chat with alerts enabled.
func (s *Store) AlertSubscribers(ctx context.Context) ([]model.Subscriber, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT chat_id, alert_enabled, created_at FROM subscribers WHERE alert_enabled = 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Subscriber
	for rows.Next() {
		var (
			sub       model.Subscriber
			createdAt string
		)
		if err := rows.Scan(&sub.ChatID, &sub.AlertEnabled, &createdAt); err != nil {
			return nil, err
		}
		sub.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, sub)
	}
	return out, rows.Err()
}

// ---- notifications ----

// AppendNotification records one sent alert. Write-only from the core's
// perspective; read back only through the history API.
func (s *Store) AppendNotification(ctx context.Context, rec model.NotificationRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.SentAt.IsZero() {
		rec.SentAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notifications(id, chat_id, spot_key, sent_at, status) VALUES(?,?,?,?,?)`,
		rec.ID, rec.ChatID, rec.SpotKey, rec.SentAt.Format(timeFormat), rec.Status,
	)
	return err
}

// RecentNotifications returns a chat's alert history, newest first.
func (s *Store) RecentNotifications(ctx context.Context, chatID int64, limit int) ([]model.NotificationRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chat_id, spot_key, sent_at, status FROM notifications
		 WHERE chat_id = ? ORDER BY sent_at DESC LIMIT ?`, chatID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.NotificationRecord
	for rows.Next() {
		var (
			rec    model.NotificationRecord
			sentAt string
		)
		if err := rows.Scan(&rec.ID, &rec.ChatID, &rec.SpotKey, &sentAt, &rec.Status); err != nil {
			return nil, err
		}
		rec.SentAt, _ = time.Parse(time.RFC3339Nano, sentAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}
