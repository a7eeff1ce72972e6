// Package model holds the domain entities shared by the scraper, store, and
// notification pipeline.
package model

import "time"

// SpotStatus classifies one calendar row. It is derived structurally from the
// page (link presence), not from the cell's text.
type SpotStatus string

const (
	StatusAvailable SpotStatus = "available"
	StatusExhausted SpotStatus = "exhausted"
	StatusUnknown   SpotStatus = "unknown"
)

// Spot is one exam session row from the calendar. Immutable once parsed; a
// fresh set is produced each scrape cycle.
type Spot struct {
	ExamType string     `json:"exam_type"`
	Univ     string     `json:"university"`
	Region   string     `json:"region"`
	City     string     `json:"city"`
	Deadline string     `json:"registration_deadline"`
	Seats    string     `json:"spots"`
	Status   SpotStatus `json:"status"`
	TestDate string     `json:"test_date"`
}

// Key is the stable composite identity of a spot. The source page offers no
// id, so (university, test date) is the only usable key across scrapes.
func (s Spot) Key() string { return s.Univ + "|" + s.TestDate }

func (s Spot) Available() bool { return s.Status == StatusAvailable }

// Snapshot is one point-in-time capture of all scraped rows. Append-only:
// written once per scrape cycle, never mutated.
type Snapshot struct {
	ID             string    `json:"snapshot_id"`
	TakenAt        time.Time `json:"timestamp"`
	Spots          []Spot    `json:"spots"`
	AvailableCount int       `json:"available_count"`
}

// AvailableKeys returns the key set of spots that are available in the
// snapshot. Used for the newly-available diff.
func (s *Snapshot) AvailableKeys() map[string]struct{} {
	keys := make(map[string]struct{})
	if s == nil {
		return keys
	}
	for _, sp := range s.Spots {
		if sp.Available() {
			keys[sp.Key()] = struct{}{}
		}
	}
	return keys
}

// Subscriber is a chat that opted into alerts.
type Subscriber struct {
	ChatID       int64     `json:"chat_id"`
	AlertEnabled bool      `json:"alert_enabled"`
	CreatedAt    time.Time `json:"created_at"`
}

// NotificationRecord is the write-only audit trail of sent alerts.
type NotificationRecord struct {
	ID      string    `json:"notification_id"`
	ChatID  int64     `json:"chat_id"`
	SpotKey string    `json:"spot_key"`
	SentAt  time.Time `json:"sent_at"`
	Status  string    `json:"status"`
}
