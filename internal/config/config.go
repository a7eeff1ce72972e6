// Package config loads the slotwatch configuration from a YAML or JSON file
// with strict (unknown-field-rejecting) decoding, applies environment
// overrides for secrets, and supports live reload of the logging section via
// a file watcher.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Scraper  ScraperConfig  `json:"scraper"`
	Delivery DeliveryConfig `json:"delivery"`
	API      APIConfig      `json:"api"`
	Storage  StorageConfig  `json:"storage"`
	Logging  LoggingConfig  `json:"logging"`
}

type TelegramConfig struct {
	// Token may be left empty in the file and provided via TELEGRAM_BOT_TOKEN.
	Token string `json:"token,omitempty"`
	// WebhookSecret is embedded in the webhook path so only Telegram can
	// reach the update endpoint.
	WebhookSecret string `json:"webhook_secret,omitempty"`
	// PublicBaseURL is the externally reachable base URL for webhook
	// registration (e.g. "https://bot.example.org"). If empty, the bot runs
	// in polling mode and the health surface reports the channel degraded.
	PublicBaseURL string `json:"public_base_url,omitempty"`
	// PollTimeout is the getUpdates long-poll wait, a Go duration string.
	PollTimeout string `json:"poll_timeout,omitempty"`
	// SendRatePerSec bounds outbound sendMessage calls.
	SendRatePerSec int `json:"send_rate_per_sec,omitempty"`
}

type ScraperConfig struct {
	URL string `json:"url,omitempty"`
	// Marker filters calendar rows: kept only when the exam-type cell
	// contains this substring (case-insensitive).
	Marker string `json:"marker,omitempty"`
	// Schedule is a cron expression ("*/1 * * * *", "@every 30s") or a Go
	// duration ("30s").
	Schedule   string `json:"schedule,omitempty"`
	BookingURL string `json:"booking_url,omitempty"`
}

type DeliveryConfig struct {
	// All fields are Go duration strings.
	CheckInterval    string `json:"check_interval,omitempty"`
	LivenessInterval string `json:"liveness_interval,omitempty"`
	// UnhealthyAfter is how long issues must persist before the manager
	// falls back from webhook to polling.
	UnhealthyAfter string `json:"unhealthy_after,omitempty"`
	// HeartbeatDeadAfter is the polling-worker heartbeat gap that triggers a
	// restart.
	HeartbeatDeadAfter string `json:"heartbeat_dead_after,omitempty"`
	// PendingBacklogLimit flags the webhook as unhealthy when Telegram
	// reports more queued updates than this.
	PendingBacklogLimit int `json:"pending_backlog_limit,omitempty"`
}

type APIConfig struct {
	Addr        string   `json:"addr,omitempty"`
	CORSOrigins []string `json:"cors_origins,omitempty"`
}

type StorageConfig struct {
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

type LoggingConfig struct {
	Level   string      `json:"level,omitempty"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file,omitempty"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// Defaults mirrored from the observed CISIA deployment.
const (
	DefaultScrapeURL  = "https://testcisia.it/calendario.php?tolc=cents&lingua=inglese"
	DefaultBookingURL = "https://testcisia.it/studenti_tolc/login_sso.php"
	DefaultMarker     = "CASA"
)

func (c *Config) applyDefaults() {
	if c.Scraper.URL == "" {
		c.Scraper.URL = DefaultScrapeURL
	}
	if c.Scraper.Marker == "" {
		c.Scraper.Marker = DefaultMarker
	}
	if c.Scraper.Schedule == "" {
		c.Scraper.Schedule = "@every 30s"
	}
	if c.Scraper.BookingURL == "" {
		c.Scraper.BookingURL = DefaultBookingURL
	}
	if c.Telegram.PollTimeout == "" {
		c.Telegram.PollTimeout = "25s"
	}
	if c.Telegram.SendRatePerSec <= 0 {
		c.Telegram.SendRatePerSec = 25
	}
	if c.Delivery.CheckInterval == "" {
		c.Delivery.CheckInterval = "30s"
	}
	if c.Delivery.LivenessInterval == "" {
		c.Delivery.LivenessInterval = "10s"
	}
	if c.Delivery.UnhealthyAfter == "" {
		c.Delivery.UnhealthyAfter = "120s"
	}
	if c.Delivery.HeartbeatDeadAfter == "" {
		c.Delivery.HeartbeatDeadAfter = "60s"
	}
	if c.Delivery.PendingBacklogLimit <= 0 {
		c.Delivery.PendingBacklogLimit = 10
	}
	if c.API.Addr == "" {
		c.API.Addr = ":8080"
	}
	if len(c.API.CORSOrigins) == 0 {
		c.API.CORSOrigins = []string{"*"}
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "./slotwatch.db"
	}
	if c.Storage.BusyTimeout == "" {
		c.Storage.BusyTimeout = "5s"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// applyEnv lets secrets live outside the config file.
func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv("TELEGRAM_BOT_TOKEN")); v != "" {
		c.Telegram.Token = v
	}
	if v := strings.TrimSpace(os.Getenv("WEBHOOK_SECRET")); v != "" {
		c.Telegram.WebhookSecret = v
	}
	if v := strings.TrimSpace(os.Getenv("PUBLIC_BASE_URL")); v != "" {
		c.Telegram.PublicBaseURL = v
	}
}

// Load reads, decodes strictly, and normalizes the config file.
// A missing file yields the defaults (with env overrides) rather than an
// error, so the bot can run from environment alone.
func Load(path string) (*Config, error) {
	var cfg Config
	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := decodeStrict(path, b, &cfg); err != nil {
			return nil, err
		}
	case os.IsNotExist(err):
		// fall through to defaults
	default:
		return nil, err
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	cfg.Telegram.PublicBaseURL = strings.TrimRight(cfg.Telegram.PublicBaseURL, "/")
	return &cfg, nil
}

// decodeStrict coerces YAML to JSON so both formats share one strict decoder
// (DisallowUnknownFields catches typos and removed keys early).
func decodeStrict(path string, data []byte, cfg *Config) error {
	jb := data
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".yaml" || ext == ".yml" {
		var raw any
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("parse yaml: %w", err)
		}
		var err error
		jb, err = json.Marshal(normalizeYAML(raw))
		if err != nil {
			return fmt.Errorf("convert yaml: %w", err)
		}
	}

	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	// Reject trailing tokens (e.g. concatenated documents).
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return fmt.Errorf("invalid config: trailing data")
		}
		return err
	}
	return nil
}

// normalizeYAML converts map[any]any trees (yaml) into map[string]any (json).
func normalizeYAML(v any) any {
	switch t := v.(type) {
	case map[any]any:
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[fmt.Sprint(k)] = normalizeYAML(val)
		}
		return m
	case map[string]any:
		for k, val := range t {
			t[k] = normalizeYAML(val)
		}
		return t
	case []any:
		for i, val := range t {
			t[i] = normalizeYAML(val)
		}
		return t
	default:
		return v
	}
}

// ParseDuration parses a duration field, rejecting negatives; empty means 0.
func ParseDuration(field, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", field, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", field)
	}
	return d, nil
}

// DurationOr parses a duration field, falling back to def when empty or zero.
func DurationOr(field, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDuration(field, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}
