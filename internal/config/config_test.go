package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Scraper.URL != DefaultScrapeURL {
		t.Fatalf("scrape url = %q", cfg.Scraper.URL)
	}
	if cfg.Scraper.Marker != "CASA" {
		t.Fatalf("marker = %q", cfg.Scraper.Marker)
	}
	if cfg.Delivery.UnhealthyAfter != "120s" || cfg.Delivery.PendingBacklogLimit != 10 {
		t.Fatalf("delivery defaults = %+v", cfg.Delivery)
	}
	if cfg.API.Addr != ":8080" {
		t.Fatalf("api addr = %q", cfg.API.Addr)
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "config.yaml", `
telegram:
  webhook_secret: s3cret
  public_base_url: https://bot.example.org/
  poll_timeout: 30s
scraper:
  schedule: "@every 1m"
delivery:
  unhealthy_after: 90s
logging:
  level: debug
  console: true
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Telegram.WebhookSecret != "s3cret" {
		t.Fatalf("secret = %q", cfg.Telegram.WebhookSecret)
	}
	// Trailing slash is stripped so webhook URL comparison stays exact.
	if cfg.Telegram.PublicBaseURL != "https://bot.example.org" {
		t.Fatalf("base url = %q", cfg.Telegram.PublicBaseURL)
	}
	if cfg.Scraper.Schedule != "@every 1m" || cfg.Delivery.UnhealthyAfter != "90s" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.Console {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeFile(t, "config.yaml", `
telegram:
  webhook_secrt: oops
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for misspelled key")
	}
}

func TestLoadJSON(t *testing.T) {
	path := writeFile(t, "config.json", `{"scraper":{"marker":"TENDA"}}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Scraper.Marker != "TENDA" {
		t.Fatalf("marker = %q", cfg.Scraper.Marker)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "env-token")
	t.Setenv("WEBHOOK_SECRET", "env-secret")
	path := writeFile(t, "config.yaml", `
telegram:
  token: file-token
  webhook_secret: file-secret
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Telegram.Token != "env-token" || cfg.Telegram.WebhookSecret != "env-secret" {
		t.Fatalf("telegram = %+v, want env values", cfg.Telegram)
	}
}

func TestParseDuration(t *testing.T) {
	t.Parallel()
	cases := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{"30s", 30 * time.Second, false},
		{"2m", 2 * time.Minute, false},
		{"", 0, false},
		{"-5s", 0, true},
		{"banana", 0, true},
	}
	for _, c := range cases {
		got, err := ParseDuration("f", c.raw)
		if c.wantErr != (err != nil) {
			t.Fatalf("ParseDuration(%q) err = %v, wantErr %v", c.raw, err, c.wantErr)
		}
		if got != c.want {
			t.Fatalf("ParseDuration(%q) = %v, want %v", c.raw, got, c.want)
		}
	}
}

func TestDurationOrFallsBack(t *testing.T) {
	t.Parallel()
	d, err := DurationOr("f", "", 25*time.Second)
	if err != nil || d != 25*time.Second {
		t.Fatalf("empty = %v/%v, want 25s", d, err)
	}
	d, err = DurationOr("f", "10s", 25*time.Second)
	if err != nil || d != 10*time.Second {
		t.Fatalf("set = %v/%v, want 10s", d, err)
	}
	if _, err := DurationOr("f", "nope", time.Second); err == nil {
		t.Fatal("expected error for invalid duration")
	}
}
