package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.Port != "8787" {
		t.Errorf("expected port 8787, got %s", cfg.Port)
	}
	if cfg.EnrollmentTTL != 30*time.Second {
		t.Errorf("expected 30s enrollment TTL, got %v", cfg.EnrollmentTTL)
	}
	if cfg.CredentialTTL != 30*24*time.Hour {
		t.Errorf("expected 30d credential TTL, got %v", cfg.CredentialTTL)
	}
	if !strings.HasSuffix(cfg.WatchRoot, filepath.Join(".claude", "projects")) {
		t.Errorf("unexpected default watch root: %s", cfg.WatchRoot)
	}
	if cfg.HistoryBuffer != 200 {
		t.Errorf("expected history buffer 200, got %d", cfg.HistoryBuffer)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PORTHOLE_PORT", "9999")
	t.Setenv("PORTHOLE_WATCH_ROOT", "/srv/logs")
	t.Setenv("PORTHOLE_ENROLLMENT_TTL", "45s")
	t.Setenv("PORTHOLE_FORCE_POLLING", "true")
	t.Setenv("PORTHOLE_HISTORY_BUFFER", "0")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.Port != "9999" {
		t.Errorf("expected 9999, got %s", cfg.Port)
	}
	if cfg.WatchRoot != "/srv/logs" {
		t.Errorf("expected /srv/logs, got %s", cfg.WatchRoot)
	}
	if cfg.EnrollmentTTL != 45*time.Second {
		t.Errorf("expected 45s, got %v", cfg.EnrollmentTTL)
	}
	if !cfg.ForcePolling {
		t.Error("expected polling forced")
	}
	if cfg.HistoryBuffer != 0 {
		t.Errorf("expected history disabled, got %d", cfg.HistoryBuffer)
	}
}

func TestConfigFileLayering(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "porthole.yaml")
	body := "port: \"7000\"\nwatch_root: /from/file\nidle_threshold: 5m\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("PORTHOLE_CONFIG_FILE", path)
	// Env beats file.
	t.Setenv("PORTHOLE_WATCH_ROOT", "/from/env")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Port != "7000" {
		t.Errorf("file value not applied: %s", cfg.Port)
	}
	if cfg.WatchRoot != "/from/env" {
		t.Errorf("env should win over file, got %s", cfg.WatchRoot)
	}
	if cfg.IdleThreshold != 5*time.Minute {
		t.Errorf("expected 5m idle threshold, got %v", cfg.IdleThreshold)
	}
}

func TestMissingConfigFileFails(t *testing.T) {
	t.Setenv("PORTHOLE_CONFIG_FILE", "/does/not/exist.yaml")
	if _, err := Load(); err == nil {
		t.Error("expected error for a named-but-missing config file")
	}
}

func TestValidateClampsAggressiveValues(t *testing.T) {
	t.Setenv("PORTHOLE_POLL_INTERVAL", "10ms")
	t.Setenv("PORTHOLE_MAILBOX_SIZE", "-5")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.PollInterval != time.Second {
		t.Errorf("sub-second polling should clamp to 1s, got %v", cfg.PollInterval)
	}
	if cfg.MailboxSize != 1024 {
		t.Errorf("non-positive mailbox should reset, got %d", cfg.MailboxSize)
	}
}
