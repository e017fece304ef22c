package models

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.WebP.Quality != 85 {
		t.Errorf("expected default quality 85, got %d", cfg.WebP.Quality)
	}
	if cfg.Queue.Driver != "inline" {
		t.Errorf("expected inline queue driver, got %q", cfg.Queue.Driver)
	}
	if cfg.Jobs.StaleAfter != 30*time.Minute {
		t.Errorf("expected 30m stale_after, got %v", cfg.Jobs.StaleAfter)
	}
	if cfg.Jobs.MaxDuration != 6*time.Hour {
		t.Errorf("expected 6h max_duration, got %v", cfg.Jobs.MaxDuration)
	}
}

func TestLoadConfig_FileValues(t *testing.T) {
	path := writeConfig(t, `
server_addr: ":9090"
fetch_timeout: 15s
webp:
  quality: 70
  max_dimension: 2048
shopify:
  shops:
    demo.myshopify.com: shpat_123
queue:
  driver: kafka
  kafka_broker: localhost:9092
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.ServerAddr != ":9090" {
		t.Errorf("server_addr = %q", cfg.ServerAddr)
	}
	if cfg.FetchTimeout != 15*time.Second {
		t.Errorf("fetch_timeout = %v", cfg.FetchTimeout)
	}
	if cfg.WebP.Quality != 70 || cfg.WebP.MaxDimension != 2048 {
		t.Errorf("webp = %+v", cfg.WebP)
	}
	if cfg.Shopify.Shops["demo.myshopify.com"] != "shpat_123" {
		t.Errorf("shops = %v", cfg.Shopify.Shops)
	}
	// Unset nested keys keep their defaults.
	if cfg.Shopify.APIVersion != "2024-10" {
		t.Errorf("api_version = %q", cfg.Shopify.APIVersion)
	}
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("OPTIMIZER_WEBP_QUALITY", "60")
	t.Setenv("OPTIMIZER_JOB_MAX_DURATION", "90m")
	t.Setenv("OPTIMIZER_SHOPS", "a.myshopify.com=tok-a, b.myshopify.com=tok-b")

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.WebP.Quality != 60 {
		t.Errorf("quality = %d, want 60", cfg.WebP.Quality)
	}
	if cfg.Jobs.MaxDuration != 90*time.Minute {
		t.Errorf("max_duration = %v, want 90m", cfg.Jobs.MaxDuration)
	}
	if cfg.Shopify.Shops["a.myshopify.com"] != "tok-a" || cfg.Shopify.Shops["b.myshopify.com"] != "tok-b" {
		t.Errorf("shops = %v", cfg.Shopify.Shops)
	}
}

func TestLoadConfig_RejectsQualityOutOfRange(t *testing.T) {
	path := writeConfig(t, "webp:\n  quality: 101\n")
	_, err := LoadConfig(path)
	if err == nil || !strings.Contains(err.Error(), "webp.quality") {
		t.Fatalf("expected webp.quality error, got %v", err)
	}
}

func TestValidate_QueueAndBackupDrivers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Queue.Driver = "asynq"
	if err := cfg.Validate(); err == nil {
		t.Errorf("expected error for asynq without redis_addr")
	}

	cfg = DefaultConfig()
	cfg.Backup.Driver = "s3"
	if err := cfg.Validate(); err == nil {
		t.Errorf("expected error for s3 backup without endpoint")
	}

	cfg = DefaultConfig()
	cfg.Queue.Driver = "carrier-pigeon"
	if err := cfg.Validate(); err == nil {
		t.Errorf("expected error for unknown queue driver")
	}
}

func TestLoadConfig_RejectsNonPositiveMaxDuration(t *testing.T) {
	path := writeConfig(t, "jobs:\n  max_duration: 0s\n")
	_, err := LoadConfig(path)
	if err == nil || !strings.Contains(err.Error(), "jobs.max_duration") {
		t.Fatalf("expected jobs.max_duration error, got %v", err)
	}
}
