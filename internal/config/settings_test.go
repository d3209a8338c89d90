package config

import (
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"
)

func setValidEnv(t *testing.T) {
	t.Helper()
	t.Setenv("VMANAGE_HOST", "vmanage.example.net")
	t.Setenv("VMANAGE_USER", "admin")
	t.Setenv("VMANAGE_PASS", "s3cret")
	t.Setenv("ZSCALER_JSON_URL", "https://config.zscaler.com/api/zscaler.net/cenr/json")
}

func TestFromEnvDefaults(t *testing.T) {
	setValidEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Sync.BaseName != DefaultBaseName {
		t.Fatalf("BaseName = %q, want %q", cfg.Sync.BaseName, DefaultBaseName)
	}
	if cfg.Sync.MaxChunk != 500 || cfg.Sync.MaxRemovePercent != 25 {
		t.Fatalf("unexpected sync defaults: %+v", cfg.Sync)
	}
	if cfg.Sync.Interval != time.Hour {
		t.Fatalf("Interval = %s, want 1h", cfg.Sync.Interval)
	}
	if cfg.VManage.Port != 8443 || !cfg.VManage.VerifyTLS {
		t.Fatalf("unexpected vmanage defaults: %+v", cfg.VManage)
	}
	if cfg.Feed.Family != "ipv4" {
		t.Fatalf("Family = %q, want ipv4", cfg.Feed.Family)
	}
	if cfg.Level() != log.InfoLevel {
		t.Fatalf("Level = %v, want info", cfg.Level())
	}
}

func TestFromEnvOverrides(t *testing.T) {
	setValidEnv(t)
	t.Setenv("DPL_NAME", "BYPASS")
	t.Setenv("ZSCALER_MAX_CHUNK", "100")
	t.Setenv("MAX_REMOVE_PERCENT", "10.5")
	t.Setenv("ZSCALER_FAMILY", "Both")
	t.Setenv("VERIFY_TLS", "false")
	t.Setenv("SYNC_INTERVAL", "15m")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Sync.BaseName != "BYPASS" || cfg.Sync.MaxChunk != 100 || cfg.Sync.MaxRemovePercent != 10.5 {
		t.Fatalf("overrides not applied: %+v", cfg.Sync)
	}
	if cfg.Feed.Family != "both" || cfg.VManage.VerifyTLS {
		t.Fatalf("overrides not applied: %+v %+v", cfg.Feed, cfg.VManage)
	}
	if cfg.Sync.Interval != 15*time.Minute || cfg.Level() != log.DebugLevel {
		t.Fatalf("overrides not applied: %s %v", cfg.Sync.Interval, cfg.Level())
	}
}

func TestValidateReportsEnvNames(t *testing.T) {
	setValidEnv(t)
	t.Setenv("VMANAGE_PASS", "")
	t.Setenv("ZSCALER_MAX_CHUNK", "0")
	t.Setenv("MAX_REMOVE_PERCENT", "150")
	t.Setenv("ZSCALER_FAMILY", "ipx")

	_, err := Load()
	if err == nil {
		t.Fatal("Load accepted invalid settings")
	}

	msg := err.Error()
	for _, want := range []string{"VMANAGE_PASS", "ZSCALER_MAX_CHUNK", "MAX_REMOVE_PERCENT", "ZSCALER_FAMILY"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("error %q does not mention %s", msg, want)
		}
	}
}

func TestBaseURLReplacesHost(t *testing.T) {
	setValidEnv(t)
	t.Setenv("VMANAGE_HOST", "")
	t.Setenv("VMANAGE_URL", "https://127.0.0.1:9443")

	if _, err := Load(); err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
}

func TestValidateForSyncNeedsFeed(t *testing.T) {
	setValidEnv(t)
	t.Setenv("ZSCALER_JSON_URL", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	err = cfg.ValidateForSync()
	if err == nil || !strings.Contains(err.Error(), "ZSCALER_JSON_URL") {
		t.Fatalf("ValidateForSync returned %v, want ZSCALER_JSON_URL error", err)
	}
}
