package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HeartbeatInterval != 30*time.Second || cfg.HeartbeatTimeout != 90*time.Second {
		t.Errorf("heartbeat defaults = %s / %s", cfg.HeartbeatInterval, cfg.HeartbeatTimeout)
	}
	if cfg.TURNTTL != 24*time.Hour {
		t.Errorf("turn ttl = %s", cfg.TURNTTL)
	}
	if cfg.MaxMalformedFrames != 5 {
		t.Errorf("max malformed frames = %d", cfg.MaxMalformedFrames)
	}
}

func TestLoadRejectsShortTimeout(t *testing.T) {
	t.Setenv("WS_HEARTBEAT_INTERVAL", "30s")
	t.Setenv("WS_HEARTBEAT_TIMEOUT", "10s")
	if _, err := Load(); err == nil {
		t.Error("timeout below interval accepted")
	}
}

func TestLoadAcceptsPlainSeconds(t *testing.T) {
	t.Setenv("WS_HEARTBEAT_INTERVAL", "15")
	t.Setenv("WS_HEARTBEAT_TIMEOUT", "45")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HeartbeatInterval != 15*time.Second || cfg.HeartbeatTimeout != 45*time.Second {
		t.Errorf("got %s / %s", cfg.HeartbeatInterval, cfg.HeartbeatTimeout)
	}
}

func TestLoadRejectsBadLogFormat(t *testing.T) {
	t.Setenv("CAMSIGNAL_LOG_FORMAT", "xml")
	if _, err := Load(); err == nil {
		t.Error("bad log format accepted")
	}
}

func TestCORSOriginsList(t *testing.T) {
	t.Setenv("CORS_ORIGINS", "https://app.example.com, https://other.example.com ,")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[0] != "https://app.example.com" {
		t.Errorf("origins = %v", cfg.CORSOrigins)
	}
}
