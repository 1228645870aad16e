package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("COORD_ADDR", "")
	t.Setenv("COORD_AUTH_SECRET", "")
	t.Setenv("COORD_PERSIST_BACKEND", "")
	t.Setenv("COORD_RATE_LIMIT_MAX", "")
	t.Setenv("COORD_TLS_CERT", "")
	t.Setenv("COORD_TLS_KEY", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Address != DefaultAddr {
		t.Fatalf("expected default addr %q, got %q", DefaultAddr, cfg.Address)
	}
	if cfg.HandshakeTimeout != DefaultHandshakeTimeout {
		t.Fatalf("expected default handshake timeout %v, got %v", DefaultHandshakeTimeout, cfg.HandshakeTimeout)
	}
	if cfg.TokenTTL != DefaultTokenTTL {
		t.Fatalf("expected default token ttl %v, got %v", DefaultTokenTTL, cfg.TokenTTL)
	}
	if cfg.RateLimitMax != DefaultRateLimitMax || cfg.RateLimitWindow != DefaultRateLimitWindow {
		t.Fatalf("unexpected rate limit defaults: %d per %v", cfg.RateLimitMax, cfg.RateLimitWindow)
	}
	if cfg.ServerMaxAge != DefaultServerMaxAge || cfg.SessionEmptyAge != DefaultSessionEmptyAge {
		t.Fatalf("unexpected eviction defaults: %v / %v", cfg.ServerMaxAge, cfg.SessionEmptyAge)
	}
	if cfg.Persistence.Backend != "memory" {
		t.Fatalf("expected memory persistence default, got %q", cfg.Persistence.Backend)
	}
	if len(cfg.STUNServers) != 3 {
		t.Fatalf("expected default STUN pool of 3, got %#v", cfg.STUNServers)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("COORD_ADDR", "127.0.0.1:9000")
	t.Setenv("COORD_AUTH_SECRET", "hunter2")
	t.Setenv("COORD_TOKEN_TTL", "1h")
	t.Setenv("COORD_RATE_LIMIT_MAX", "3")
	t.Setenv("COORD_RATE_LIMIT_WINDOW", "30s")
	t.Setenv("COORD_STUN_SERVERS", "stun.example.com:3478, stun2.example.com:3478")
	t.Setenv("COORD_PERSIST_BACKEND", "file")
	t.Setenv("COORD_PERSIST_PATH", "/tmp/records.zst")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Address != "127.0.0.1:9000" {
		t.Fatalf("unexpected address: %q", cfg.Address)
	}
	if cfg.AuthSecret != "hunter2" {
		t.Fatalf("unexpected auth secret: %q", cfg.AuthSecret)
	}
	if cfg.TokenTTL != time.Hour {
		t.Fatalf("unexpected token ttl: %v", cfg.TokenTTL)
	}
	if cfg.RateLimitMax != 3 || cfg.RateLimitWindow != 30*time.Second {
		t.Fatalf("unexpected rate limit override: %d per %v", cfg.RateLimitMax, cfg.RateLimitWindow)
	}
	if len(cfg.STUNServers) != 2 || cfg.STUNServers[0] != "stun.example.com:3478" {
		t.Fatalf("unexpected STUN override: %#v", cfg.STUNServers)
	}
	if cfg.Persistence.Backend != "file" || cfg.Persistence.Path != "/tmp/records.zst" {
		t.Fatalf("unexpected persistence config: %#v", cfg.Persistence)
	}
}

func TestLoadAggregatesProblems(t *testing.T) {
	t.Setenv("COORD_MAX_PAYLOAD_BYTES", "-1")
	t.Setenv("COORD_TOKEN_TTL", "soon")
	t.Setenv("COORD_PERSIST_BACKEND", "carrier-pigeon")
	t.Setenv("COORD_TLS_CERT", "/tmp/cert.pem")
	t.Setenv("COORD_TLS_KEY", "")

	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to fail")
	}
	for _, fragment := range []string{"COORD_MAX_PAYLOAD_BYTES", "COORD_TOKEN_TTL", "COORD_PERSIST_BACKEND", "COORD_TLS_CERT"} {
		if !strings.Contains(err.Error(), fragment) {
			t.Fatalf("expected error to mention %s, got %v", fragment, err)
		}
	}
}

func TestLoadRequiresFilePathForFileBackend(t *testing.T) {
	t.Setenv("COORD_PERSIST_BACKEND", "file")
	t.Setenv("COORD_PERSIST_PATH", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected Load() to reject file backend without a path")
	}
}
