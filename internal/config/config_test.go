package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadRelayAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("token.signing_secret", "secret")

	cfg, err := LoadRelay(configViper)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.HTTPAddress != defaultHTTPAddress || cfg.Broker.Kind != BrokerMemory {
		t.Fatalf("unexpected defaults: %#v", cfg)
	}
	if cfg.Token.TTL != defaultTokenTTL || cfg.Token.Audience != defaultAudience {
		t.Fatalf("unexpected token defaults: %#v", cfg.Token)
	}
	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != "*" {
		t.Fatalf("unexpected origins: %v", cfg.AllowedOrigins)
	}
}

func TestLoadRelayReadsEnvironment(t *testing.T) {
	t.Setenv("WAYFARER_TOKEN_SIGNING_SECRET", "from-env")
	t.Setenv("WAYFARER_BROKER_KIND", "redis")
	t.Setenv("WAYFARER_BROKER_REDIS_ADDRESS", "127.0.0.1:6379")
	t.Setenv("WAYFARER_HTTP_ALLOWED_ORIGINS", "https://a.example, https://b.example")

	cfg, err := LoadRelay(NewViper())
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Token.SigningSecret != "from-env" || cfg.Broker.RedisAddress != "127.0.0.1:6379" {
		t.Fatalf("env values not applied: %#v", cfg)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://b.example" {
		t.Fatalf("unexpected origins: %v", cfg.AllowedOrigins)
	}
}

func TestLoadRelayValidation(t *testing.T) {
	if _, err := LoadRelay(NewViper()); err == nil || !strings.Contains(err.Error(), "signing_secret") {
		t.Fatalf("expected missing secret error, got %v", err)
	}

	configViper := NewViper()
	configViper.Set("token.signing_secret", "secret")
	configViper.Set("broker.kind", "redis")
	if _, err := LoadRelay(configViper); err == nil || !strings.Contains(err.Error(), "broker.redis.address") {
		t.Fatalf("expected missing redis address error, got %v", err)
	}

	configViper.Set("broker.kind", "kafka")
	if _, err := LoadRelay(configViper); err == nil {
		t.Fatalf("expected unknown broker error")
	}
}

func TestLoadClient(t *testing.T) {
	configViper := NewViper()
	if _, err := LoadClient(configViper); err == nil {
		t.Fatalf("expected missing token error")
	}

	configViper.Set("client.token", "abc")
	configViper.Set("client.channel_url", "wss://relay.example/ws")
	configViper.Set("client.action_timeout", 3*time.Second)
	cfg, err := LoadClient(configViper)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.ActionTimeout != 3*time.Second || cfg.JoinTimeout != defaultJoinTimeout {
		t.Fatalf("unexpected timeouts: %#v", cfg)
	}
	base, err := cfg.HTTPBaseURL()
	if err != nil || base != "https://relay.example" {
		t.Fatalf("unexpected base url %q %v", base, err)
	}

	configViper.Set("client.channel_url", "http://relay.example/ws")
	if _, err := LoadClient(configViper); err == nil {
		t.Fatalf("expected non-websocket url to be rejected")
	}
}

func TestLoadEnvFile(t *testing.T) {
	if err := LoadEnvFile(filepath.Join(t.TempDir(), "missing.env"), false); err != nil {
		t.Fatalf("optional missing file must be ignored: %v", err)
	}
	if err := LoadEnvFile(filepath.Join(t.TempDir(), "missing.env"), true); err == nil {
		t.Fatalf("required missing file must fail")
	}

	path := filepath.Join(t.TempDir(), "relay.env")
	if err := os.WriteFile(path, []byte("WAYFARER_TEST_ENV_FILE=loaded\n"), 0o600); err != nil {
		t.Fatalf("failed to write env file: %v", err)
	}
	t.Setenv("WAYFARER_TEST_ENV_FILE", "")
	os.Unsetenv("WAYFARER_TEST_ENV_FILE")
	if err := LoadEnvFile(path, true); err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if os.Getenv("WAYFARER_TEST_ENV_FILE") != "loaded" {
		t.Fatalf("expected env file value to be exported")
	}
}
