package chat

import (
	"flag"
	"testing"
	"time"
)

func TestParseConfigDefaults(t *testing.T) {
	fs := flag.NewFlagSet("chat", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, nil)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.HTTPAddr != ":8086" {
		t.Fatalf("expected default http addr, got %q", cfg.HTTPAddr)
	}
	if cfg.StorePath != "" {
		t.Fatalf("expected in-memory store by default, got %q", cfg.StorePath)
	}
	if cfg.MaxParticipants != 8 {
		t.Fatalf("expected default capacity 8, got %d", cfg.MaxParticipants)
	}
	if cfg.SessionTTL != 24*time.Hour {
		t.Fatalf("expected default ttl 24h, got %v", cfg.SessionTTL)
	}
}

func TestParseConfigOverrides(t *testing.T) {
	t.Setenv("QUQUER_CHAT_HTTP_ADDR", "env-chat")
	t.Setenv("QUQUER_STORE_PATH", "env-store.db")
	t.Setenv("QUQUER_REDIS_ADDR", "env-redis:6379")

	fs := flag.NewFlagSet("chat", flag.ContinueOnError)
	args := []string{
		"-http-addr", "flag-chat",
		"-store-path", "flag-store.db",
		"-max-participants", "2",
		"-session-ttl", "1h",
	}
	cfg, err := ParseConfig(fs, args)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.HTTPAddr != "flag-chat" {
		t.Fatalf("expected flag http addr, got %q", cfg.HTTPAddr)
	}
	if cfg.StorePath != "flag-store.db" {
		t.Fatalf("expected flag store path, got %q", cfg.StorePath)
	}
	if cfg.RedisAddr != "env-redis:6379" {
		t.Fatalf("expected env redis addr, got %q", cfg.RedisAddr)
	}
	if cfg.MaxParticipants != 2 {
		t.Fatalf("expected flag capacity, got %d", cfg.MaxParticipants)
	}
	if cfg.SessionTTL != time.Hour {
		t.Fatalf("expected flag ttl, got %v", cfg.SessionTTL)
	}
}
