package config

import (
	"testing"
	"time"
)

func TestLoadFromEnv_Defaults(t *testing.T) {
	t.Setenv("TUTOR_AUTH_MODE", "disabled")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	if cfg.Addr != ":8080" {
		t.Fatalf("Addr=%q, want :8080", cfg.Addr)
	}
	if cfg.SessionIdleTimeout != 30*time.Minute {
		t.Fatalf("SessionIdleTimeout=%v, want 30m", cfg.SessionIdleTimeout)
	}
	if cfg.MaxBodyBytes != 12<<20 {
		t.Fatalf("MaxBodyBytes=%d, want 12 MiB", cfg.MaxBodyBytes)
	}
	if cfg.ContextWindow != 12 {
		t.Fatalf("ContextWindow=%d, want 12", cfg.ContextWindow)
	}
}

func TestLoadFromEnv_RequiredAuthNeedsTokens(t *testing.T) {
	t.Setenv("TUTOR_AUTH_MODE", "required")
	t.Setenv("TUTOR_API_TOKENS", "")

	if _, err := LoadFromEnv(); err == nil {
		t.Fatal("expected error for required auth without tokens")
	}
}

func TestLoadFromEnv_ParsesTokenPairs(t *testing.T) {
	t.Setenv("TUTOR_AUTH_MODE", "required")
	t.Setenv("TUTOR_API_TOKENS", "tok1:alice, tok2:bob")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	if got := cfg.APITokens["tok1"]; got != "alice" {
		t.Fatalf("APITokens[tok1]=%q, want alice", got)
	}
	if got := cfg.APITokens["tok2"]; got != "bob" {
		t.Fatalf("APITokens[tok2]=%q, want bob", got)
	}
}

func TestLoadFromEnv_RejectsMalformedTokenPair(t *testing.T) {
	t.Setenv("TUTOR_AUTH_MODE", "required")
	t.Setenv("TUTOR_API_TOKENS", "justatoken")

	if _, err := LoadFromEnv(); err == nil {
		t.Fatal("expected error for token entry without user id")
	}
}

func TestLoadFromEnv_InvalidAuthMode(t *testing.T) {
	t.Setenv("TUTOR_AUTH_MODE", "sometimes")

	if _, err := LoadFromEnv(); err == nil {
		t.Fatal("expected error for invalid auth mode")
	}
}

func TestLoadFromEnv_BadDurationFallsBack(t *testing.T) {
	t.Setenv("TUTOR_AUTH_MODE", "disabled")
	t.Setenv("TUTOR_SESSION_IDLE_TIMEOUT", "not-a-duration")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	if cfg.SessionIdleTimeout != 30*time.Minute {
		t.Fatalf("SessionIdleTimeout=%v, want default 30m", cfg.SessionIdleTimeout)
	}
}
