package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type AuthMode string

const (
	AuthModeRequired AuthMode = "required"
	AuthModeDisabled AuthMode = "disabled"
)

type Config struct {
	Addr string

	AuthMode AuthMode
	// APITokens maps a bearer token to the user id it authenticates.
	APITokens map[string]string

	GeminiAPIKey string
	GeminiModel  string

	// Optional durable stores. Empty means in-memory.
	PostgresDSN string
	RedisAddr   string
	RedisPrefix string

	MaxBodyBytes int64

	// Session registry tuning.
	SessionIdleTimeout     time.Duration
	SessionEndedRetention  time.Duration
	SessionJanitorInterval time.Duration
	ContextWindow          int

	// Backend call budgets.
	MessageBackendTimeout time.Duration
	MessageRetryTimeout   time.Duration
	VoiceBackendTimeout   time.Duration
	VoiceRetryTimeout     time.Duration

	// Live WebSocket mode (/v1/live).
	LiveMaxMessageBytes  int64
	LiveWSPingInterval   time.Duration
	LiveWSWriteTimeout   time.Duration
	LiveHandshakeTimeout time.Duration
	LiveOutboundQueue    int

	// Per-principal limits.
	LimitRPS                float64
	LimitBurst              int
	LimitMaxSessionsPerUser int

	// Operational defaults.
	ReadHeaderTimeout   time.Duration
	ReadTimeout         time.Duration
	ShutdownGracePeriod time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                    envOr("TUTOR_ADDR", ":8080"),
		AuthMode:                AuthMode(envOr("TUTOR_AUTH_MODE", string(AuthModeRequired))),
		APITokens:               make(map[string]string),
		GeminiAPIKey:            envOr("TUTOR_GEMINI_API_KEY", ""),
		GeminiModel:             envOr("TUTOR_GEMINI_MODEL", ""),
		PostgresDSN:             envOr("TUTOR_POSTGRES_DSN", ""),
		RedisAddr:               envOr("TUTOR_REDIS_ADDR", ""),
		RedisPrefix:             envOr("TUTOR_REDIS_PREFIX", "tutor"),
		MaxBodyBytes:            envInt64Or("TUTOR_MAX_BODY_BYTES", 12<<20), // headroom over the 10 MiB audio cap
		SessionIdleTimeout:      envDurationOr("TUTOR_SESSION_IDLE_TIMEOUT", 30*time.Minute),
		SessionEndedRetention:   envDurationOr("TUTOR_SESSION_ENDED_RETENTION", 5*time.Minute),
		SessionJanitorInterval:  envDurationOr("TUTOR_SESSION_JANITOR_INTERVAL", time.Minute),
		ContextWindow:           envIntOr("TUTOR_CONTEXT_WINDOW", 12),
		MessageBackendTimeout:   envDurationOr("TUTOR_MESSAGE_BACKEND_TIMEOUT", 10*time.Second),
		MessageRetryTimeout:     envDurationOr("TUTOR_MESSAGE_RETRY_TIMEOUT", 4*time.Second),
		VoiceBackendTimeout:     envDurationOr("TUTOR_VOICE_BACKEND_TIMEOUT", 20*time.Second),
		VoiceRetryTimeout:       envDurationOr("TUTOR_VOICE_RETRY_TIMEOUT", 8*time.Second),
		LiveMaxMessageBytes:     envInt64Or("TUTOR_LIVE_MAX_MESSAGE_BYTES", 16<<20), // base64 audio in JSON frames
		LiveWSPingInterval:      envDurationOr("TUTOR_LIVE_WS_PING_INTERVAL", 20*time.Second),
		LiveWSWriteTimeout:      envDurationOr("TUTOR_LIVE_WS_WRITE_TIMEOUT", 5*time.Second),
		LiveHandshakeTimeout:    envDurationOr("TUTOR_LIVE_HANDSHAKE_TIMEOUT", 5*time.Second),
		LiveOutboundQueue:       envIntOr("TUTOR_LIVE_OUTBOUND_QUEUE", 64),
		LimitRPS:                envFloat64Or("TUTOR_RATE_LIMIT_RPS", 5.0),
		LimitBurst:              envIntOr("TUTOR_RATE_LIMIT_BURST", 10),
		LimitMaxSessionsPerUser: envIntOr("TUTOR_MAX_LIVE_SESSIONS_PER_USER", 2),
		ReadHeaderTimeout:       envDurationOr("TUTOR_READ_HEADER_TIMEOUT", 10*time.Second),
		ReadTimeout:             envDurationOr("TUTOR_READ_TIMEOUT", 60*time.Second),
		ShutdownGracePeriod:     envDurationOr("TUTOR_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
	}

	switch cfg.AuthMode {
	case AuthModeRequired, AuthModeDisabled:
	default:
		return Config{}, fmt.Errorf("TUTOR_AUTH_MODE must be one of required|disabled")
	}

	// TUTOR_API_TOKENS is a comma-separated list of token:user-id pairs.
	for _, pair := range splitCSV(os.Getenv("TUTOR_API_TOKENS")) {
		token, userID, ok := strings.Cut(pair, ":")
		token = strings.TrimSpace(token)
		userID = strings.TrimSpace(userID)
		if !ok || token == "" || userID == "" {
			return Config{}, fmt.Errorf("TUTOR_API_TOKENS entries must be token:user-id pairs")
		}
		cfg.APITokens[token] = userID
	}

	if cfg.MaxBodyBytes <= 0 {
		return Config{}, fmt.Errorf("TUTOR_MAX_BODY_BYTES must be > 0")
	}
	if cfg.SessionIdleTimeout <= 0 {
		return Config{}, fmt.Errorf("TUTOR_SESSION_IDLE_TIMEOUT must be > 0")
	}
	if cfg.SessionEndedRetention <= 0 {
		return Config{}, fmt.Errorf("TUTOR_SESSION_ENDED_RETENTION must be > 0")
	}
	if cfg.SessionJanitorInterval <= 0 {
		return Config{}, fmt.Errorf("TUTOR_SESSION_JANITOR_INTERVAL must be > 0")
	}
	if cfg.ContextWindow <= 0 {
		return Config{}, fmt.Errorf("TUTOR_CONTEXT_WINDOW must be > 0")
	}
	if cfg.MessageBackendTimeout <= 0 {
		return Config{}, fmt.Errorf("TUTOR_MESSAGE_BACKEND_TIMEOUT must be > 0")
	}
	if cfg.MessageRetryTimeout <= 0 {
		return Config{}, fmt.Errorf("TUTOR_MESSAGE_RETRY_TIMEOUT must be > 0")
	}
	if cfg.VoiceBackendTimeout <= 0 {
		return Config{}, fmt.Errorf("TUTOR_VOICE_BACKEND_TIMEOUT must be > 0")
	}
	if cfg.VoiceRetryTimeout <= 0 {
		return Config{}, fmt.Errorf("TUTOR_VOICE_RETRY_TIMEOUT must be > 0")
	}
	if cfg.LiveMaxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("TUTOR_LIVE_MAX_MESSAGE_BYTES must be > 0")
	}
	if cfg.LiveWSPingInterval <= 0 {
		return Config{}, fmt.Errorf("TUTOR_LIVE_WS_PING_INTERVAL must be > 0")
	}
	if cfg.LiveWSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("TUTOR_LIVE_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.LiveHandshakeTimeout <= 0 {
		return Config{}, fmt.Errorf("TUTOR_LIVE_HANDSHAKE_TIMEOUT must be > 0")
	}
	if cfg.LiveOutboundQueue <= 0 {
		return Config{}, fmt.Errorf("TUTOR_LIVE_OUTBOUND_QUEUE must be > 0")
	}
	if cfg.LimitRPS < 0 {
		return Config{}, fmt.Errorf("TUTOR_RATE_LIMIT_RPS must be >= 0")
	}
	if cfg.LimitBurst < 0 {
		return Config{}, fmt.Errorf("TUTOR_RATE_LIMIT_BURST must be >= 0")
	}
	if cfg.LimitMaxSessionsPerUser < 0 {
		return Config{}, fmt.Errorf("TUTOR_MAX_LIVE_SESSIONS_PER_USER must be >= 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("TUTOR_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ReadTimeout <= 0 {
		return Config{}, fmt.Errorf("TUTOR_READ_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("TUTOR_SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	if cfg.AuthMode == AuthModeRequired && len(cfg.APITokens) == 0 {
		return Config{}, fmt.Errorf("TUTOR_API_TOKENS must be set when TUTOR_AUTH_MODE=required")
	}

	return cfg, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envFloat64Or(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return n
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
