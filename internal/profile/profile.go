package profile

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Profile is the configuration to start the main server.
type Profile struct {
	// Server settings
	Addr     string
	Port     int
	Mode     string // "prod", "dev" or "demo"
	LogLevel string
	Version  string

	// Rendezvous deadlines
	HandshakeTimeout time.Duration // deadline for the first request's suspension
	TurnTimeout      time.Duration // deadline for every subsequent suspension

	// Session lifecycle
	SessionTTL      time.Duration // idle age after which the reaper evicts a session
	CleanupInterval time.Duration // reaper period
	MaxSessions     int           // hard cap on concurrent sessions

	// Security settings
	MaxPayloadSize     int64 // inbound body cap in bytes, enforced before the handler
	RateLimitEnabled   bool
	RateLimitPerMinute int
	RateLimitBurst     int
	APIKeys            []string // non-empty enables bearer-token auth
}

const (
	defaultHandshakeTimeout = 30 * time.Second
	defaultTurnTimeout      = 30 * time.Second
	defaultSessionTTL       = time.Hour
	defaultCleanupInterval  = time.Minute
	defaultMaxSessions      = 100
	defaultMaxPayloadSize   = 1 << 20 // 1 MiB
)

func (p *Profile) IsDev() bool {
	return p.Mode != "prod"
}

// SlogLevel maps the configured log level onto slog's levels.
func (p *Profile) SlogLevel() slog.Level {
	switch strings.ToLower(p.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// getEnvOrDefault returns environment variable value or default value.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvOrDefaultInt returns environment variable value as int or default value.
func getEnvOrDefaultInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvOrDefaultSeconds reads a duration expressed as seconds.
func getEnvOrDefaultSeconds(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return time.Duration(f * float64(time.Second))
		}
	}
	return defaultValue
}

// FromEnv loads configuration from MOTIVEPROXY_* environment variables.
func (p *Profile) FromEnv() {
	p.HandshakeTimeout = getEnvOrDefaultSeconds("MOTIVEPROXY_HANDSHAKE_TIMEOUT_SECONDS", defaultHandshakeTimeout)
	p.TurnTimeout = getEnvOrDefaultSeconds("MOTIVEPROXY_TURN_TIMEOUT_SECONDS", defaultTurnTimeout)
	p.SessionTTL = getEnvOrDefaultSeconds("MOTIVEPROXY_SESSION_TTL_SECONDS", defaultSessionTTL)
	p.CleanupInterval = getEnvOrDefaultSeconds("MOTIVEPROXY_CLEANUP_INTERVAL_SECONDS", defaultCleanupInterval)
	p.MaxSessions = getEnvOrDefaultInt("MOTIVEPROXY_MAX_SESSIONS", defaultMaxSessions)
	p.MaxPayloadSize = int64(getEnvOrDefaultInt("MOTIVEPROXY_MAX_PAYLOAD_SIZE", defaultMaxPayloadSize))

	p.RateLimitEnabled = getEnvOrDefault("MOTIVEPROXY_RATE_LIMIT_ENABLED", "true") == "true"
	p.RateLimitPerMinute = getEnvOrDefaultInt("MOTIVEPROXY_RATE_LIMIT_REQUESTS_PER_MINUTE", 60)
	p.RateLimitBurst = getEnvOrDefaultInt("MOTIVEPROXY_RATE_LIMIT_BURST_LIMIT", 10)

	if keys := os.Getenv("MOTIVEPROXY_API_KEYS"); keys != "" {
		for _, k := range strings.Split(keys, ",") {
			if k = strings.TrimSpace(k); k != "" {
				p.APIKeys = append(p.APIKeys, k)
			}
		}
	}

	if p.LogLevel == "" {
		p.LogLevel = getEnvOrDefault("MOTIVEPROXY_LOG_LEVEL", "info")
	}
}

// Validate normalizes and checks the profile.
func (p *Profile) Validate() error {
	if p.Mode != "demo" && p.Mode != "dev" && p.Mode != "prod" {
		p.Mode = "demo"
	}
	if p.Port <= 0 || p.Port > 65535 {
		return errors.Errorf("invalid port %d", p.Port)
	}
	if p.HandshakeTimeout <= 0 {
		return errors.New("handshake timeout must be positive")
	}
	if p.TurnTimeout <= 0 {
		return errors.New("turn timeout must be positive")
	}
	if p.SessionTTL <= 0 {
		return errors.New("session TTL must be positive")
	}
	if p.CleanupInterval <= 0 {
		return errors.New("cleanup interval must be positive")
	}
	if p.MaxSessions <= 0 {
		return errors.New("max sessions must be positive")
	}
	if p.MaxPayloadSize <= 0 {
		return errors.New("max payload size must be positive")
	}
	return nil
}
