package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const envPrefix = "RELAYSTATE_"

func applyEnv(cfg *Config) {
	cfg.Logging.Level = stringEnv("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = stringEnv("LOG_FORMAT", cfg.Logging.Format)

	cfg.Storage.Profile = stringEnv("BACKEND_PROFILE", cfg.Storage.Profile)
	cfg.Storage.DataDir = stringEnv("DATA_DIR", cfg.Storage.DataDir)
	cfg.Storage.DSN = stringEnv("STORAGE_DSN", cfg.Storage.DSN)
	cfg.Storage.PostgresDSN = stringEnv("POSTGRES_DSN", cfg.Storage.PostgresDSN)

	cfg.Hub.Addr = stringEnv("ADDR", cfg.Hub.Addr)
	cfg.Hub.JWTSecret = stringEnv("JWT_SECRET", cfg.Hub.JWTSecret)
	cfg.Hub.RateLimit = floatEnv("RATE_LIMIT", cfg.Hub.RateLimit)
	cfg.Hub.RateBurst = intEnv("RATE_BURST", cfg.Hub.RateBurst)
	cfg.Hub.ReadLimit = int64Env("READ_LIMIT", cfg.Hub.ReadLimit)
	cfg.Hub.SendBuffer = intEnv("SEND_BUFFER", cfg.Hub.SendBuffer)
	cfg.Hub.Compression = boolEnv("HUB_COMPRESSION", cfg.Hub.Compression)
	cfg.Hub.Metrics = boolEnv("HUB_METRICS", cfg.Hub.Metrics)

	if raw := strings.TrimSpace(os.Getenv(envPrefix + "CLIENTS")); raw != "" {
		cfg.Node.Clients = splitList(raw)
	}
	cfg.Node.HubURL = stringEnv("HUB_URL", cfg.Node.HubURL)
	cfg.Node.Token = stringEnv("TOKEN", cfg.Node.Token)
	cfg.Node.JWTSecret = stringEnv("NODE_JWT_SECRET", cfg.Node.JWTSecret)
	cfg.Node.PeerID = stringEnv("PEER_ID", cfg.Node.PeerID)
	cfg.Node.OutboxDSN = stringEnv("OUTBOX_DSN", cfg.Node.OutboxDSN)
	cfg.Node.OutboxCapacity = intEnv("OUTBOX_CAPACITY", cfg.Node.OutboxCapacity)
	cfg.Node.OverflowPolicy = stringEnv("OVERFLOW_POLICY", cfg.Node.OverflowPolicy)
	cfg.Node.MaxStates = intEnv("MAX_STATES", cfg.Node.MaxStates)
	cfg.Node.MaxQueuedUpdates = intEnv("MAX_QUEUED_UPDATES", cfg.Node.MaxQueuedUpdates)
	cfg.Node.Strategy = stringEnv("STRATEGY", cfg.Node.Strategy)
	cfg.Node.LockTimeout = durationEnv("LOCK_TIMEOUT", cfg.Node.LockTimeout)
	cfg.Node.LockTTL = durationEnv("LOCK_TTL", cfg.Node.LockTTL)
	cfg.Node.AuditInterval = durationEnv("AUDIT_INTERVAL", cfg.Node.AuditInterval)
	cfg.Node.ValidateIntegrity = boolEnv("VALIDATE_INTEGRITY", cfg.Node.ValidateIntegrity)
	cfg.Node.ReconnectInterval = durationEnv("RECONNECT_INTERVAL", cfg.Node.ReconnectInterval)
	cfg.Node.MaxReconnectAttempts = intEnv("MAX_RECONNECT_ATTEMPTS", cfg.Node.MaxReconnectAttempts)
	cfg.Node.HeartbeatInterval = durationEnv("HEARTBEAT_INTERVAL", cfg.Node.HeartbeatInterval)
	cfg.Node.RequestTimeout = durationEnv("REQUEST_TIMEOUT", cfg.Node.RequestTimeout)
	cfg.Node.Compression = boolEnv("NODE_COMPRESSION", cfg.Node.Compression)
	cfg.Node.MetricsAddr = stringEnv("METRICS_ADDR", cfg.Node.MetricsAddr)
}

func stringEnv(name, fallback string) string {
	raw := strings.TrimSpace(os.Getenv(envPrefix + name))
	if raw == "" {
		return fallback
	}
	return raw
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(envPrefix + name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		slog.Warn("invalid environment value, using fallback", "name", envPrefix+name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(envPrefix + name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		slog.Warn("invalid environment value, using fallback", "name", envPrefix+name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := os.Getenv(envPrefix + name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		slog.Warn("invalid environment value, using fallback", "name", envPrefix+name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func boolEnv(name string, fallback bool) bool {
	raw := os.Getenv(envPrefix + name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		slog.Warn("invalid environment value, using fallback", "name", envPrefix+name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(envPrefix + name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		slog.Warn("invalid environment value, using fallback", "name", envPrefix+name, "value", raw, "fallback", fallback.String())
		return fallback
	}
	return value
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
