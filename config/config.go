// Package config loads runtime configuration from CHATGATE_* environment
// variables.
package config

import (
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
)

// Config is the full runtime configuration of the bridge process.
type Config struct {
	// ListenAddr is the HTTP bind address.
	ListenAddr string `env:"CHATGATE_LISTEN_ADDR,default=:8080"`
	// PathPrefix prefixes every bridge route.
	PathPrefix string `env:"CHATGATE_PATH_PREFIX,default=/api/v1"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `env:"CHATGATE_LOG_LEVEL,default=info"`

	// AuthToken enables static bearer authentication when set.
	AuthToken string `env:"CHATGATE_AUTH_TOKEN"`
	// AuthTokenFile enables file-backed bearer authentication when set.
	// Takes precedence over AuthToken.
	AuthTokenFile string `env:"CHATGATE_AUTH_TOKEN_FILE"`
	// JWTSecret enables HS256 JWT authentication when set. Takes
	// precedence over both token modes.
	JWTSecret string `env:"CHATGATE_JWT_SECRET"`
	// JWTIssuer is enforced on JWTs when set.
	JWTIssuer string `env:"CHATGATE_JWT_ISSUER"`

	// MaxSessions caps concurrent sessions.
	MaxSessions int `env:"CHATGATE_MAX_SESSIONS,default=1000"`
	// SessionIdleTimeout is how long a session may idle before the
	// sweeper closes it.
	SessionIdleTimeout time.Duration `env:"CHATGATE_SESSION_IDLE_TIMEOUT,default=1h"`
	// SweepInterval is how often the lifecycle sweeper runs.
	SweepInterval time.Duration `env:"CHATGATE_SWEEP_INTERVAL,default=60s"`

	// StreamTimeout bounds the total duration of one SSE stream.
	StreamTimeout time.Duration `env:"CHATGATE_STREAM_TIMEOUT,default=600s"`
	// HeartbeatInterval is the SSE idle heartbeat interval.
	HeartbeatInterval time.Duration `env:"CHATGATE_HEARTBEAT_INTERVAL,default=60s"`
	// StreamQueueCapacity bounds each streaming sink's chunk queue.
	StreamQueueCapacity int `env:"CHATGATE_STREAM_QUEUE_CAPACITY,default=100"`

	// RedisAddr switches the session registry to Redis when set.
	RedisAddr string `env:"CHATGATE_REDIS_ADDR"`

	// NATSURL is the NATS server the consumer publishes to.
	NATSURL string `env:"CHATGATE_NATS_URL,default=nats://localhost:4222"`
	// NATSSubject is the subject events are published to.
	NATSSubject string `env:"CHATGATE_NATS_SUBJECT,default=chatgate.events"`

	// MetricsAddr serves Prometheus metrics when set (e.g. ":9090").
	MetricsAddr string `env:"CHATGATE_METRICS_ADDR"`
}

// Load reads configuration from the environment.
func Load() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}
