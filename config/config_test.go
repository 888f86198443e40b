package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "/api/v1", cfg.PathPrefix)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 1000, cfg.MaxSessions)
	assert.Equal(t, time.Hour, cfg.SessionIdleTimeout)
	assert.Equal(t, 60*time.Second, cfg.SweepInterval)
	assert.Equal(t, 600*time.Second, cfg.StreamTimeout)
	assert.Equal(t, 100, cfg.StreamQueueCapacity)
	assert.Equal(t, "nats://localhost:4222", cfg.NATSURL)
	assert.Equal(t, "chatgate.events", cfg.NATSSubject)
	assert.Empty(t, cfg.AuthToken)
	assert.Empty(t, cfg.RedisAddr)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("CHATGATE_LISTEN_ADDR", ":9999")
	t.Setenv("CHATGATE_AUTH_TOKEN", "tok")
	t.Setenv("CHATGATE_SESSION_IDLE_TIMEOUT", "30m")
	t.Setenv("CHATGATE_MAX_SESSIONS", "5")
	t.Setenv("CHATGATE_NATS_SUBJECT", "chatgate.test")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.ListenAddr)
	assert.Equal(t, "tok", cfg.AuthToken)
	assert.Equal(t, 30*time.Minute, cfg.SessionIdleTimeout)
	assert.Equal(t, 5, cfg.MaxSessions)
	assert.Equal(t, "chatgate.test", cfg.NATSSubject)
}
