// Package redisstore provides a Redis-backed sessions.Registry for
// deployments where session metadata should survive a process restart or be
// shared across instances. The in-memory registry remains the default.
//
// Transport teardown hooks (Metadata.CloseFunc) are process-local and are
// not persisted; this store is intended for HTTP-style sessions that have
// no long-lived wire to tear down.
package redisstore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/chatgate/chatgate/sessions"
)

// Config for the Redis-backed registry. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: CHATGATE_REDIS_ADDR
	RedisAddr string `env:"CHATGATE_REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: CHATGATE_SESSIONS_KEY_PREFIX
	KeyPrefix string `env:"CHATGATE_SESSIONS_KEY_PREFIX,default=chatgate:sessions:"`
	// Capacity caps concurrent sessions; zero or less means unbounded.
	Capacity int `env:"CHATGATE_MAX_SESSIONS,default=1000"`
}

// Registry implements sessions.Registry on Redis. Session attributes live in
// a hash per session; a sorted set indexed by last-active time drives both
// capacity eviction and idle sweeping.
type Registry struct {
	client    *redis.Client
	keyPrefix string
	capacity  int
}

// New connects to Redis and verifies the connection.
func New(cfg Config) (*Registry, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "chatgate:sessions:"
	}
	return &Registry{client: cl, keyPrefix: prefix, capacity: cfg.Capacity}, nil
}

// NewFromEnv builds a Registry using envdecode to populate Config.
func NewFromEnv() (*Registry, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode redis config: %w", err)
	}
	return New(cfg)
}

// Shutdown closes the Redis client.
func (r *Registry) Shutdown() error { return r.client.Close() }

func (r *Registry) hashKey(sessionID string) string { return r.keyPrefix + "meta:" + sessionID }
func (r *Registry) indexKey() string                { return r.keyPrefix + "by_active" }

// touchScript updates last_active and the message count only while the
// session hash still exists, so Touch cannot resurrect a closed session.
var touchScript = redis.NewScript(`
local hash = KEYS[1]
local index = KEYS[2]
local id = ARGV[1]
local now = ARGV[2]
if redis.call('EXISTS', hash) == 0 then
  return 0
end
redis.call('HSET', hash, 'last_active', now)
redis.call('HINCRBY', hash, 'message_count', 1)
redis.call('ZADD', index, now, id)
return 1
`)

func (r *Registry) Open(ctx context.Context, sessionID string, meta sessions.Metadata) (sessions.Stats, error) {
	now := time.Now()

	exists, err := r.client.Exists(ctx, r.hashKey(sessionID)).Result()
	if err != nil {
		return sessions.Stats{}, fmt.Errorf("redis exists: %w", err)
	}
	if exists == 1 {
		return r.stats(ctx, sessionID)
	}

	if r.capacity > 0 {
		n, err := r.client.ZCard(ctx, r.indexKey()).Result()
		if err != nil {
			return sessions.Stats{}, fmt.Errorf("redis zcard: %w", err)
		}
		if n >= int64(r.capacity) {
			victims, err := r.client.ZRange(ctx, r.indexKey(), 0, 0).Result()
			if err != nil {
				return sessions.Stats{}, fmt.Errorf("redis zrange: %w", err)
			}
			for _, v := range victims {
				if err := r.Close(ctx, v, sessions.ReasonCapacityExceeded); err != nil {
					return sessions.Stats{}, err
				}
			}
		}
	}

	ts := strconv.FormatInt(now.UnixNano(), 10)
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, r.hashKey(sessionID), map[string]interface{}{
		"created_at":    ts,
		"last_active":   ts,
		"message_count": 0,
		"user_id":       meta.UserID,
		"nickname":      meta.Nickname,
		"client_ip":     meta.ClientIP,
		"user_agent":    meta.UserAgent,
	})
	pipe.ZAdd(ctx, r.indexKey(), redis.Z{Score: float64(now.UnixNano()), Member: sessionID})
	if _, err := pipe.Exec(ctx); err != nil {
		return sessions.Stats{}, fmt.Errorf("redis open: %w", err)
	}

	return sessions.Stats{
		SessionID:  sessionID,
		CreatedAt:  now,
		LastActive: now,
		UserID:     meta.UserID,
		Nickname:   meta.Nickname,
		ClientIP:   meta.ClientIP,
		UserAgent:  meta.UserAgent,
		Active:     true,
	}, nil
}

func (r *Registry) Touch(ctx context.Context, sessionID string) error {
	keys := []string{r.hashKey(sessionID), r.indexKey()}
	now := strconv.FormatInt(time.Now().UnixNano(), 10)
	res, err := touchScript.Run(ctx, r.client, keys, sessionID, now).Int()
	if err != nil {
		return fmt.Errorf("redis touch: %w", err)
	}
	if res == 0 {
		return sessions.ErrNotFound
	}
	return nil
}

func (r *Registry) Close(ctx context.Context, sessionID string, reason string) error {
	c := context.WithoutCancel(ctx)
	pipe := r.client.TxPipeline()
	pipe.Del(c, r.hashKey(sessionID))
	pipe.ZRem(c, r.indexKey(), sessionID)
	if _, err := pipe.Exec(c); err != nil {
		return fmt.Errorf("redis close: %w", err)
	}
	return nil
}

func (r *Registry) Sweep(ctx context.Context, now time.Time, idleTimeout time.Duration) ([]string, error) {
	cutoff := now.Add(-idleTimeout).UnixNano()
	stale, err := r.client.ZRangeByScore(ctx, r.indexKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis sweep scan: %w", err)
	}
	for _, id := range stale {
		if err := r.Close(ctx, id, sessions.ReasonIdleTimeout); err != nil {
			return nil, err
		}
	}
	return stale, nil
}

func (r *Registry) Stats(ctx context.Context) ([]sessions.Stats, error) {
	ids, err := r.client.ZRange(ctx, r.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis stats scan: %w", err)
	}
	out := make([]sessions.Stats, 0, len(ids))
	for _, id := range ids {
		st, err := r.stats(ctx, id)
		if err != nil {
			// Session closed between scan and read; skip.
			continue
		}
		out = append(out, st)
	}
	return out, nil
}

func (r *Registry) Len(ctx context.Context) (int, error) {
	n, err := r.client.ZCard(ctx, r.indexKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("redis zcard: %w", err)
	}
	return int(n), nil
}

func (r *Registry) CloseAll(ctx context.Context, reason string) error {
	ids, err := r.client.ZRange(ctx, r.indexKey(), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("redis closeall scan: %w", err)
	}
	for _, id := range ids {
		if err := r.Close(ctx, id, reason); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) stats(ctx context.Context, sessionID string) (sessions.Stats, error) {
	vals, err := r.client.HGetAll(ctx, r.hashKey(sessionID)).Result()
	if err != nil {
		return sessions.Stats{}, fmt.Errorf("redis hgetall: %w", err)
	}
	if len(vals) == 0 {
		return sessions.Stats{}, sessions.ErrNotFound
	}
	created, _ := strconv.ParseInt(vals["created_at"], 10, 64)
	active, _ := strconv.ParseInt(vals["last_active"], 10, 64)
	count, _ := strconv.Atoi(vals["message_count"])
	return sessions.Stats{
		SessionID:    sessionID,
		CreatedAt:    time.Unix(0, created),
		LastActive:   time.Unix(0, active),
		MessageCount: count,
		UserID:       vals["user_id"],
		Nickname:     vals["nickname"],
		ClientIP:     vals["client_ip"],
		UserAgent:    vals["user_agent"],
		Active:       true,
	}, nil
}

var _ sessions.Registry = (*Registry)(nil)
