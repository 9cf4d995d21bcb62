package clients

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/DominicOram/dodal/internal/config"
	"github.com/DominicOram/dodal/internal/control"
	"github.com/DominicOram/dodal/internal/events"
)

const redisProbeName = "redis"

// redisStore is the subset of go-redis the state store uses. It is
// implemented by the real client and by test doubles.
type redisStore interface {
	PingResult(ctx context.Context) (string, error)
	HSet(ctx context.Context, key string, values ...any) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	Close() error
}

// realRedisStore adapts a *redis.Client to redisStore so tests can inject a
// fake without constructing real command results.
type realRedisStore struct {
	client *redis.Client
}

func (r *realRedisStore) PingResult(ctx context.Context) (string, error) {
	return r.client.Ping(ctx).Result()
}

func (r *realRedisStore) HSet(ctx context.Context, key string, values ...any) error {
	return r.client.HSet(ctx, key, values...).Err()
}

func (r *realRedisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return r.client.HGetAll(ctx, key).Result()
}

func (r *realRedisStore) Close() error {
	return r.client.Close()
}

// RedisStateStore keeps the latest state of every device in a Redis hash at
// dodal:<beamline>:<device>.
type RedisStateStore struct {
	cb    *gobreaker.CircuitBreaker
	store redisStore
}

// NewRedisStateStore creates a RedisStateStore. go-redis connects on first
// use, so no connection is opened here.
func NewRedisStateStore(cfg config.RedisConfig, cb *gobreaker.CircuitBreaker) *RedisStateStore {
	return &RedisStateStore{
		cb: cb,
		store: &realRedisStore{
			client: redis.NewClient(&redis.Options{
				Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
				Password: cfg.Password,
				DB:       cfg.DB,
			}),
		},
	}
}

// StateKey returns the hash key holding device's state.
func StateKey(beamline, device string) string {
	return "dodal:" + beamline + ":" + device
}

// Publish records e as the device's latest state.
func (s *RedisStateStore) Publish(ctx context.Context, e events.Event) error {
	_, err := s.cb.Execute(func() (any, error) {
		err := s.store.HSet(ctx, StateKey(e.Beamline, e.Device),
			"state", e.State,
			"kind", string(e.Kind),
			"error", e.Error,
			"updated_at", e.Time.UTC().Format(time.RFC3339Nano),
			"event_id", e.ID.String(),
		)
		if err != nil {
			return nil, fmt.Errorf("hset %s: %w", StateKey(e.Beamline, e.Device), err)
		}
		return nil, nil
	})
	return breakerErr(err)
}

// State returns the last recorded state of device, or an empty map if none
// has been recorded.
func (s *RedisStateStore) State(ctx context.Context, beamline, device string) (map[string]string, error) {
	v, err := s.cb.Execute(func() (any, error) {
		return s.store.HGetAll(ctx, StateKey(beamline, device))
	})
	if err != nil {
		return nil, breakerErr(err)
	}
	return v.(map[string]string), nil
}

// Probe sends a PING command to Redis and validates the PONG response. After
// 3 consecutive failures the breaker opens and subsequent calls return
// immediately with "circuit open".
func (s *RedisStateStore) Probe(ctx context.Context) control.ProbeResult {
	start := time.Now()

	_, err := s.cb.Execute(func() (any, error) {
		val, err := s.store.PingResult(ctx)
		if err != nil {
			return nil, fmt.Errorf("ping: %w", err)
		}
		if val != "PONG" {
			return nil, fmt.Errorf("unexpected PING response: %q", val)
		}
		return nil, nil
	})

	return probeResult(redisProbeName, start, err)
}

// Close closes the client.
func (s *RedisStateStore) Close() error {
	return s.store.Close()
}
