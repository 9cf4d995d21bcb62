package clients

import (
	"log/slog"

	"github.com/DominicOram/dodal/internal/config"
	"github.com/DominicOram/dodal/internal/control"
	"github.com/DominicOram/dodal/internal/events"
)

// Sinks are the event sinks built from configuration.
type Sinks struct {
	NATS     *NATSPublisher
	Redis    *RedisStateStore
	Postgres *PostgresAuditLog
}

// NewSinks builds a sink for every configured address. Each sink gets its own
// circuit breaker.
func NewSinks(cfg config.SinksConfig) *Sinks {
	s := &Sinks{}
	if cfg.NATS.URL != "" {
		s.NATS = NewNATSPublisher(cfg.NATS, NewCircuitBreaker("nats"))
	}
	if cfg.Redis.Host != "" {
		s.Redis = NewRedisStateStore(cfg.Redis, NewCircuitBreaker("redis"))
	}
	if cfg.Postgres.Host != "" {
		s.Postgres = NewPostgresAuditLog(cfg.Postgres, NewCircuitBreaker("postgres"))
	}
	return s
}

// Fanout returns one sink publishing to every configured sink.
func (s *Sinks) Fanout() *events.Fanout {
	var sinks []events.Sink
	if s.NATS != nil {
		sinks = append(sinks, s.NATS)
	}
	if s.Redis != nil {
		sinks = append(sinks, s.Redis)
	}
	if s.Postgres != nil {
		sinks = append(sinks, s.Postgres)
	}
	return events.NewFanout(sinks...)
}

// Probers returns the configured sinks by name for health checks.
func (s *Sinks) Probers() map[string]control.Prober {
	probers := make(map[string]control.Prober, 3)
	if s.NATS != nil {
		probers[natsProbeName] = s.NATS
	}
	if s.Redis != nil {
		probers[redisProbeName] = s.Redis
	}
	if s.Postgres != nil {
		probers[postgresProbeName] = s.Postgres
	}
	return probers
}

// Close releases every connection.
func (s *Sinks) Close() {
	if s.NATS != nil {
		s.NATS.Close()
	}
	if s.Redis != nil {
		if err := s.Redis.Close(); err != nil {
			slog.Warn("closing redis", "err", err)
		}
	}
	if s.Postgres != nil {
		s.Postgres.Close()
	}
}
