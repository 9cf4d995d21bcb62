package clients

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sony/gobreaker"

	"github.com/DominicOram/dodal/internal/config"
	"github.com/DominicOram/dodal/internal/control"
	"github.com/DominicOram/dodal/internal/events"
)

const natsProbeName = "nats"

// EventsStream is the JetStream stream that retains device events.
const EventsStream = "DODAL_EVENTS"

// streamSpec describes a single JetStream stream to provision.
type streamSpec struct {
	name      string
	subjects  []string
	retention nats.RetentionPolicy
	maxAge    time.Duration
}

var eventsStream = streamSpec{
	name:      EventsStream,
	subjects:  []string{"dodal.>"},
	retention: nats.LimitsPolicy,
	maxAge:    168 * time.Hour,
}

// jsContext is the subset of nats.JetStreamContext the publisher uses.
type jsContext interface {
	StreamInfo(stream string, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	AddStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	UpdateStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// NATSPublisher publishes device events to JetStream on
// dodal.<beamline>.<device>.<kind>.
type NATSPublisher struct {
	url   string
	cb    *gobreaker.CircuitBreaker
	newJS func(url string) (jsContext, func(), error)

	mu      sync.Mutex
	js      jsContext
	cleanup func()
}

// NewNATSPublisher constructs a NATSPublisher. The connection is opened on
// first use and reopened after a failed publish.
func NewNATSPublisher(cfg config.NATSConfig, cb *gobreaker.CircuitBreaker) *NATSPublisher {
	return &NATSPublisher{
		url:   cfg.URL,
		cb:    cb,
		newJS: realNewJS,
	}
}

// Subject returns the subject e is published on.
func Subject(e events.Event) string {
	return strings.Join([]string{"dodal", token(e.Beamline), token(e.Device), token(string(e.Kind))}, ".")
}

var tokenReplacer = strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_")

func token(s string) string {
	if s == "" {
		return "_"
	}
	return tokenReplacer.Replace(s)
}

// Publish sends e as JSON. The event ID is the JetStream message ID so that
// retried publishes are deduplicated.
func (p *NATSPublisher) Publish(ctx context.Context, e events.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	_, err = p.cb.Execute(func() (any, error) {
		js, err := p.conn()
		if err != nil {
			return nil, err
		}
		if _, err := js.Publish(Subject(e), data, nats.Context(ctx), nats.MsgId(e.ID.String())); err != nil {
			p.reset()
			return nil, fmt.Errorf("publishing to %s: %w", Subject(e), err)
		}
		return nil, nil
	})
	return breakerErr(err)
}

// Provision creates or updates the events stream. It is idempotent.
func (p *NATSPublisher) Provision(ctx context.Context) error {
	_, err := p.cb.Execute(func() (any, error) {
		js, err := p.conn()
		if err != nil {
			return nil, err
		}
		return nil, provisionStream(js, eventsStream)
	})
	return breakerErr(err)
}

// Probe verifies NATS connectivity. A missing stream is not a failure; NATS
// being reachable is what matters here.
func (p *NATSPublisher) Probe(ctx context.Context) control.ProbeResult {
	start := time.Now()

	_, err := p.cb.Execute(func() (any, error) {
		js, err := p.conn()
		if err != nil {
			return nil, err
		}
		_, infoErr := js.StreamInfo(EventsStream)
		if infoErr != nil && !errors.Is(infoErr, nats.ErrStreamNotFound) {
			p.reset()
			return nil, fmt.Errorf("stream info: %w", infoErr)
		}
		return nil, nil
	})

	return probeResult(natsProbeName, start, err)
}

// Close drains the connection, if one is open.
func (p *NATSPublisher) Close() {
	p.reset()
}

func (p *NATSPublisher) conn() (jsContext, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.js != nil {
		return p.js, nil
	}
	js, cleanup, err := p.newJS(p.url)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}
	p.js, p.cleanup = js, cleanup
	return js, nil
}

func (p *NATSPublisher) reset() {
	p.mu.Lock()
	cleanup := p.cleanup
	p.js, p.cleanup = nil, nil
	p.mu.Unlock()
	if cleanup != nil {
		cleanup()
	}
}

// provisionStream creates the stream if it does not exist, or updates it if it
// does. nats.ErrStreamNotFound signals "create"; any other error is returned.
func provisionStream(js jsContext, spec streamSpec) error {
	cfg := &nats.StreamConfig{
		Name:      spec.name,
		Subjects:  spec.subjects,
		Retention: spec.retention,
		MaxAge:    spec.maxAge,
	}

	_, err := js.StreamInfo(spec.name)
	switch {
	case errors.Is(err, nats.ErrStreamNotFound):
		if _, addErr := js.AddStream(cfg); addErr != nil {
			return fmt.Errorf("creating stream %s: %w", spec.name, addErr)
		}
	case err != nil:
		return fmt.Errorf("querying stream %s: %w", spec.name, err)
	default:
		if _, updErr := js.UpdateStream(cfg); updErr != nil {
			return fmt.Errorf("updating stream %s: %w", spec.name, updErr)
		}
	}
	return nil
}

// realNewJS opens a real NATS connection and returns a JetStreamContext plus a
// cleanup function that drains and closes the connection.
func realNewJS(url string) (jsContext, func(), error) {
	nc, err := nats.Connect(url, nats.Name("dodal"))
	if err != nil {
		return nil, func() {}, fmt.Errorf("nats connect %s: %w", url, err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, func() {}, fmt.Errorf("nats jetstream context: %w", err)
	}

	return js, func() { _ = nc.Drain() }, nil
}
