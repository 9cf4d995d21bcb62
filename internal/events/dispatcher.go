package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Dispatcher delivers events to a Sink on its own goroutine so that device
// callbacks never wait on the network. Emit never blocks; when the queue is
// full the event is dropped and counted.
type Dispatcher struct {
	sink    Sink
	timeout time.Duration

	queue  chan Event
	closed chan struct{}
	once   sync.Once
	done   chan struct{}

	dropped atomic.Int64
	failed  atomic.Int64
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithQueueSize sets how many events may wait for delivery.
func WithQueueSize(n int) DispatcherOption {
	return func(d *Dispatcher) { d.queue = make(chan Event, n) }
}

// WithPublishTimeout bounds each Publish call.
func WithPublishTimeout(t time.Duration) DispatcherOption {
	return func(d *Dispatcher) { d.timeout = t }
}

// NewDispatcher starts a Dispatcher delivering to sink.
func NewDispatcher(sink Sink, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		sink:    sink,
		timeout: 5 * time.Second,
		queue:   make(chan Event, 256),
		closed:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(d)
	}
	go d.run()
	return d
}

// Emit queues e for delivery. It reports false if e was dropped.
func (d *Dispatcher) Emit(e Event) bool {
	select {
	case <-d.closed:
		d.dropped.Add(1)
		return false
	default:
	}
	select {
	case d.queue <- e:
		return true
	default:
		d.dropped.Add(1)
		slog.Warn("event queue full, dropping event", "device", e.Device, "kind", e.Kind, "state", e.State)
		return false
	}
}

// Publish lets a Dispatcher stand in for a Sink. It queues and returns.
func (d *Dispatcher) Publish(_ context.Context, e Event) error {
	d.Emit(e)
	return nil
}

// Dropped returns how many events were not queued.
func (d *Dispatcher) Dropped() int64 { return d.dropped.Load() }

// Failed returns how many deliveries the sink rejected.
func (d *Dispatcher) Failed() int64 { return d.failed.Load() }

func (d *Dispatcher) run() {
	defer close(d.done)
	for {
		select {
		case e := <-d.queue:
			d.deliver(e)
		case <-d.closed:
			// Drain what was queued before Close.
			for {
				select {
				case e := <-d.queue:
					d.deliver(e)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(e Event) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	if err := d.sink.Publish(ctx, e); err != nil {
		d.failed.Add(1)
		slog.Warn("event delivery failed", "device", e.Device, "kind", e.Kind, "err", err)
	}
}

// Close stops accepting events and waits for queued ones to be delivered or
// for ctx to end.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.once.Do(func() { close(d.closed) })
	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
