// Package events carries device state changes out of the device layer to the
// configured sinks.
package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Kind classifies an event.
type Kind string

const (
	KindArmState     Kind = "arm_state"
	KindApertureMove Kind = "aperture_move"
	KindStage        Kind = "stage"
)

// Event is one observed device state change.
type Event struct {
	ID       uuid.UUID `json:"id"`
	Beamline string    `json:"beamline"`
	Device   string    `json:"device"`
	Kind     Kind      `json:"kind"`
	State    string    `json:"state"`
	Error    string    `json:"error,omitempty"`
	Time     time.Time `json:"time"`
}

// New returns an Event stamped with a fresh ID and the current time.
func New(beamline, device string, kind Kind, state string, err error) Event {
	e := Event{
		ID:       uuid.New(),
		Beamline: beamline,
		Device:   device,
		Kind:     kind,
		State:    state,
		Time:     time.Now().UTC(),
	}
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

// Sink receives events.
type Sink interface {
	Publish(ctx context.Context, e Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, e Event) error

func (f SinkFunc) Publish(ctx context.Context, e Event) error { return f(ctx, e) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(context.Context, Event) error { return nil })

// Fanout publishes each event to every sink concurrently. One sink failing
// does not stop the others; all failures are returned together.
type Fanout struct {
	sinks []Sink
}

// NewFanout returns a Fanout over sinks. Nil sinks are skipped.
func NewFanout(sinks ...Sink) *Fanout {
	f := &Fanout{}
	for _, s := range sinks {
		if s != nil {
			f.sinks = append(f.sinks, s)
		}
	}
	return f
}

// Len returns the number of sinks.
func (f *Fanout) Len() int { return len(f.sinks) }

func (f *Fanout) Publish(ctx context.Context, e Event) error {
	var (
		mu   sync.Mutex
		errs []error
		g    errgroup.Group
	)
	for _, s := range f.sinks {
		s := s
		g.Go(func() error {
			if err := s.Publish(ctx, e); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}
