// Package status provides the single-outcome future used for every hardware
// operation: a Status starts pending and is resolved exactly once, either
// succeeded or failed.
package status

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrAlreadyResolved is returned when Succeed or Fail is called on a Status
// that has already been resolved.
var ErrAlreadyResolved = errors.New("status already resolved")

// ErrTimeout is the failure recorded when a Status expires before being
// resolved, and the error returned by Wait when it gives up waiting.
var ErrTimeout = errors.New("status timed out")

// Callback is invoked once with the resolved Status.
type Callback func(s *Status)

// Status is the eventual outcome of one asynchronous operation.
// The zero value is not usable; construct with New, Done or Failed.
type Status struct {
	mu        sync.Mutex
	resolved  bool
	err       error
	callbacks []Callback
	done      chan struct{}
	timer     *time.Timer
}

// Option configures a Status at construction.
type Option func(*Status)

// WithTimeout fails the Status with ErrTimeout if it is still pending after d.
// A non-positive d means no timeout.
func WithTimeout(d time.Duration) Option {
	return func(s *Status) {
		if d <= 0 {
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.resolved {
			return
		}
		s.timer = time.AfterFunc(d, func() {
			s.resolve(fmt.Errorf("no result after %s: %w", d, ErrTimeout))
		})
	}
}

// New returns a pending Status.
func New(opts ...Option) *Status {
	s := &Status{done: make(chan struct{})}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Done returns a Status that has already succeeded.
func Done() *Status {
	s := New()
	s.resolve(nil)
	return s
}

// Failed returns a Status that has already failed with err.
func Failed(err error) *Status {
	s := New()
	s.resolve(err)
	return s
}

// Succeed marks the Status as succeeded and runs its callbacks.
func (s *Status) Succeed() error {
	if !s.resolve(nil) {
		return ErrAlreadyResolved
	}
	return nil
}

// Fail marks the Status as failed with err and runs its callbacks. A nil err
// is recorded as an unknown failure so the outcome is never ambiguous.
func (s *Status) Fail(err error) error {
	if err == nil {
		err = errors.New("status failed with unknown error")
	}
	if !s.resolve(err) {
		return ErrAlreadyResolved
	}
	return nil
}

// resolve records the outcome and fires the callbacks registered so far, in
// order, on the calling goroutine. It reports false if s was already resolved.
func (s *Status) resolve(err error) bool {
	s.mu.Lock()
	if s.resolved {
		s.mu.Unlock()
		return false
	}
	s.resolved = true
	s.err = err
	cbs := s.callbacks
	s.callbacks = nil
	if s.timer != nil {
		s.timer.Stop()
	}
	close(s.done)
	s.mu.Unlock()

	for _, cb := range cbs {
		cb(s)
	}
	return true
}

// AddCallback registers cb to run once when s resolves. If s is already
// resolved, cb runs immediately on the calling goroutine.
func (s *Status) AddCallback(cb Callback) {
	s.mu.Lock()
	if !s.resolved {
		s.callbacks = append(s.callbacks, cb)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	cb(s)
}

// IsDone reports whether s has been resolved.
func (s *Status) IsDone() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolved
}

// Success reports whether s resolved without error.
func (s *Status) Success() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolved && s.err == nil
}

// Err returns the failure of a resolved Status, or nil while pending or after
// success.
func (s *Status) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Finished returns a channel that is closed once s is resolved.
func (s *Status) Finished() <-chan struct{} {
	return s.done
}

// Wait blocks until s is resolved and returns its failure, if any. If timeout
// is positive and elapses first, Wait returns an error wrapping ErrTimeout;
// the underlying operation is not cancelled.
func (s *Status) Wait(timeout time.Duration) error {
	if timeout <= 0 {
		<-s.done
		return s.Err()
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-s.done:
		return s.Err()
	case <-t.C:
		return fmt.Errorf("waited %s: %w", timeout, ErrTimeout)
	}
}

// WaitContext blocks until s is resolved or ctx is done. A context deadline
// is reported as ErrTimeout.
func (s *Status) WaitContext(ctx context.Context) error {
	select {
	case <-s.done:
		return s.Err()
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())
		}
		return ctx.Err()
	}
}
