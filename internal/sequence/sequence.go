// Package sequence chains status-returning hardware operations so that each
// one starts only after its predecessor has succeeded, without blocking the
// caller. The whole chain is reported on one aggregate Status.
package sequence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/DominicOram/dodal/internal/status"
)

// ErrInvalidTask is the failure recorded when a step does not return a Status.
var ErrInvalidTask = errors.New("task did not return a status")

// Task starts one hardware action and returns the Status of its completion.
// Invoking a Task has side effects; the scheduler invokes each at most once.
type Task func() *status.Status

// Step is a named Task.
type Step struct {
	Name string
	Run  Task
}

// Sequence is the state of one running chain.
type Sequence struct {
	name      string
	steps     []Step
	aggregate *status.Status

	ctx  context.Context
	span trace.Span

	mu      sync.Mutex
	current int
	started int
}

// Run starts steps in order and returns the aggregate Status. timeout bounds
// the whole chain; a non-positive timeout means no deadline. An empty list
// succeeds immediately.
func Run(ctx context.Context, name string, steps []Step, timeout time.Duration) *status.Status {
	return Start(ctx, name, steps, timeout).Aggregate()
}

// Start is Run but returns the Sequence so the chain can be inspected while it
// progresses.
func Start(ctx context.Context, name string, steps []Step, timeout time.Duration) *Sequence {
	ctx, span := otel.Tracer("dodal").Start(ctx, "sequence."+name,
		trace.WithAttributes(attribute.Int("sequence.steps", len(steps))))

	seq := &Sequence{
		name:      name,
		steps:     steps,
		aggregate: status.New(status.WithTimeout(timeout)),
		ctx:       ctx,
		span:      span,
		current:   -1,
	}
	seq.aggregate.AddCallback(seq.finish)

	seq.advance(0)
	return seq
}

// Aggregate returns the Status of the whole chain.
func (s *Sequence) Aggregate() *status.Status { return s.aggregate }

// Name returns the sequence name.
func (s *Sequence) Name() string { return s.name }

// Current returns the index and name of the step most recently started.
// The index is -1 before any step has started.
func (s *Sequence) Current() (int, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current < 0 {
		return -1, ""
	}
	return s.current, s.steps[s.current].Name
}

// Started returns how many steps have been invoked.
func (s *Sequence) Started() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// advance runs steps from i onwards. Steps whose Status is already resolved
// when their callback is registered are advanced in this loop; otherwise the
// step's callback takes over and advance returns.
func (s *Sequence) advance(i int) {
	for {
		if i == len(s.steps) {
			_ = s.aggregate.Succeed()
			return
		}
		// The aggregate only resolves early on timeout; nothing more is started.
		if s.aggregate.IsDone() {
			return
		}

		step := s.steps[i]
		s.mu.Lock()
		s.current = i
		s.started++
		s.mu.Unlock()

		slog.DebugContext(s.ctx, "sequence step started", "sequence", s.name, "step", step.Name, "index", i)

		var st *status.Status
		if step.Run != nil {
			st = step.Run()
		}
		if st == nil {
			s.fail(step, fmt.Errorf("step %q: %w", step.Name, ErrInvalidTask))
			return
		}

		// 0 while registering, 1 once the callback has run inline, 2 once
		// the callback owns the next step.
		var handoff atomic.Int32
		next := i + 1
		st.AddCallback(func(done *status.Status) {
			if err := done.Err(); err != nil {
				s.fail(step, err)
				handoff.CompareAndSwap(0, 1)
				return
			}
			if handoff.CompareAndSwap(0, 1) {
				return
			}
			s.advance(next)
		})
		if handoff.CompareAndSwap(0, 2) {
			return
		}
		if st.Err() != nil {
			return
		}
		i = next
	}
}

// fail records the first failure on the aggregate and logs it once.
func (s *Sequence) fail(step Step, err error) {
	if s.aggregate.Fail(err) != nil {
		return
	}
	slog.ErrorContext(s.ctx, "sequence step failed",
		"sequence", s.name,
		"step", step.Name,
		"err", err,
	)
	failures.Add(s.ctx, 1, metric.WithAttributes(
		attribute.String("sequence", s.name),
		attribute.String("step", step.Name),
	))
}

func (s *Sequence) finish(done *status.Status) {
	if err := done.Err(); err != nil {
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, status.ErrTimeout) {
			idx, name := s.Current()
			slog.ErrorContext(s.ctx, "sequence timed out", "sequence", s.name, "step", name, "index", idx)
		}
	} else {
		s.span.SetStatus(codes.Ok, "")
	}
	s.span.End()
}

var failures, _ = otel.Meter("dodal").Int64Counter(
	"dodal.sequence.failures",
	metric.WithDescription("Sequences that stopped on a failed step."),
)
