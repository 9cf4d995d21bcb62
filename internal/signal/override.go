package signal

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/DominicOram/dodal/internal/status"
)

// Override is one (signal, value) configuration entry. Build entries with Set.
// Signals are matched by identity, so they must be comparable (pointers).
type Override interface {
	target() any
	value() any
	apply() *status.Status
	capture() Override
}

type entry[V any] struct {
	sig Controllable[V]
	v   V
}

// Set returns the entry "write v to sig".
func Set[V any](sig Controllable[V], v V) Override {
	return entry[V]{sig: sig, v: v}
}

func (e entry[V]) target() any           { return e.sig }
func (e entry[V]) value() any            { return e.v }
func (e entry[V]) apply() *status.Status { return e.sig.Set(e.v) }
func (e entry[V]) capture() Override     { return entry[V]{sig: e.sig, v: e.sig.Get()} }

// Settings is an ordered list of configuration entries. Adding a signal that
// is already present replaces its value in place.
type Settings struct {
	entries []Override
}

// NewSettings returns Settings holding entries.
func NewSettings(entries ...Override) *Settings {
	s := &Settings{}
	return s.Add(entries...)
}

// Add appends entries, replacing any existing entry for the same signal.
func (s *Settings) Add(entries ...Override) *Settings {
	for _, e := range entries {
		replaced := false
		for i, existing := range s.entries {
			if existing.target() == e.target() {
				s.entries[i] = e
				replaced = true
				break
			}
		}
		if !replaced {
			s.entries = append(s.entries, e)
		}
	}
	return s
}

// Entries returns the entries in order.
func (s *Settings) Entries() []Override {
	out := make([]Override, len(s.entries))
	copy(out, s.entries)
	return out
}

// Len returns the number of entries.
func (s *Settings) Len() int { return len(s.entries) }

// Apply writes every entry concurrently and returns the AND of the writes.
func (s *Settings) Apply() *status.Status {
	return applyAll(s.entries)
}

// Snapshot captures the current value of every signal in s.
func (s *Settings) Snapshot() Snapshot {
	return capture(s.entries)
}

// Value returns the value s will write to sig, if sig is in s.
func Value[V any](s *Settings, sig Controllable[V]) (V, bool) {
	return Original[V](Snapshot(s.entries), sig)
}

// Snapshot holds the values signals had before they were overridden.
type Snapshot []Override

// Restore writes the captured values back and returns the AND of the writes.
func (snap Snapshot) Restore() *status.Status {
	return applyAll(snap)
}

// Original returns the value captured for sig, if sig is in the snapshot.
func Original[V any](snap Snapshot, sig Controllable[V]) (V, bool) {
	for _, e := range snap {
		if e.target() == any(sig) {
			v, ok := e.value().(V)
			return v, ok
		}
	}
	var zero V
	return zero, false
}

// WithOverrides captures the current value of every overridden signal, writes
// the overrides, waits up to timeout for them and runs body with the captured
// values. The captured values are written back on every exit path, including
// a failed apply, a body error and a body panic. A restore failure is joined
// onto the returned error.
func WithOverrides(overrides []Override, timeout time.Duration, body func(Snapshot) error) (err error) {
	snap := capture(overrides)

	defer func() {
		r := recover()
		restoreErr := snap.Restore().Wait(timeout)
		if restoreErr != nil {
			restoreErr = fmt.Errorf("restoring %d overridden values: %w", len(snap), restoreErr)
		}
		if r != nil {
			if restoreErr != nil {
				slog.Error("restore failed while panicking", "err", restoreErr)
			}
			panic(r)
		}
		err = errors.Join(err, restoreErr)
	}()

	if applyErr := applyAll(overrides).Wait(timeout); applyErr != nil {
		return fmt.Errorf("applying %d overrides: %w", len(overrides), applyErr)
	}
	return body(snap)
}

func applyAll(entries []Override) *status.Status {
	statuses := make([]*status.Status, 0, len(entries))
	for _, e := range entries {
		statuses = append(statuses, e.apply())
	}
	return status.Chain(statuses...)
}

func capture(entries []Override) Snapshot {
	snap := make(Snapshot, 0, len(entries))
	for _, e := range entries {
		snap = append(snap, e.capture())
	}
	return snap
}
