// Package signal defines the controllable-value capability consumed from the
// device layer, an in-memory simulated implementation of it, and the helpers
// built on top: awaiting a value, ordered settings and scoped overrides.
package signal

import "github.com/DominicOram/dodal/internal/status"

// Readable is a value whose last known state can be read synchronously.
type Readable[V any] interface {
	Get() V
}

// Controllable is a value that can be read and written. Set starts an
// asynchronous write and returns its Status.
type Controllable[V any] interface {
	Readable[V]
	Set(v V) *status.Status
}

// Observable is a readable value that notifies subscribers of every update.
// The returned function removes the subscription.
type Observable[V any] interface {
	Readable[V]
	Subscribe(fn func(V)) (unsubscribe func())
}

// Monitor is a read-only, observable value such as a readback or a status flag.
type Monitor[V any] interface {
	Observable[V]
}

// PV is a read-write, observable value.
type PV[V any] interface {
	Controllable[V]
	Observable[V]
}
