package signal

import (
	"time"

	"github.com/DominicOram/dodal/internal/status"
)

// AwaitValue returns a Status that succeeds once sig holds want. If it already
// does, the Status is resolved before AwaitValue returns. A positive timeout
// fails the Status with status.ErrTimeout.
func AwaitValue[V comparable](sig Observable[V], want V, timeout time.Duration) *status.Status {
	return AwaitCondition(sig, func(v V) bool { return v == want }, timeout)
}

// AwaitCondition returns a Status that succeeds once ok reports true for the
// value of sig.
func AwaitCondition[V any](sig Observable[V], ok func(V) bool, timeout time.Duration) *status.Status {
	st := status.New(status.WithTimeout(timeout))

	// Subscribe before reading so an update between the two is not lost.
	unsubscribe := sig.Subscribe(func(v V) {
		if ok(v) {
			_ = st.Succeed()
		}
	})
	st.AddCallback(func(*status.Status) { unsubscribe() })

	if ok(sig.Get()) {
		_ = st.Succeed()
	}
	return st
}
