package signal

import (
	"sync"
	"time"

	"github.com/DominicOram/dodal/internal/status"
)

// SetHook replaces the default write behaviour of a Sim. It receives the
// requested value and returns the Status of the write; it is responsible for
// calling Put if the value should change.
type SetHook[V any] func(v V) *status.Status

// Sim is an in-memory PV. By default Set stores the value, notifies
// subscribers and resolves immediately; SetDelay moves the write onto a timer
// goroutine the way a driver's notification thread would deliver it.
type Sim[V any] struct {
	name string

	mu       sync.Mutex
	value    V
	subs     map[int]func(V)
	nextSub  int
	delay    time.Duration
	hook     SetHook[V]
	setCalls []V
}

// NewSim returns a simulated PV holding initial.
func NewSim[V any](name string, initial V) *Sim[V] {
	return &Sim[V]{
		name:  name,
		value: initial,
		subs:  map[int]func(V){},
	}
}

// Name returns the signal name.
func (s *Sim[V]) Name() string { return s.name }

// Get returns the current value.
func (s *Sim[V]) Get() V {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value
}

// Set writes v and returns the Status of the write.
func (s *Sim[V]) Set(v V) *status.Status {
	s.mu.Lock()
	s.setCalls = append(s.setCalls, v)
	hook, delay := s.hook, s.delay
	s.mu.Unlock()

	if hook != nil {
		return hook(v)
	}
	if delay <= 0 {
		s.Put(v)
		return status.Done()
	}

	st := status.New()
	time.AfterFunc(delay, func() {
		s.Put(v)
		_ = st.Succeed()
	})
	return st
}

// Put changes the value as if the hardware reported it, notifying
// subscribers on the calling goroutine. Put is not recorded as a Set call.
func (s *Sim[V]) Put(v V) {
	s.mu.Lock()
	s.value = v
	subs := make([]func(V), 0, len(s.subs))
	for i := 0; i < s.nextSub; i++ {
		if fn, ok := s.subs[i]; ok {
			subs = append(subs, fn)
		}
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(v)
	}
}

// Subscribe registers fn to be called with every new value.
func (s *Sim[V]) Subscribe(fn func(V)) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

// SetDelay makes subsequent writes complete after d.
func (s *Sim[V]) SetDelay(d time.Duration) {
	s.mu.Lock()
	s.delay = d
	s.mu.Unlock()
}

// OnSet installs hook as the write behaviour. A nil hook restores the default.
func (s *Sim[V]) OnSet(hook SetHook[V]) {
	s.mu.Lock()
	s.hook = hook
	s.mu.Unlock()
}

// SetCalls returns the values passed to Set, in order.
func (s *Sim[V]) SetCalls() []V {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]V, len(s.setCalls))
	copy(out, s.setCalls)
	return out
}

// SetCount returns the number of Set calls.
func (s *Sim[V]) SetCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.setCalls)
}
