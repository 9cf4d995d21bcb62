package signal

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DominicOram/dodal/internal/status"
)

func TestSim_SetStoresAndNotifies(t *testing.T) {
	t.Parallel()

	s := NewSim("cam-acquire", 0)
	var seen []int
	unsubscribe := s.Subscribe(func(v int) { seen = append(seen, v) })

	st := s.Set(1)
	require.True(t, st.Success())
	assert.Equal(t, 1, s.Get())
	assert.Equal(t, []int{1}, seen)

	unsubscribe()
	s.Put(2)
	assert.Equal(t, []int{1}, seen, "no notifications after unsubscribe")
	assert.Equal(t, []int{1}, s.SetCalls(), "Put is not a Set call")
}

func TestSim_SetDelay(t *testing.T) {
	t.Parallel()

	s := NewSim("motor", 0.0)
	s.SetDelay(20 * time.Millisecond)

	st := s.Set(3.5)
	assert.False(t, st.IsDone())
	assert.Equal(t, 0.0, s.Get())

	require.NoError(t, st.Wait(time.Second))
	assert.Equal(t, 3.5, s.Get())
}

func TestSim_OnSet(t *testing.T) {
	t.Parallel()

	s := NewSim("energy", 100.0)
	s.OnSet(func(float64) *status.Status { return status.Failed(errors.New("rejected")) })

	err := s.Set(200).Wait(time.Second)
	assert.EqualError(t, err, "rejected")
	assert.Equal(t, 100.0, s.Get())
	assert.Equal(t, 1, s.SetCount())
}

func TestAwaitValue(t *testing.T) {
	t.Parallel()

	t.Run("already at value", func(t *testing.T) {
		t.Parallel()
		s := NewSim("stale", 0)
		assert.True(t, AwaitValue[int](s, 0, 0).Success())
	})

	t.Run("reaches value later", func(t *testing.T) {
		t.Parallel()
		s := NewSim("stale", 1)
		st := AwaitValue[int](s, 0, time.Second)
		assert.False(t, st.IsDone())

		s.Put(2)
		assert.False(t, st.IsDone())

		s.Put(0)
		assert.True(t, st.Success())
	})

	t.Run("times out", func(t *testing.T) {
		t.Parallel()
		s := NewSim("fan-ready", 0)
		err := AwaitValue[int](s, 1, 10*time.Millisecond).Wait(time.Second)
		assert.ErrorIs(t, err, status.ErrTimeout)
	})
}

func TestAwaitCondition(t *testing.T) {
	t.Parallel()

	s := NewSim("num-captured", 0)
	st := AwaitCondition[int](s, func(v int) bool { return v >= 10 }, time.Second)

	s.Put(9)
	assert.False(t, st.IsDone())
	s.Put(12)
	assert.True(t, st.Success())
}
