package signal

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DominicOram/dodal/internal/status"
)

func newPair() (*Sim[float64], *Sim[float64]) {
	return NewSim("signal_a", 0.0), NewSim("signal_b", 1.0)
}

func TestWithOverrides_RestoresAfterBody(t *testing.T) {
	t.Parallel()

	a, b := newPair()

	err := WithOverrides([]Override{Set[float64](a, 1.0), Set[float64](b, 2.0)}, time.Second, func(snap Snapshot) error {
		origA, ok := Original[float64](snap, a)
		require.True(t, ok)
		assert.Equal(t, 0.0, origA)
		origB, ok := Original[float64](snap, b)
		require.True(t, ok)
		assert.Equal(t, 1.0, origB)

		assert.Equal(t, 1.0, a.Get())
		assert.Equal(t, 2.0, b.Get())
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 0.0, a.Get())
	assert.Equal(t, 1.0, b.Get())
}

func TestWithOverrides_RestoresOnBodyError(t *testing.T) {
	t.Parallel()

	a, b := newPair()
	bodyErr := errors.New("oh dear")

	err := WithOverrides([]Override{Set[float64](a, 1.0), Set[float64](b, 2.0)}, time.Second, func(Snapshot) error {
		return bodyErr
	})

	assert.ErrorIs(t, err, bodyErr)
	assert.Equal(t, 0.0, a.Get())
	assert.Equal(t, 1.0, b.Get())
}

func TestWithOverrides_RestoresOnPanic(t *testing.T) {
	t.Parallel()

	a, b := newPair()

	assert.PanicsWithValue(t, "oh dear", func() {
		_ = WithOverrides([]Override{Set[float64](a, 1.0), Set[float64](b, 2.0)}, time.Second, func(Snapshot) error {
			panic("oh dear")
		})
	})

	assert.Equal(t, 0.0, a.Get())
	assert.Equal(t, 1.0, b.Get())
}

func TestWithOverrides_ApplyFailureSkipsBodyButRestores(t *testing.T) {
	t.Parallel()

	a, b := newPair()
	b.OnSet(func(v float64) *status.Status {
		if v == 2.0 {
			return status.Failed(errors.New("write refused"))
		}
		b.Put(v)
		return status.Done()
	})

	ran := false
	err := WithOverrides([]Override{Set[float64](a, 1.0), Set[float64](b, 2.0)}, time.Second, func(Snapshot) error {
		ran = true
		return nil
	})

	assert.ErrorContains(t, err, "write refused")
	assert.False(t, ran)
	assert.Equal(t, 0.0, a.Get())
	assert.Equal(t, []float64{2.0, 1.0}, b.SetCalls(), "restore still attempted")
}

func TestWithOverrides_RestoreFailureIsSurfaced(t *testing.T) {
	t.Parallel()

	a, _ := newPair()
	a.OnSet(func(v float64) *status.Status {
		if v == 0.0 {
			return status.Failed(errors.New("restore refused"))
		}
		a.Put(v)
		return status.Done()
	})
	bodyErr := errors.New("body failed")

	err := WithOverrides([]Override{Set[float64](a, 5.0)}, time.Second, func(Snapshot) error {
		return bodyErr
	})

	assert.ErrorIs(t, err, bodyErr)
	assert.ErrorContains(t, err, "restore refused")
}

func TestWithOverrides_RestoreTimeout(t *testing.T) {
	t.Parallel()

	a, _ := newPair()
	a.OnSet(func(v float64) *status.Status {
		if v == 0.0 {
			return status.New() // never completes
		}
		a.Put(v)
		return status.Done()
	})

	err := WithOverrides([]Override{Set[float64](a, 5.0)}, 20*time.Millisecond, func(Snapshot) error {
		return nil
	})

	assert.ErrorIs(t, err, status.ErrTimeout)
}

func TestSettings_AddReplacesExistingSignal(t *testing.T) {
	t.Parallel()

	a, b := newPair()
	s := NewSettings(Set[float64](a, 1.0), Set[float64](b, 2.0))
	s.Add(Set[float64](a, 7.0))

	require.Equal(t, 2, s.Len())
	v, ok := Value[float64](s, a)
	require.True(t, ok)
	assert.Equal(t, 7.0, v)

	require.True(t, s.Apply().Success())
	assert.Equal(t, 7.0, a.Get())
	assert.Equal(t, 2.0, b.Get())
	assert.Equal(t, []float64{7.0}, a.SetCalls())
}

func TestSettings_SnapshotRestore(t *testing.T) {
	t.Parallel()

	a, b := newPair()
	s := NewSettings(Set[float64](a, 3.0), Set[float64](b, 4.0))

	snap := s.Snapshot()
	require.True(t, s.Apply().Success())
	require.True(t, snap.Restore().Success())

	assert.Equal(t, 0.0, a.Get())
	assert.Equal(t, 1.0, b.Get())

	_, ok := Original[float64](snap, NewSim("other", 0.0))
	assert.False(t, ok)
}
