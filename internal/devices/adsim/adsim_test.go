package adsim

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DominicOram/dodal/internal/signal"
	"github.com/DominicOram/dodal/internal/status"
)

func simOf[V any](t *testing.T, r signal.Readable[V]) *signal.Sim[V] {
	t.Helper()
	s, ok := r.(*signal.Sim[V])
	require.True(t, ok)
	return s
}

func TestStage_PrimesThenApplies(t *testing.T) {
	t.Parallel()

	d := NewSimulated("adsim", time.Second)
	require.NoError(t, d.Stage(context.Background()))

	// Priming took exactly one frame in single mode.
	assert.Equal(t, []int{0, 1}, simOf[int](t, d.Cam.Acquire).SetCalls())
	assert.Equal(t, []string{"Single", "Continuous", "Multiple"}, simOf[string](t, d.Cam.ImageMode).SetCalls())

	assert.Equal(t, 0, d.Cam.ArrayCounter.Get())
	assert.Equal(t, "Multiple", d.Cam.ImageMode.Get())
	assert.Equal(t, "Internal", d.Cam.TriggerMode.Get())
	assert.Equal(t, "ADSIM.CAM", d.HDF.NDArrayPort.Get())
	assert.Equal(t, 0.1, d.Cam.AcquirePeriod.Get(), "period follows the current acquire time")

	// Priming values are restored.
	assert.Equal(t, 0, d.HDF.Enable.Get())
	assert.Equal(t, 0, d.Cam.ArrayCallbacks.Get())
	assert.Equal(t, 0.1, d.Cam.AcquireTime.Get())
}

func TestStage_AcquirePeriodFromStagedAcquireTime(t *testing.T) {
	t.Parallel()

	d := NewSimulated("adsim", time.Second)
	d.StageSettings().Add(signal.Set[float64](d.Cam.AcquireTime, 0.04))

	require.NoError(t, d.Stage(context.Background()))
	assert.Equal(t, 0.04, d.Cam.AcquireTime.Get())
	assert.Equal(t, 0.04, d.Cam.AcquirePeriod.Get())
}

func TestUnstage_RestoresStagedValues(t *testing.T) {
	t.Parallel()

	d := NewSimulated("adsim", time.Second)
	simOf[int](t, d.Cam.ArrayCounter).Put(17)
	require.NoError(t, d.Stage(context.Background()))
	require.NoError(t, d.HDF.Capture.Set(1).Wait(time.Second))

	require.NoError(t, d.Unstage(context.Background()))
	assert.Equal(t, 0, d.HDF.Capture.Get())
	assert.Equal(t, 18, d.Cam.ArrayCounter.Get(), "17 plus the priming frame")
	assert.Equal(t, "Continuous", d.Cam.ImageMode.Get())
	assert.Equal(t, "", d.HDF.NDArrayPort.Get())
	assert.Equal(t, 0.5, d.Cam.AcquirePeriod.Get())
}

func TestStage_PrimingFailureRestores(t *testing.T) {
	t.Parallel()

	d := NewSimulated("adsim", 50*time.Millisecond)
	acquire := simOf[int](t, d.Cam.Acquire)
	acquire.OnSet(func(v int) *status.Status {
		if v == 1 {
			return status.Failed(errors.New("driver not responding"))
		}
		acquire.Put(v)
		return status.Done()
	})

	err := d.Stage(context.Background())
	assert.ErrorContains(t, err, "driver not responding")
	assert.Equal(t, "Continuous", d.Cam.ImageMode.Get())
	assert.Equal(t, 0, d.HDF.Enable.Get())
	assert.Equal(t, 0.1, d.Cam.AcquireTime.Get())
}
