package eiger

import (
	"errors"
	"fmt"
)

// ErrNotIdle is returned by Arm when the detector is armed or disarming.
var ErrNotIdle = errors.New("detector not idle")

// FrameTimeoutError is returned when a free-run disarm did not see every
// expected frame before the deadline.
type FrameTimeoutError struct {
	Expected int
	Captured int
}

func (e *FrameTimeoutError) Error() string {
	return fmt.Sprintf("expected %d frames, only %d captured before the deadline", e.Expected, e.Captured)
}

// OdinNotInitialisedError is returned by Arm when the file-writing pipeline is
// not ready.
type OdinNotInitialisedError struct {
	Reason string
}

func (e *OdinNotInitialisedError) Error() string {
	return "Odin not initialised: " + e.Reason
}
