package aperturescatterguard

import (
	"sync"
	"time"

	"github.com/DominicOram/dodal/internal/signal"
	"github.com/DominicOram/dodal/internal/status"
)

// Motor is one motion axis: the commanded setpoint, the measured readback and
// the "motion complete" flag.
type Motor struct {
	Name     string
	Setpoint signal.PV[float64]
	Readback signal.Monitor[float64]
	DoneMove signal.Monitor[int]
}

// Get returns the readback position.
func (m *Motor) Get() float64 { return m.Readback.Get() }

// Set moves the motor to v. The Status completes when the setpoint write
// completes.
func (m *Motor) Set(v float64) *status.Status { return m.Setpoint.Set(v) }

// NewSimMotor returns a motor on in-memory signals, parked at position. A move
// takes travel, during which DoneMove reads 0.
func NewSimMotor(name string, position float64, travel time.Duration) *Motor {
	setpoint := signal.NewSim(name+"-setpoint", position)
	readback := signal.NewSim(name+"-readback", position)
	done := signal.NewSim(name+"-done_move", 1)

	var mu sync.Mutex
	moves := 0
	setpoint.OnSet(func(v float64) *status.Status {
		setpoint.Put(v)
		if travel <= 0 {
			readback.Put(v)
			done.Put(1)
			return status.Done()
		}

		mu.Lock()
		moves++
		move := moves
		mu.Unlock()

		done.Put(0)
		st := status.New()
		time.AfterFunc(travel, func() {
			readback.Put(v)
			mu.Lock()
			latest := move == moves
			mu.Unlock()
			// A newer move keeps the axis busy.
			if latest {
				done.Put(1)
			}
			_ = st.Succeed()
		})
		return st
	})

	return &Motor{Name: name, Setpoint: setpoint, Readback: readback, DoneMove: done}
}
