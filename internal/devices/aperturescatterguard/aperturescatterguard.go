// Package aperturescatterguard moves the mini aperture and the scatterguard
// between their discrete positions in an order that keeps them clear of each
// other.
package aperturescatterguard

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/DominicOram/dodal/internal/status"
)

var tracer = otel.Tracer("dodal/aperturescatterguard")

// positionTolerance is how close two coordinates must be to count as the same.
const positionTolerance = 1e-6

// Aperture is the mini aperture stage.
type Aperture struct {
	X, Y, Z *Motor
}

// Scatterguard is the scatterguard stage.
type Scatterguard struct {
	X, Y *Motor
}

// MoveListener is told about every safe move once it finishes. err is nil on
// success.
type MoveListener func(pos Position, err error)

// Option configures an ApertureScatterguard.
type Option func(*ApertureScatterguard)

// WithMoveTimeout bounds the wait on the group moved first.
func WithMoveTimeout(d time.Duration) Option {
	return func(a *ApertureScatterguard) { a.timeout = d }
}

// WithMoveListener registers fn for finished moves.
func WithMoveListener(fn MoveListener) Option {
	return func(a *ApertureScatterguard) { a.listeners = append(a.listeners, fn) }
}

// ApertureScatterguard is the combined device.
type ApertureScatterguard struct {
	name         string
	Aperture     *Aperture
	Scatterguard *Scatterguard
	positions    *AperturePositions
	timeout      time.Duration
	listeners    []MoveListener
}

// New returns the device. positions may be nil, in which case only MoveTo is
// unavailable.
func New(name string, ap *Aperture, sg *Scatterguard, positions *AperturePositions, opts ...Option) *ApertureScatterguard {
	a := &ApertureScatterguard{
		name:         name,
		Aperture:     ap,
		Scatterguard: sg,
		positions:    positions,
		timeout:      30 * time.Second,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// NewSimulated returns the device on simulated motors parked at the robot
// load position.
func NewSimulated(name string, positions *AperturePositions, travel time.Duration, opts ...Option) *ApertureScatterguard {
	var park Position
	if positions != nil {
		park = positions.RobotLoad
	}
	motor := func(axis string, at float64) *Motor {
		return NewSimMotor(name+"-"+axis, at, travel)
	}
	ap := &Aperture{
		X: motor("aperture-x", park.ApertureX),
		Y: motor("aperture-y", park.ApertureY),
		Z: motor("aperture-z", park.ApertureZ),
	}
	sg := &Scatterguard{
		X: motor("scatterguard-x", park.ScatterguardX),
		Y: motor("scatterguard-y", park.ScatterguardY),
	}
	return New(name, ap, sg, positions, opts...)
}

// Name returns the device name.
func (a *ApertureScatterguard) Name() string { return a.name }

// Positions returns the loaded position table, or nil.
func (a *ApertureScatterguard) Positions() *AperturePositions { return a.positions }

// MoveTo safe-moves to the named position.
func (a *ApertureScatterguard) MoveTo(ctx context.Context, name string) (*status.Status, error) {
	if a.positions == nil {
		return nil, &UnsupportedPositionError{Position: Position{Name: name}, Reason: "no aperture positions loaded"}
	}
	pos, ok := a.positions.Lookup(name)
	if !ok {
		return nil, &UnsupportedPositionError{Position: Position{Name: name}, Reason: "not a known position"}
	}
	return a.SafeMove(ctx, pos)
}

// SafeMove moves to pos without the aperture and scatterguard colliding. When
// the aperture is leaving the beam (y increasing) the scatterguard moves
// first; otherwise the aperture moves first. The group moved first is waited
// on here and the Status of the second group is returned.
//
// Nothing is moved while the aperture z axis is still moving, and a pos whose z
// differs from the commanded z is refused.
func (a *ApertureScatterguard) SafeMove(ctx context.Context, pos Position) (*status.Status, error) {
	ctx, span := tracer.Start(ctx, "aperture.safe_move", trace.WithAttributes(
		attribute.String("device", a.name),
		attribute.String("position", pos.Name),
	))
	defer span.End()

	if a.positions != nil && !a.isKnown(pos) {
		return nil, a.refuse(span, pos, "not one of the configured positions")
	}

	ap, sg := a.Aperture, a.Scatterguard
	if ap.Z.DoneMove.Get() != 1 {
		slog.WarnContext(ctx, "aperture z still moving, not moving aperture or scatterguard",
			"device", a.name, "position", pos.Name)
		return status.Done(), nil
	}
	if !same(pos.ApertureZ, ap.Z.Setpoint.Get()) {
		return nil, a.refuse(span, pos, fmt.Sprintf("z %g does not match current z setpoint %g", pos.ApertureZ, ap.Z.Setpoint.Get()))
	}

	moveScatterguard := func() *status.Status {
		return sg.X.Set(pos.ScatterguardX).And(sg.Y.Set(pos.ScatterguardY))
	}
	moveAperture := func() *status.Status {
		return status.Chain(ap.X.Set(pos.ApertureX), ap.Y.Set(pos.ApertureY), ap.Z.Set(pos.ApertureZ))
	}

	first, second, firstName := moveAperture, moveScatterguard, "aperture"
	if pos.ApertureY > ap.Y.Get() {
		first, second, firstName = moveScatterguard, moveAperture, "scatterguard"
	}
	span.SetAttributes(attribute.String("first", firstName))

	if err := first().Wait(a.timeout); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		a.notify(pos, err)
		return nil, fmt.Errorf("moving %s to %s: %w", firstName, pos.Name, err)
	}

	st := second()
	st.AddCallback(func(done *status.Status) { a.notify(pos, done.Err()) })
	return st, nil
}

// CurrentPosition returns the configured position the motors are at, if any.
func (a *ApertureScatterguard) CurrentPosition() (Position, bool) {
	if a.positions == nil {
		return Position{}, false
	}
	for _, pos := range a.positions.All() {
		if same(pos.ApertureX, a.Aperture.X.Get()) &&
			same(pos.ApertureY, a.Aperture.Y.Get()) &&
			same(pos.ApertureZ, a.Aperture.Z.Get()) &&
			same(pos.ScatterguardX, a.Scatterguard.X.Get()) &&
			same(pos.ScatterguardY, a.Scatterguard.Y.Get()) {
			return pos, true
		}
	}
	return Position{}, false
}

func (a *ApertureScatterguard) isKnown(pos Position) bool {
	for _, known := range a.positions.All() {
		if same(known.ApertureX, pos.ApertureX) &&
			same(known.ApertureY, pos.ApertureY) &&
			same(known.ApertureZ, pos.ApertureZ) &&
			same(known.ScatterguardX, pos.ScatterguardX) &&
			same(known.ScatterguardY, pos.ScatterguardY) {
			return true
		}
	}
	return false
}

func (a *ApertureScatterguard) refuse(span trace.Span, pos Position, reason string) error {
	err := &UnsupportedPositionError{Position: pos, Reason: reason}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	a.notify(pos, err)
	return err
}

func (a *ApertureScatterguard) notify(pos Position, err error) {
	for _, fn := range a.listeners {
		fn(pos, err)
	}
}

func same(a, b float64) bool {
	return math.Abs(a-b) <= positionTolerance
}
