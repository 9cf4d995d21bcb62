package aperturescatterguard

import (
	"errors"
	"fmt"
	"strings"
)

// Names of the discrete positions.
const (
	Large     = "LARGE_APERTURE"
	Medium    = "MEDIUM_APERTURE"
	Small     = "SMALL_APERTURE"
	RobotLoad = "ROBOT_LOAD"
)

// Position is a combined aperture and scatterguard target.
type Position struct {
	Name          string  `json:"name"`
	ApertureX     float64 `json:"aperture_x"`
	ApertureY     float64 `json:"aperture_y"`
	ApertureZ     float64 `json:"aperture_z"`
	ScatterguardX float64 `json:"scatterguard_x"`
	ScatterguardY float64 `json:"scatterguard_y"`
}

// AperturePositions is the table of the four positions the safe move
// supports.
type AperturePositions struct {
	Large     Position `json:"large"`
	Medium    Position `json:"medium"`
	Small     Position `json:"small"`
	RobotLoad Position `json:"robot_load"`
}

// FromBeamlineParams reads the table from beamline parameters keyed the GDA
// way, for example miniap_x_LARGE_APERTURE or sg_y_ROBOT_LOAD. Every missing
// key is reported.
func FromBeamlineParams(params map[string]float64) (*AperturePositions, error) {
	var missing []error
	load := func(name string) Position {
		get := func(prefix string) float64 {
			key := prefix + "_" + name
			v, ok := lookupKey(params, key)
			if !ok {
				missing = append(missing, fmt.Errorf("missing beamline parameter %s", key))
			}
			return v
		}
		return Position{
			Name:          name,
			ApertureX:     get("miniap_x"),
			ApertureY:     get("miniap_y"),
			ApertureZ:     get("miniap_z"),
			ScatterguardX: get("sg_x"),
			ScatterguardY: get("sg_y"),
		}
	}

	p := &AperturePositions{
		Large:     load(Large),
		Medium:    load(Medium),
		Small:     load(Small),
		RobotLoad: load(RobotLoad),
	}
	if err := errors.Join(missing...); err != nil {
		return nil, err
	}
	return p, nil
}

// lookupKey matches keys case-insensitively; config loaders lower-case them.
func lookupKey(params map[string]float64, key string) (float64, bool) {
	if v, ok := params[key]; ok {
		return v, true
	}
	for k, v := range params {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return 0, false
}

// All returns the positions in a fixed order.
func (p *AperturePositions) All() []Position {
	return []Position{p.Large, p.Medium, p.Small, p.RobotLoad}
}

// Lookup returns the position called name.
func (p *AperturePositions) Lookup(name string) (Position, bool) {
	for _, pos := range p.All() {
		if strings.EqualFold(pos.Name, name) {
			return pos, true
		}
	}
	return Position{}, false
}

// UnsupportedPositionError is returned for a safe move the device will not
// make.
type UnsupportedPositionError struct {
	Position Position
	Reason   string
}

func (e *UnsupportedPositionError) Error() string {
	name := e.Position.Name
	if name == "" {
		name = fmt.Sprintf("(%g, %g, %g, %g, %g)", e.Position.ApertureX, e.Position.ApertureY,
			e.Position.ApertureZ, e.Position.ScatterguardX, e.Position.ScatterguardY)
	}
	return fmt.Sprintf("unsupported aperture position %s: %s", name, e.Reason)
}
