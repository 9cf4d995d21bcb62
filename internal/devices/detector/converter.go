package detector

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Axis selects the beam centre coordinate.
type Axis int

const (
	XAxis Axis = iota + 1
	YAxis
)

// BeamXYConverter maps a detector distance to the beam centre position using
// a calibrated lookup table. Interpolation is linear and clamps at the ends
// of the table.
type BeamXYConverter struct {
	path string

	mu        sync.RWMutex
	distances []float64
	beamX     []float64
	beamY     []float64
}

// NewBeamXYConverter reads the lookup table at path.
func NewBeamXYConverter(path string) (*BeamXYConverter, error) {
	c := &BeamXYConverter{path: path}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// NewBeamXYConverterFromTable builds a converter from rows of
// (distance, beam x mm, beam y mm) without a backing file.
func NewBeamXYConverterFromTable(rows [][3]float64) *BeamXYConverter {
	c := &BeamXYConverter{}
	c.setRows(rows)
	return c
}

// Path returns the lookup file the converter was loaded from.
func (c *BeamXYConverter) Path() string { return c.path }

// Reload re-reads the lookup file.
func (c *BeamXYConverter) Reload() error {
	rows, err := parseLookupTable(c.path)
	if err != nil {
		return err
	}
	c.setRows(rows)
	return nil
}

func (c *BeamXYConverter) setRows(rows [][3]float64) {
	sorted := append([][3]float64(nil), rows...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i][0] < sorted[j][0] })

	c.mu.Lock()
	defer c.mu.Unlock()
	c.distances = make([]float64, len(sorted))
	c.beamX = make([]float64, len(sorted))
	c.beamY = make([]float64, len(sorted))
	for i, r := range sorted {
		c.distances[i], c.beamX[i], c.beamY[i] = r[0], r[1], r[2]
	}
}

// Columns returns the table as (distances, beam x, beam y) columns.
func (c *BeamXYConverter) Columns() (distances, beamX, beamY []float64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]float64(nil), c.distances...),
		append([]float64(nil), c.beamX...),
		append([]float64(nil), c.beamY...)
}

// BeamXYFromDistance returns the beam centre in mm on axis at distance.
func (c *BeamXYConverter) BeamXYFromDistance(distance float64, axis Axis) float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	values := c.beamX
	if axis == YAxis {
		values = c.beamY
	}
	return interpolate(distance, c.distances, values)
}

// BeamXPixels converts the beam x position at distance to pixels for an image
// imageSizePixels wide on a detector detectorWidthMM wide.
func (c *BeamXYConverter) BeamXPixels(distance float64, imageSizePixels int, detectorWidthMM float64) float64 {
	return c.BeamXYFromDistance(distance, XAxis) * float64(imageSizePixels) / detectorWidthMM
}

// BeamYPixels is BeamXPixels for the y axis.
func (c *BeamXYConverter) BeamYPixels(distance float64, imageSizePixels int, detectorHeightMM float64) float64 {
	return c.BeamXYFromDistance(distance, YAxis) * float64(imageSizePixels) / detectorHeightMM
}

// interpolate is linear interpolation over increasing xs, clamped at both ends.
func interpolate(x float64, xs, ys []float64) float64 {
	switch {
	case len(xs) == 0:
		return 0
	case x <= xs[0]:
		return ys[0]
	case x >= xs[len(xs)-1]:
		return ys[len(ys)-1]
	}
	i := sort.SearchFloat64s(xs, x)
	if xs[i] == x {
		return ys[i]
	}
	x0, x1 := xs[i-1], xs[i]
	y0, y1 := ys[i-1], ys[i]
	return y0 + (x-x0)*(y1-y0)/(x1-x0)
}

// parseLookupTable reads whitespace-separated "distance x y" rows. Blank
// lines and lines starting with '#' or "Units" are skipped.
func parseLookupTable(path string) ([][3]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening beam lookup table: %w", err)
	}
	defer f.Close()

	var rows [][3]float64
	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") || strings.HasPrefix(text, "Units") {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) < 3 {
			return nil, fmt.Errorf("%s:%d: want 3 columns, got %d", path, line, len(fields))
		}
		var row [3]float64
		for i := 0; i < 3; i++ {
			v, err := strconv.ParseFloat(fields[i], 64)
			if err != nil {
				return nil, fmt.Errorf("%s:%d: %w", path, line, err)
			}
			row[i] = v
		}
		rows = append(rows, row)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading beam lookup table: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%s: lookup table has no rows", path)
	}
	return rows, nil
}
