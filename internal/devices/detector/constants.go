package detector

import "fmt"

// Size is a physical detector size in millimetres.
type Size struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Pixels is a detector size in pixels.
type Pixels struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// SizeConstants describes one detector model, in full-frame and ROI modes.
type SizeConstants struct {
	Type          string `json:"type"`
	Dimension     Size   `json:"dimension"`
	SizePixels    Pixels `json:"sizePixels"`
	ROIDimension  Size   `json:"roiDimension"`
	ROISizePixels Pixels `json:"roiSizePixels"`
}

const (
	Eiger2X4MType  = "EIGER2_X_4M"
	Eiger2X9MType  = "EIGER2_X_9M"
	Eiger2X16MType = "EIGER2_X_16M"
)

var (
	Eiger2X4M = SizeConstants{
		Type:          Eiger2X4MType,
		Dimension:     Size{Width: 155.1, Height: 162.15},
		SizePixels:    Pixels{Width: 2068, Height: 2162},
		ROIDimension:  Size{Width: 155.1, Height: 162.15},
		ROISizePixels: Pixels{Width: 2068, Height: 2162},
	}
	Eiger2X9M = SizeConstants{
		Type:          Eiger2X9MType,
		Dimension:     Size{Width: 233.1, Height: 244.65},
		SizePixels:    Pixels{Width: 3108, Height: 3262},
		ROIDimension:  Size{Width: 155.1, Height: 162.15},
		ROISizePixels: Pixels{Width: 2068, Height: 2162},
	}
	Eiger2X16M = SizeConstants{
		Type:          Eiger2X16MType,
		Dimension:     Size{Width: 311.1, Height: 327.15},
		SizePixels:    Pixels{Width: 4148, Height: 4362},
		ROIDimension:  Size{Width: 155.1, Height: 162.15},
		ROISizePixels: Pixels{Width: 2068, Height: 2162},
	}
)

// ConstantsForType returns the size constants of a known detector model.
func ConstantsForType(detType string) (SizeConstants, error) {
	switch detType {
	case Eiger2X4MType:
		return Eiger2X4M, nil
	case Eiger2X9MType:
		return Eiger2X9M, nil
	case Eiger2X16MType:
		return Eiger2X16M, nil
	default:
		return SizeConstants{}, fmt.Errorf("unknown detector type %q", detType)
	}
}
