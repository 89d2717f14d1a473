package face

import (
	"context"

	"github.com/raysh454/deepscan/internal/raster"
)

// FixedConfidence is the synthetic confidence reported by FixedLocator.
const FixedConfidence = 96.0

// FixedLocator places one face in the central 50%x60% of the frame. It does
// not look at pixels; use it as a fixture or when no cascade is configured.
type FixedLocator struct{}

func NewFixedLocator() *FixedLocator { return &FixedLocator{} }

func (FixedLocator) Locate(ctx context.Context, img *raster.Image) ([]Region, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if img == nil || img.Area() == 0 {
		return nil, nil
	}

	w, h := img.Width(), img.Height()
	bbox := raster.Rect{
		X:      int(0.25 * float64(w)),
		Y:      int(0.15 * float64(h)),
		Width:  max(1, int(0.5*float64(w))),
		Height: max(1, int(0.6*float64(h))),
	}

	return []Region{{
		BBox:       bbox,
		Confidence: FixedConfidence,
		Landmarks:  LandmarksFor(bbox, w, h),
	}}, nil
}
