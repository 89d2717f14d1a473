package face

import (
	"context"
	"fmt"
	"math"
	"os"
	"sort"

	pigo "github.com/esimov/pigo/core"

	"github.com/raysh454/deepscan/internal/raster"
)

// PigoOptions tune the cascade scan.
type PigoOptions struct {
	MinSize      int
	ShiftFactor  float64
	ScaleFactor  float64
	IoUThreshold float64

	// MinQuality drops detections whose cascade score is below this value.
	MinQuality float32
}

// DefaultPigoOptions mirror the values recommended by the pigo authors.
func DefaultPigoOptions() PigoOptions {
	return PigoOptions{
		MinSize:      20,
		ShiftFactor:  0.1,
		ScaleFactor:  1.1,
		IoUThreshold: 0.2,
		MinQuality:   5.0,
	}
}

// PigoLocator detects faces with the pigo pixel-intensity-comparison cascade.
// Landmarks are placed with the same proportional offsets as FixedLocator.
type PigoLocator struct {
	classifier *pigo.Pigo
	opts       PigoOptions
}

// NewPigoLocator unpacks a binary facefinder cascade.
func NewPigoLocator(cascade []byte, opts PigoOptions) (*PigoLocator, error) {
	if len(cascade) == 0 {
		return nil, fmt.Errorf("pigo: empty cascade")
	}
	classifier, err := pigo.NewPigo().Unpack(cascade)
	if err != nil {
		return nil, fmt.Errorf("pigo: unpack cascade: %w", err)
	}
	return &PigoLocator{classifier: classifier, opts: opts}, nil
}

// NewPigoLocatorFromFile reads the cascade from disk.
func NewPigoLocatorFromFile(path string, opts PigoOptions) (*PigoLocator, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("pigo: reading cascade %s: %w", path, err)
	}
	return NewPigoLocator(data, opts)
}

func (p *PigoLocator) Locate(ctx context.Context, img *raster.Image) ([]Region, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if img == nil || img.Area() == 0 {
		return nil, nil
	}

	w, h := img.Width(), img.Height()
	minSize := min(p.opts.MinSize, min(w, h))
	params := pigo.CascadeParams{
		MinSize:     minSize,
		MaxSize:     max(w, h),
		ShiftFactor: p.opts.ShiftFactor,
		ScaleFactor: p.opts.ScaleFactor,
		ImageParams: pigo.ImageParams{
			Pixels: img.Gray(),
			Rows:   h,
			Cols:   w,
			Dim:    w,
		},
	}

	dets := p.classifier.RunCascade(params, 0.0)
	dets = p.classifier.ClusterDetections(dets, p.opts.IoUThreshold)

	sort.SliceStable(dets, func(i, j int) bool { return dets[i].Q > dets[j].Q })

	regions := make([]Region, 0, len(dets))
	for _, d := range dets {
		if d.Q < p.opts.MinQuality {
			continue
		}
		bbox := img.Clip(raster.Rect{
			X:      d.Col - d.Scale/2,
			Y:      d.Row - d.Scale/2,
			Width:  d.Scale,
			Height: d.Scale,
		})
		if bbox.Empty() {
			continue
		}
		regions = append(regions, Region{
			BBox:       bbox,
			Confidence: qualityToConfidence(d.Q),
			Landmarks:  LandmarksFor(bbox, w, h),
		})
	}
	return regions, nil
}

// qualityToConfidence maps an unbounded cascade score into [0,100).
func qualityToConfidence(q float32) float64 {
	if q <= 0 {
		return 0
	}
	return 100 * (1 - math.Exp(-float64(q)/10))
}
