package analyzer

import (
	"context"
	"math"

	"github.com/raysh454/deepscan/internal/face"
	"github.com/raysh454/deepscan/internal/raster"
)

const (
	suspiciousGradient = 100.0
	channelDivergence  = 50
)

var (
	edgeThresholds = thresholds{high: 70, medium: 45}
	edgeBand       = band{lo: 85, hi: 95}
	edgeText       = descriptions{
		SeverityHigh:   "Sharp gradient artifacts and colour fringing around the face boundary",
		SeverityMedium: "Some unnatural edges or blending seams detected",
		SeverityLow:    "Edges and face boundary look natural",
	}
)

// EdgeAnalyzer looks for gradient artifacts, colour fringing on the crop
// border, blending seams and compression block structure.
type EdgeAnalyzer struct{}

func (EdgeAnalyzer) Name() string { return NameEdge }

func (EdgeAnalyzer) Analyze(ctx context.Context, img *raster.Image, region face.Region) (*Result, error) {
	crop := img.Crop(region.BBox)
	w, h := crop.Width(), crop.Height()

	var gradients running
	suspicious := 0
	for y := 1; y < h-1; y++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for x := 1; x < w-1; x++ {
			mag := sobel(crop, x, y)
			gradients.add(mag)
			if mag > suspiciousGradient {
				suspicious++
			}
		}
	}
	avgGradient := gradients.mean()
	suspiciousRatio := safeDiv(float64(suspicious), float64(gradients.n))
	edgeScore := math.Min(100, avgGradient/8+suspiciousRatio*500)

	ringPixels, fringed := 0, 0
	ring(w, h, func(x, y int) {
		ringPixels++
		r, g, b := crop.RGB(x, y)
		if abs(r-g) > channelDivergence || abs(g-b) > channelDivergence || abs(r-b) > channelDivergence {
			fringed++
		}
	})
	boundaryFraction := safeDiv(float64(fringed), float64(ringPixels))
	boundaryScore := math.Min(100, boundaryFraction*300)

	blendingScore, seamFound, err := seam(ctx, img, region.BBox)
	if err != nil {
		return nil, err
	}
	compressionScore, blockRatio, err := blockiness(ctx, img, region.BBox)
	if err != nil {
		return nil, err
	}

	final := 0.3*edgeScore + 0.3*blendingScore + 0.2*compressionScore + 0.2*boundaryScore
	conf := edgeBand.at(float64(gradients.n) / (128 * 128))

	return newResult(NameEdge, final, conf, edgeThresholds, edgeText, map[string]float64{
		"avgGradient":      avgGradient,
		"suspiciousRatio":  suspiciousRatio,
		"boundaryFraction": boundaryFraction,
		"blockRatio":       blockRatio,
		"seamMeasured":     boolFloat(seamFound),
		"edgeScore":        edgeScore,
		"blendingScore":    blendingScore,
		"compressionScore": compressionScore,
		"boundaryScore":    boundaryScore,
	}), nil
}

// sobel is the 3x3 Sobel gradient magnitude of brightness at an interior pixel.
func sobel(img *raster.Image, x, y int) float64 {
	b := img.Brightness
	gx := (b(x+1, y-1) + 2*b(x+1, y) + b(x+1, y+1)) - (b(x-1, y-1) + 2*b(x-1, y) + b(x-1, y+1))
	gy := (b(x-1, y+1) + 2*b(x, y+1) + b(x+1, y+1)) - (b(x-1, y-1) + 2*b(x, y-1) + b(x+1, y-1))
	return math.Hypot(gx, gy)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
