package analyzer

import (
	"context"
	"math"

	"github.com/raysh454/deepscan/internal/face"
	"github.com/raysh454/deepscan/internal/raster"
)

const lightingStride = 5

var (
	lightingThresholds = thresholds{high: 65, medium: 40}
	lightingBand       = band{lo: 80, hi: 90}
	lightingText       = descriptions{
		SeverityHigh:   "Light direction and shadows across the face are inconsistent",
		SeverityMedium: "Some lighting inconsistencies across the face",
		SeverityLow:    "Lighting across the face is consistent",
	}
)

// LightingAnalyzer compares brightness across the halves and quadrants of the
// face crop and looks for abrupt changes in the horizontal illumination profile.
type LightingAnalyzer struct{}

func (LightingAnalyzer) Name() string { return NameLighting }

func (LightingAnalyzer) Analyze(ctx context.Context, img *raster.Image, region face.Region) (*Result, error) {
	crop := img.Crop(region.BBox)
	w, h := crop.Width(), crop.Height()
	midX, midY := w/2, h/2

	var left, right running
	// quadrants: 0 top-left, 1 top-right, 2 bottom-left, 3 bottom-right
	var quad [4]running
	columns := make([]running, (w+lightingStride-1)/lightingStride)

	for y := 0; y < h; y += lightingStride {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for x := 0; x < w; x += lightingStride {
			v := crop.Brightness(x, y)
			q := 0
			if x < midX {
				left.add(v)
			} else {
				right.add(v)
				q = 1
			}
			if y >= midY {
				q += 2
			}
			quad[q].add(v)
			columns[x/lightingStride].add(v)
		}
	}

	directionScore := 0.0
	if left.n > 0 && right.n > 0 {
		directionScore = math.Min(100, math.Abs(left.mean()-right.mean())/3)
	}

	shadowScore := 0.0
	if quad[0].n > 0 && quad[1].n > 0 && quad[2].n > 0 && quad[3].n > 0 {
		dTop := quad[0].mean() - quad[1].mean()
		dBottom := quad[2].mean() - quad[3].mean()
		shadowScore = math.Min(100, math.Abs(dTop-dBottom)*1.5)
	}

	gradientScore := math.Min(100, profileRoughness(columns)*10)

	final := 0.4*directionScore + 0.35*shadowScore + 0.25*gradientScore
	samples := left.n + right.n
	conf := lightingBand.at(float64(samples) / 2500)

	return newResult(NameLighting, final, conf, lightingThresholds, lightingText, map[string]float64{
		"avgLeft":                left.mean(),
		"avgRight":               right.mean(),
		"samples":                float64(samples),
		"lightingDirectionScore": directionScore,
		"shadowConsistency":      shadowScore,
		"illuminationGradient":   gradientScore,
	}), nil
}

// profileRoughness is the mean absolute second difference of the column
// mean brightness. Smooth illumination gives values near zero.
func profileRoughness(columns []running) float64 {
	if len(columns) < 3 {
		return 0
	}
	var acc running
	for i := 1; i < len(columns)-1; i++ {
		d := columns[i+1].mean() - 2*columns[i].mean() + columns[i-1].mean()
		acc.add(math.Abs(d))
	}
	return acc.mean()
}
