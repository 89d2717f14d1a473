package analyzer

import (
	"context"
	"math"

	"github.com/raysh454/deepscan/internal/face"
	"github.com/raysh454/deepscan/internal/raster"
)

const (
	idealOpenness = 0.3
	eyePatchScale = 0.12
	eyeContrast   = 20.0
)

var (
	eyeThresholds = thresholds{high: 70, medium: 40}
	eyeBand       = band{lo: 82, hi: 94}
	eyeText       = descriptions{
		SeverityHigh:   "Eye shape, spacing or contrast is inconsistent with a natural face",
		SeverityMedium: "Minor irregularities in eye geometry",
		SeverityLow:    "Eye geometry appears natural",
	}
)

// EyeAnalyzer checks static eye geometry in a single frame: openness,
// left/right symmetry and iris/sclera contrast. There is no temporal signal.
type EyeAnalyzer struct{}

func (EyeAnalyzer) Name() string { return NameEye }

func (EyeAnalyzer) Analyze(ctx context.Context, img *raster.Image, region face.Region) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	lm := region.Landmarks
	eyeDistance := lm.LeftEye.Dist(lm.RightEye)

	verticalGap := (math.Abs(lm.LeftEyebrow.Y-lm.LeftEye.Y) + math.Abs(lm.RightEyebrow.Y-lm.RightEye.Y)) / 2
	opennessRatio := safeDiv(verticalGap, eyeDistance/2)
	opennessScore := math.Min(100, math.Abs(opennessRatio-idealOpenness)*300)

	leftGap := lm.LeftEyebrow.Dist(lm.LeftEye)
	rightGap := lm.RightEyebrow.Dist(lm.RightEye)
	asymmetry := safeDiv(math.Abs(leftGap-rightGap), math.Max(leftGap, rightGap))
	symmetryScore := math.Min(100, asymmetry*200)

	radius := max(2, int(eyePatchScale*eyeDistance))
	leftContrast, leftN := patchContrast(img, lm.LeftEye, radius)
	rightContrast, rightN := patchContrast(img, lm.RightEye, radius)
	contrast := (leftContrast + rightContrast) / 2
	mismatch := safeDiv(math.Abs(leftContrast-rightContrast), math.Max(leftContrast, rightContrast))
	lowContrast := clampScore((eyeContrast - contrast) / eyeContrast * 100)
	naturalnessScore := 0.7*lowContrast + 0.3*math.Min(100, mismatch*100)

	final := 0.4*opennessScore + 0.3*symmetryScore + 0.3*naturalnessScore
	conf := eyeBand.at(float64(leftN+rightN) / (2 * 25 * 25))

	return newResult(NameEye, final, conf, eyeThresholds, eyeText, map[string]float64{
		"opennessRatio":    opennessRatio,
		"asymmetry":        asymmetry,
		"leftContrast":     leftContrast,
		"rightContrast":    rightContrast,
		"patchRadius":      float64(radius),
		"patchPixels":      float64(leftN + rightN),
		"opennessScore":    opennessScore,
		"symmetryScore":    symmetryScore,
		"naturalnessScore": naturalnessScore,
	}), nil
}

// patchContrast is the brightness standard deviation of the square patch
// of the given radius around p, clipped to the image.
func patchContrast(img *raster.Image, p face.Point, radius int) (float64, int) {
	cx, cy := int(p.X), int(p.Y)
	rect := img.Clip(raster.Rect{X: cx - radius, Y: cy - radius, Width: 2*radius + 1, Height: 2*radius + 1})
	var acc running
	for y := rect.Y; y < rect.Y+rect.Height; y++ {
		for x := rect.X; x < rect.X+rect.Width; x++ {
			acc.add(img.Brightness(x, y))
		}
	}
	return acc.std(), acc.n
}
