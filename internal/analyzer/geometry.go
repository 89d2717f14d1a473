package analyzer

import (
	"context"
	"math"

	"github.com/montanaflynn/stats"

	"github.com/raysh454/deepscan/internal/face"
	"github.com/raysh454/deepscan/internal/raster"
)

// goldenRatio is the reference eye-distance to nose-mouth ratio.
const goldenRatio = 1.618

var (
	geometryThresholds = thresholds{high: 75, medium: 50}
	geometryBand       = band{lo: 88, hi: 98}
	geometryText       = descriptions{
		SeverityHigh:   "Facial proportions and landmark symmetry deviate strongly from natural faces",
		SeverityMedium: "Some facial proportions fall outside typical ranges",
		SeverityLow:    "Facial geometry is consistent with a natural face",
	}
)

// GeometryAnalyzer scores landmark proportions and bilateral symmetry.
// It reads landmarks only; pixels are not inspected.
type GeometryAnalyzer struct{}

func (GeometryAnalyzer) Name() string { return NameGeometry }

func (GeometryAnalyzer) Analyze(ctx context.Context, _ *raster.Image, region face.Region) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	lm := region.Landmarks

	eyeDistance := lm.LeftEye.Dist(lm.RightEye)
	noseToMouth := lm.Nose.Dist(lm.LeftMouth)

	leftSide := lm.LeftEye.Dist(lm.LeftMouth)
	rightSide := lm.RightEye.Dist(lm.RightMouth)
	symmetry := safeDiv(math.Abs(leftSide-rightSide), math.Max(leftSide, rightSide))

	faceHeight := lm.LeftEyebrow.Dist(lm.Chin)
	eyeToFaceRatio := safeDiv(eyeDistance, faceHeight)
	noseToMouthRatio := safeDiv(noseToMouth, faceHeight)

	geometryScore := math.Min(100, math.Abs(safeDiv(eyeDistance, noseToMouth)-goldenRatio)/goldenRatio*150+symmetry*200)
	proportionScore := math.Min(100, (math.Abs(eyeToFaceRatio-0.25)+math.Abs(noseToMouthRatio-0.15))*300)
	cv := landmarkSpread(lm)
	consistencyScore := math.Min(100, cv*100)

	final := 0.4*geometryScore + 0.3*consistencyScore + 0.3*proportionScore

	area := float64(region.BBox.Width * region.BBox.Height)
	conf := geometryBand.at(area / (256 * 256))

	return newResult(NameGeometry, final, conf, geometryThresholds, geometryText, map[string]float64{
		"eyeDistance":      eyeDistance,
		"noseToMouth":      noseToMouth,
		"symmetry":         symmetry,
		"eyeToFaceRatio":   eyeToFaceRatio,
		"noseToMouthRatio": noseToMouthRatio,
		"landmarkCV":       cv,
		"geometryScore":    geometryScore,
		"proportionScore":  proportionScore,
		"consistencyScore": consistencyScore,
	}), nil
}

// landmarkSpread is the coefficient of variation of all pairwise landmark distances.
func landmarkSpread(lm face.Landmarks) float64 {
	pts := lm.Points()
	dists := make(stats.Float64Data, 0, len(pts)*(len(pts)-1)/2)
	for i := 0; i < len(pts); i++ {
		for j := i + 1; j < len(pts); j++ {
			dists = append(dists, pts[i].Dist(pts[j]))
		}
	}

	mean, err := stats.Mean(dists)
	if err != nil || mean == 0 {
		return 0
	}
	sd, err := stats.StandardDeviationPopulation(dists)
	if err != nil {
		return 0
	}
	return sd / mean
}
