// Package analyzer contains the six independent pixel and landmark analyzers.
// Each analyzer is a pure function of (image, face region) and returns its
// own Result; none of them share mutable state.
package analyzer

import (
	"context"
	"math"

	"github.com/raysh454/deepscan/internal/face"
	"github.com/raysh454/deepscan/internal/raster"
)

// Severity is a coarse bucket derived from an analyzer's own score.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Analyzer names, in declaration order.
const (
	NameGeometry  = "geometry"
	NameEdge      = "edge"
	NameTexture   = "texture"
	NameFrequency = "frequency"
	NameEye       = "eye"
	NameLighting  = "lighting"
)

// Order is the declaration order used for evidence lists.
var Order = []string{NameGeometry, NameEdge, NameTexture, NameFrequency, NameEye, NameLighting}

// DisplayName returns the human-facing label for an analyzer name.
func DisplayName(name string) string {
	switch name {
	case NameGeometry:
		return "Facial Geometry"
	case NameEdge:
		return "Edge & Boundary Artifacts"
	case NameTexture:
		return "Texture & Pores"
	case NameFrequency:
		return "Frequency Banding"
	case NameEye:
		return "Eye Geometry"
	case NameLighting:
		return "Lighting Direction"
	default:
		return name
	}
}

// Result is one analyzer's output for one run.
type Result struct {
	Name        string   `json:"name"`
	Score       float64  `json:"score"`
	Confidence  float64  `json:"confidence"`
	Severity    Severity `json:"severity"`
	Description string   `json:"description"`

	// Details are diagnostic sub-metrics. They never feed the ensemble.
	Details map[string]float64 `json:"details,omitempty"`
}

// Analyzer scores one aspect of a face image. Implementations must honour
// ctx cancellation and must not retain img or region.
type Analyzer interface {
	Name() string
	Analyze(ctx context.Context, img *raster.Image, region face.Region) (*Result, error)
}

// Default returns the six analyzers in declaration order.
func Default() []Analyzer {
	return []Analyzer{
		GeometryAnalyzer{},
		EdgeAnalyzer{},
		TextureAnalyzer{},
		FrequencyAnalyzer{},
		EyeAnalyzer{},
		LightingAnalyzer{},
	}
}

// thresholds map a score onto a Severity: score > high is high, score > medium is medium.
type thresholds struct {
	high, medium float64
}

func (t thresholds) severity(score float64) Severity {
	switch {
	case score > t.high:
		return SeverityHigh
	case score > t.medium:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// band is an analyzer's self-reported confidence range.
type band struct {
	lo, hi float64
}

// at interpolates within the band by coverage in [0,1].
func (b band) at(coverage float64) float64 {
	return b.lo + (b.hi-b.lo)*clamp(coverage, 0, 1)
}

// descriptions holds one sentence per severity.
type descriptions map[Severity]string

func newResult(name string, score float64, conf float64, t thresholds, d descriptions, details map[string]float64) *Result {
	score = clampScore(score)
	sev := t.severity(score)
	return &Result{
		Name:        name,
		Score:       score,
		Confidence:  clampScore(conf),
		Severity:    sev,
		Description: d[sev],
		Details:     details,
	}
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}

func clampScore(v float64) float64 {
	return clamp(v, 0, 100)
}

// safeDiv returns a/b, or 0 when b is zero.
func safeDiv(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	return a / b
}
