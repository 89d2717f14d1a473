// Package ensemble merges analyzer results into one verdict under an
// adaptive, quality-dependent threshold.
package ensemble

import (
	"errors"
	"math"

	"github.com/raysh454/deepscan/internal/analyzer"
)

// ErrNoResults is returned when there is nothing to combine.
var ErrNoResults = errors.New("ensemble: no analyzer results")

// Reliability is how much trust to place in a verdict.
type Reliability string

const (
	ReliabilityLow      Reliability = "Low"
	ReliabilityMedium   Reliability = "Medium"
	ReliabilityHigh     Reliability = "High"
	ReliabilityVeryHigh Reliability = "Very High"
)

// downgrade returns the next lower tier.
func (r Reliability) downgrade() Reliability {
	switch r {
	case ReliabilityVeryHigh:
		return ReliabilityHigh
	case ReliabilityHigh:
		return ReliabilityMedium
	default:
		return ReliabilityLow
	}
}

const (
	baseThreshold      = 65.0
	highResThreshold   = 70.0
	lowResThreshold    = 60.0
	lowResWeightFactor = 0.8
)

// BaseWeights are the fixed per-analyzer ensemble weights. They sum to 1.
var BaseWeights = map[string]float64{
	analyzer.NameGeometry:  0.25,
	analyzer.NameEdge:      0.20,
	analyzer.NameTexture:   0.20,
	analyzer.NameFrequency: 0.15,
	analyzer.NameEye:       0.10,
	analyzer.NameLighting:  0.10,
}

// Artifact is one analyzer's evidence as presented in a verdict.
type Artifact struct {
	Name        string             `json:"name"`
	DisplayName string             `json:"displayName"`
	Score       float64            `json:"score"`
	Description string             `json:"description"`
	Confidence  float64            `json:"confidence"`
	Severity    analyzer.Severity  `json:"severity"`
	Details     map[string]float64 `json:"details,omitempty"`
}

// Verdict is the pipeline's only externally visible output.
type Verdict struct {
	Confidence     float64     `json:"confidence"`
	IsDeepfake     bool        `json:"isDeepfake"`
	Threshold      float64     `json:"threshold"`
	Artifacts      []Artifact  `json:"artifacts"`
	Reliability    Reliability `json:"reliability"`
	QualityFactors Quality     `json:"qualityFactors"`

	// ExcludedAnalyzers lists analyzers that failed and were left out.
	ExcludedAnalyzers []string `json:"excludedAnalyzers,omitempty"`

	// Frames holds per-frame verdicts when an animation was sampled.
	Frames []FrameVerdict `json:"frames,omitempty"`
}

// FrameVerdict is the verdict for one sampled animation frame. Frames
// without a face are listed with NoFace set and no score.
type FrameVerdict struct {
	Index      int     `json:"index"`
	Confidence float64 `json:"confidence"`
	IsDeepfake bool    `json:"isDeepfake"`
	NoFace     bool    `json:"noFace,omitempty"`
}

// Threshold returns the deepfake cutoff for an image resolution.
func Threshold(resolution float64) float64 {
	switch {
	case resolution > 0.8:
		return highResThreshold
	case resolution < 0.3:
		return lowResThreshold
	default:
		return baseThreshold
	}
}

// ReliabilityFor maps mean analyzer confidence and resolution onto a tier.
func ReliabilityFor(avgConfidence, resolution float64) Reliability {
	switch {
	case avgConfidence > 90 && resolution > 0.7:
		return ReliabilityVeryHigh
	case avgConfidence > 85 && resolution > 0.5:
		return ReliabilityHigh
	case avgConfidence > 70:
		return ReliabilityMedium
	default:
		return ReliabilityLow
	}
}

// Combiner merges results using a fixed weight table.
type Combiner struct {
	weights map[string]float64
	order   []string
}

// NewCombiner returns a Combiner over the given weights. Analyzer names in
// order that have no weight are ignored.
func NewCombiner(weights map[string]float64, order []string) *Combiner {
	return &Combiner{weights: weights, order: order}
}

// DefaultCombiner uses BaseWeights and analyzer.Order.
func DefaultCombiner() *Combiner {
	return NewCombiner(BaseWeights, analyzer.Order)
}

// Combine produces a verdict from results keyed by analyzer name. Names from
// the combiner's order that are missing are reported as excluded; their
// weight drops out of the denominator and reliability is lowered one tier.
func (c *Combiner) Combine(results map[string]*analyzer.Result, q Quality) (*Verdict, error) {
	scale := 1.0
	if q.Resolution < 0.5 {
		scale = lowResWeightFactor
	}

	var weighted, totalWeight, confSum float64
	artifacts := make([]Artifact, 0, len(c.order))
	var excluded []string

	for _, name := range c.order {
		w, known := c.weights[name]
		if !known {
			continue
		}
		res, ok := results[name]
		if !ok || res == nil {
			excluded = append(excluded, name)
			continue
		}
		w *= scale
		weighted += res.Score * w
		totalWeight += w
		confSum += res.Confidence

		artifacts = append(artifacts, Artifact{
			Name:        name,
			DisplayName: analyzer.DisplayName(name),
			Score:       res.Score,
			Description: res.Description,
			Confidence:  res.Confidence,
			Severity:    res.Severity,
			Details:     res.Details,
		})
	}

	if len(artifacts) == 0 || totalWeight == 0 {
		return nil, ErrNoResults
	}

	confidence := math.Max(0, math.Min(100, weighted/totalWeight))
	threshold := Threshold(q.Resolution)
	reliability := ReliabilityFor(confSum/float64(len(artifacts)), q.Resolution)
	if len(excluded) > 0 {
		reliability = reliability.downgrade()
	}

	return &Verdict{
		Confidence:        confidence,
		IsDeepfake:        confidence > threshold,
		Threshold:         threshold,
		Artifacts:         artifacts,
		Reliability:       reliability,
		QualityFactors:    q,
		ExcludedAnalyzers: excluded,
	}, nil
}
