package analyzer

import (
	"errors"
	"fmt"

	"github.com/montanaflynn/stats"
)

// ErrNothingToMerge is returned by Merge for an empty input.
var ErrNothingToMerge = errors.New("analyzer: no results to merge")

type profile struct {
	t thresholds
	d descriptions
}

var profiles = map[string]profile{
	NameGeometry:  {geometryThresholds, geometryText},
	NameEdge:      {edgeThresholds, edgeText},
	NameTexture:   {textureThresholds, textureText},
	NameFrequency: {frequencyThresholds, frequencyText},
	NameEye:       {eyeThresholds, eyeText},
	NameLighting:  {lightingThresholds, lightingText},
}

// Merge averages one analyzer's results over several frames. Score,
// confidence and every detail key are arithmetic means; severity and
// description are derived again from the mean score. All results must
// carry the same name.
func Merge(results []*Result) (*Result, error) {
	if len(results) == 0 {
		return nil, ErrNothingToMerge
	}
	name := results[0].Name

	scores := make(stats.Float64Data, 0, len(results))
	confs := make(stats.Float64Data, 0, len(results))
	details := map[string]stats.Float64Data{}
	for _, r := range results {
		if r.Name != name {
			return nil, fmt.Errorf("analyzer: merging %q with %q", name, r.Name)
		}
		scores = append(scores, r.Score)
		confs = append(confs, r.Confidence)
		for k, v := range r.Details {
			details[k] = append(details[k], v)
		}
	}

	score, err := stats.Mean(scores)
	if err != nil {
		return nil, err
	}
	conf, err := stats.Mean(confs)
	if err != nil {
		return nil, err
	}

	var merged map[string]float64
	if len(details) > 0 {
		merged = make(map[string]float64, len(details))
		for k, vs := range details {
			if merged[k], err = stats.Mean(vs); err != nil {
				return nil, err
			}
		}
	}

	p, ok := profiles[name]
	if !ok {
		first := results[0]
		return &Result{
			Name:        name,
			Score:       clampScore(score),
			Confidence:  clampScore(conf),
			Severity:    first.Severity,
			Description: first.Description,
			Details:     merged,
		}, nil
	}
	return newResult(name, score, conf, p.t, p.d, merged), nil
}
