package app

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/raysh454/deepscan/internal/analyzer"
	"github.com/raysh454/deepscan/internal/ensemble"
)

// ArtifactDelta is the change in one analyzer's score between two analyses.
// A missing side (analyzer excluded in that run) is reported as nil.
type ArtifactDelta struct {
	Name      string   `json:"name"`
	BaseScore *float64 `json:"base_score"`
	HeadScore *float64 `json:"head_score"`
	Delta     float64  `json:"delta"`
}

// Chunk is one added or removed run of lines in the verdict diff.
type Chunk struct {
	Type    string `json:"type"` // "added" | "removed"
	Content string `json:"content"`
}

// Comparison contrasts two stored verdicts, typically the same image
// analyzed before and after a configuration change.
type Comparison struct {
	BaseID          string          `json:"base_id"`
	HeadID          string          `json:"head_id"`
	SameImage       bool            `json:"same_image"`
	ConfidenceDelta float64         `json:"confidence_delta"`
	VerdictFlipped  bool            `json:"verdict_flipped"`
	Artifacts       []ArtifactDelta `json:"artifacts"`
	Chunks          []Chunk         `json:"chunks"`
}

// CompareAnalyses loads two records and diffs their verdicts.
func (s *Service) CompareAnalyses(ctx context.Context, baseID, headID string) (*Comparison, error) {
	base, err := s.store.Get(ctx, baseID)
	if err != nil {
		return nil, fmt.Errorf("base %s: %w", baseID, err)
	}
	head, err := s.store.Get(ctx, headID)
	if err != nil {
		return nil, fmt.Errorf("head %s: %w", headID, err)
	}

	chunks, err := verdictChunks(base.Verdict, head.Verdict)
	if err != nil {
		return nil, err
	}

	return &Comparison{
		BaseID:          base.ID,
		HeadID:          head.ID,
		SameImage:       base.SHA256 == head.SHA256,
		ConfidenceDelta: head.Verdict.Confidence - base.Verdict.Confidence,
		VerdictFlipped:  base.Verdict.IsDeepfake != head.Verdict.IsDeepfake,
		Artifacts:       artifactDeltas(base.Verdict, head.Verdict),
		Chunks:          chunks,
	}, nil
}

func artifactDeltas(base, head *ensemble.Verdict) []ArtifactDelta {
	scores := func(v *ensemble.Verdict) map[string]float64 {
		m := make(map[string]float64, len(v.Artifacts))
		for _, a := range v.Artifacts {
			m[a.Name] = a.Score
		}
		return m
	}
	bs, hs := scores(base), scores(head)

	out := make([]ArtifactDelta, 0, len(analyzer.Order))
	for _, name := range analyzer.Order {
		d := ArtifactDelta{Name: name}
		if v, ok := bs[name]; ok {
			d.BaseScore = &v
		}
		if v, ok := hs[name]; ok {
			d.HeadScore = &v
		}
		if d.BaseScore == nil && d.HeadScore == nil {
			continue
		}
		if d.BaseScore != nil && d.HeadScore != nil {
			d.Delta = *d.HeadScore - *d.BaseScore
		}
		out = append(out, d)
	}
	return out
}

// verdictChunks line-diffs the indented JSON of two verdicts.
func verdictChunks(base, head *ensemble.Verdict) ([]Chunk, error) {
	a, err := json.MarshalIndent(base, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal base verdict: %w", err)
	}
	b, err := json.MarshalIndent(head, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal head verdict: %w", err)
	}

	dmp := diffmatchpatch.New()
	ca, cb, lines := dmp.DiffLinesToChars(string(a), string(b))
	diffs := dmp.DiffMain(ca, cb, false)
	diffs = dmp.DiffCharsToLines(diffs, lines)

	chunks := make([]Chunk, 0)
	for _, d := range diffs {
		var kind string
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			kind = "added"
		case diffmatchpatch.DiffDelete:
			kind = "removed"
		default:
			continue
		}
		if strings.TrimSpace(d.Text) != "" {
			chunks = append(chunks, Chunk{Type: kind, Content: d.Text})
		}
	}
	return chunks, nil
}
