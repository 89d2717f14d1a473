package analyzer_test

import (
	"errors"
	"math"
	"testing"

	"github.com/raysh454/deepscan/internal/analyzer"
)

func TestMerge_AveragesAndRederivesSeverity(t *testing.T) {
	t.Parallel()

	got, err := analyzer.Merge([]*analyzer.Result{
		{Name: analyzer.NameGeometry, Score: 80, Confidence: 90, Severity: analyzer.SeverityHigh, Description: "a",
			Details: map[string]float64{"symmetry": 0.2, "proportion": 0.5}},
		{Name: analyzer.NameGeometry, Score: 60, Confidence: 70, Severity: analyzer.SeverityMedium, Description: "b",
			Details: map[string]float64{"symmetry": 0.4}},
	})
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}

	if got.Score != 70 || got.Confidence != 80 {
		t.Fatalf("got score %.2f confidence %.2f, want 70 / 80", got.Score, got.Confidence)
	}
	if got.Severity != analyzer.SeverityMedium {
		t.Errorf("severity %s, want medium for a mean of 70", got.Severity)
	}
	if got.Description == "" || got.Description == "a" || got.Description == "b" {
		t.Errorf("description not derived from the mean: %q", got.Description)
	}
	if math.Abs(got.Details["symmetry"]-0.3) > 1e-9 {
		t.Errorf("symmetry detail %.4f, want 0.3", got.Details["symmetry"])
	}
	if got.Details["proportion"] != 0.5 {
		t.Errorf("a detail present in one frame keeps its value, got %.4f", got.Details["proportion"])
	}
}

func TestMerge_SingleResultIsStable(t *testing.T) {
	t.Parallel()

	in := &analyzer.Result{Name: analyzer.NameLighting, Score: 20, Confidence: 55, Severity: analyzer.SeverityLow}
	got, err := analyzer.Merge([]*analyzer.Result{in})
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if got.Score != 20 || got.Confidence != 55 || got.Severity != analyzer.SeverityLow || got.Details != nil {
		t.Fatalf("unexpected merge of one result: %+v", got)
	}
}

func TestMerge_UnknownNameKeepsFirstLabels(t *testing.T) {
	t.Parallel()

	got, err := analyzer.Merge([]*analyzer.Result{
		{Name: "custom", Score: 10, Confidence: 40, Severity: analyzer.SeverityLow, Description: "first"},
		{Name: "custom", Score: 30, Confidence: 60, Severity: analyzer.SeverityHigh, Description: "second"},
	})
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if got.Score != 20 || got.Confidence != 50 || got.Description != "first" || got.Severity != analyzer.SeverityLow {
		t.Fatalf("unexpected merge: %+v", got)
	}
}

func TestMerge_Errors(t *testing.T) {
	t.Parallel()

	if _, err := analyzer.Merge(nil); !errors.Is(err, analyzer.ErrNothingToMerge) {
		t.Fatalf("empty input: got %v", err)
	}
	_, err := analyzer.Merge([]*analyzer.Result{
		{Name: analyzer.NameEye, Score: 10},
		{Name: analyzer.NameEdge, Score: 20},
	})
	if err == nil {
		t.Fatal("expected error for mixed analyzer names")
	}
}
