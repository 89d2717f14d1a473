package store_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/raysh454/deepscan/internal/analyzer"
	"github.com/raysh454/deepscan/internal/ensemble"
	"github.com/raysh454/deepscan/internal/face"
	"github.com/raysh454/deepscan/internal/raster"
	"github.com/raysh454/deepscan/internal/store"
	"github.com/raysh454/deepscan/internal/testutil"
)

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "deepscan.db"), &testutil.DummyLogger{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleAnalysis(id, sha string, created time.Time) *store.Analysis {
	return &store.Analysis{
		ID:       id,
		Filename: id + ".png",
		SHA256:   sha,
		Format:   "png",
		Width:    640,
		Height:   480,
		Verdict: &ensemble.Verdict{
			Confidence:  72.5,
			IsDeepfake:  true,
			Threshold:   65,
			Reliability: ensemble.ReliabilityHigh,
			Artifacts: []ensemble.Artifact{{
				Name:        analyzer.NameGeometry,
				DisplayName: analyzer.DisplayName(analyzer.NameGeometry),
				Score:       72.5,
				Confidence:  90,
				Severity:    analyzer.SeverityMedium,
			}},
			QualityFactors:    ensemble.EstimateQuality(640, 480),
			ExcludedAnalyzers: []string{analyzer.NameEye},
		},
		Face: face.Region{
			BBox:       raster.Rect{X: 160, Y: 72, Width: 320, Height: 288},
			Confidence: face.FixedConfidence,
		},
		Elapsed:   42 * time.Millisecond,
		CreatedAt: created,
	}
}

func TestStore_SaveGet(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	ctx := context.Background()

	created := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := s.Save(ctx, sampleAnalysis("a1", "sha-1", created)); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := s.Get(ctx, "a1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.SHA256 != "sha-1" || got.Width != 640 || got.Format != "png" {
		t.Fatalf("unexpected record: %+v", got)
	}
	if !got.CreatedAt.Equal(created) {
		t.Fatalf("created_at = %v, want %v", got.CreatedAt, created)
	}
	if got.Verdict.Confidence != 72.5 || !got.Verdict.IsDeepfake || got.Verdict.Reliability != ensemble.ReliabilityHigh {
		t.Fatalf("verdict not round-tripped: %+v", got.Verdict)
	}
	if len(got.Verdict.ExcludedAnalyzers) != 1 || got.Verdict.ExcludedAnalyzers[0] != analyzer.NameEye {
		t.Fatalf("excluded = %v", got.Verdict.ExcludedAnalyzers)
	}
	if got.Face.BBox.Width != 320 {
		t.Fatalf("face = %+v", got.Face)
	}
	if got.Elapsed != 42*time.Millisecond {
		t.Fatalf("elapsed = %v", got.Elapsed)
	}
}

func TestStore_SaveRequiresIDAndVerdict(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	if err := s.Save(context.Background(), &store.Analysis{ID: "x"}); err == nil {
		t.Fatalf("expected error for missing verdict")
	}
	if err := s.Save(context.Background(), &store.Analysis{Verdict: &ensemble.Verdict{}}); err == nil {
		t.Fatalf("expected error for missing id")
	}
}

func TestStore_ListNewestFirst(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	ctx := context.Background()

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"old", "mid", "new"} {
		if err := s.Save(ctx, sampleAnalysis(id, "sha-"+id, base.Add(time.Duration(i)*time.Hour))); err != nil {
			t.Fatalf("Save %s: %v", id, err)
		}
	}

	all, err := s.List(ctx, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 3 || all[0].ID != "new" || all[2].ID != "old" {
		t.Fatalf("unexpected order: %v", ids(all))
	}

	limited, err := s.List(ctx, 2)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(limited) != 2 || limited[1].ID != "mid" {
		t.Fatalf("unexpected limited list: %v", ids(limited))
	}
}

func TestStore_FindBySHA(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	ctx := context.Background()

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	_ = s.Save(ctx, sampleAnalysis("first", "same", base))
	_ = s.Save(ctx, sampleAnalysis("second", "same", base.Add(time.Minute)))

	got, err := s.FindBySHA(ctx, "same")
	if err != nil {
		t.Fatalf("FindBySHA: %v", err)
	}
	if got.ID != "second" {
		t.Fatalf("expected newest record, got %s", got.ID)
	}

	if _, err := s.FindBySHA(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_Delete(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	ctx := context.Background()

	_ = s.Save(ctx, sampleAnalysis("gone", "sha", time.Now()))
	if err := s.Delete(ctx, "gone"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, "gone"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if err := s.Delete(ctx, "gone"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}

func ids(list []store.Analysis) []string {
	out := make([]string, len(list))
	for i, a := range list {
		out[i] = a.ID
	}
	return out
}
