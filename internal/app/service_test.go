package app

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/raysh454/deepscan/internal/analyzer"
	"github.com/raysh454/deepscan/internal/cache"
	"github.com/raysh454/deepscan/internal/face"
	"github.com/raysh454/deepscan/internal/pipeline"
	"github.com/raysh454/deepscan/internal/raster"
	"github.com/raysh454/deepscan/internal/store"
	"github.com/raysh454/deepscan/internal/testutil"
	"github.com/raysh454/deepscan/internal/webclient"
)

type fakeFetcher struct {
	img *webclient.RemoteImage
	err error
}

func (f *fakeFetcher) FetchImage(_ context.Context, rawURL string) (*webclient.RemoteImage, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.img, nil
}

type serviceOpts struct {
	locator   face.Locator
	analyzers []analyzer.Analyzer
	fetcher   ImageFetcher
	cache     cache.VerdictCache
}

// newTestService builds a Service over a TempDir store and an in-memory cache.
func newTestService(t *testing.T, opts serviceOpts) *Service {
	t.Helper()
	logger := &testutil.DummyLogger{}

	if opts.locator == nil {
		opts.locator = face.NewFixedLocator()
	}
	if opts.analyzers == nil {
		opts.analyzers = testutil.UniformAnalyzers(70, 90)
	}

	p, err := pipeline.New(pipeline.DefaultConfig(), opts.locator, opts.analyzers, logger)
	if err != nil {
		t.Fatalf("pipeline.New: %v", err)
	}
	st, err := store.Open(filepath.Join(t.TempDir(), "deepscan.db"), logger)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	cfg := DefaultConfig()
	cfg.StorageRoot = t.TempDir()
	cfg.JobRetention = time.Minute

	if opts.cache == nil {
		opts.cache = cache.NewMemoryCache(time.Minute)
	}

	svc, err := NewService(cfg, p, st, opts.cache, opts.fetcher, logger)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	t.Cleanup(svc.Close)
	return svc
}

// drain reads job events until the channel closes or the deadline passes.
func drain(t *testing.T, job *Job) []JobEvent {
	t.Helper()
	var events []JobEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-job.Events:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatalf("timed out waiting for job %s events (got %d)", job.ID, len(events))
		}
	}
}

// ─── Analyze ───────────────────────────────────────────────────────────

func TestService_AnalyzeStoresAndCaches(t *testing.T) {
	t.Parallel()
	svc := newTestService(t, serviceOpts{})
	ctx := context.Background()
	data := testutil.EncodePNG(testutil.Noise(64, 48, 5))

	first, err := svc.Analyze(ctx, "face.png", data)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if first.ID == "" || first.Format != "png" || first.Width != 64 || first.Height != 48 || first.Cached {
		t.Fatalf("unexpected record: %+v", first)
	}
	if len(first.SHA256) != 64 {
		t.Fatalf("sha256 = %q", first.SHA256)
	}

	second, err := svc.Analyze(ctx, "copy.png", data)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if !second.Cached || second.ID != first.ID {
		t.Fatalf("expected cached record %s, got %+v", first.ID, second)
	}

	list, err := svc.ListAnalyses(ctx, 10)
	if err != nil {
		t.Fatalf("ListAnalyses: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected one stored analysis, got %d", len(list))
	}

	got, err := svc.GetAnalysis(ctx, first.ID)
	if err != nil {
		t.Fatalf("GetAnalysis: %v", err)
	}
	if got.Verdict.Confidence != first.Verdict.Confidence {
		t.Fatalf("stored verdict differs")
	}
}

func TestService_AnalyzeAnimatedGIF(t *testing.T) {
	t.Parallel()
	svc := newTestService(t, serviceOpts{})
	ctx := context.Background()

	frames := make([]*raster.Image, 25)
	for i := range frames {
		frames[i] = testutil.Noise(40, 30, uint32(i+1))
	}
	rec, err := svc.Analyze(ctx, "clip.gif", testutil.EncodeGIF(frames...))
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if rec.Format != "gif" || rec.Width != 40 || rec.Height != 30 {
		t.Fatalf("unexpected record: %+v", rec)
	}
	sampled := rec.Verdict.Frames
	if len(sampled) != svc.cfg.MaxFrames || sampled[0].Index != 0 || sampled[len(sampled)-1].Index != 24 {
		t.Fatalf("unexpected frame sample: %+v", sampled)
	}

	stored, err := svc.GetAnalysis(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetAnalysis: %v", err)
	}
	if len(stored.Verdict.Frames) != len(sampled) {
		t.Fatalf("frame verdicts not persisted: %+v", stored.Verdict.Frames)
	}
}

func TestService_AnalyzeRejectsBadInput(t *testing.T) {
	t.Parallel()
	svc := newTestService(t, serviceOpts{})

	cases := map[string][]byte{
		"empty":   nil,
		"garbage": []byte("definitely not an image"),
	}
	for name, data := range cases {
		_, err := svc.Analyze(context.Background(), name, data)
		if !errors.Is(err, pipeline.ErrInvalidImage) {
			t.Fatalf("%s: expected ErrInvalidImage, got %v", name, err)
		}
	}
}

func TestService_AnalyzeNoFaceStoresNothing(t *testing.T) {
	t.Parallel()
	svc := newTestService(t, serviceOpts{locator: &testutil.NoFaceLocator{}})
	ctx := context.Background()

	_, err := svc.Analyze(ctx, "empty.png", testutil.EncodePNG(testutil.Solid(20, 20, 0, 0, 0)))
	if !errors.Is(err, pipeline.ErrNoFaceDetected) {
		t.Fatalf("expected ErrNoFaceDetected, got %v", err)
	}
	list, _ := svc.ListAnalyses(ctx, 0)
	if len(list) != 0 {
		t.Fatalf("expected nothing stored, got %d", len(list))
	}
}

func TestService_DeleteAnalysis(t *testing.T) {
	t.Parallel()
	svc := newTestService(t, serviceOpts{})
	ctx := context.Background()

	rec, err := svc.Analyze(ctx, "a.png", testutil.EncodePNG(testutil.Gradient(32, 32)))
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if err := svc.DeleteAnalysis(ctx, rec.ID); err != nil {
		t.Fatalf("DeleteAnalysis: %v", err)
	}
	if _, err := svc.GetAnalysis(ctx, rec.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestService_ReuploadAfterDelete(t *testing.T) {
	t.Parallel()
	svc := newTestService(t, serviceOpts{})
	ctx := context.Background()
	data := testutil.EncodePNG(testutil.Noise(32, 32, 21))

	first, err := svc.Analyze(ctx, "a.png", data)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if err := svc.DeleteAnalysis(ctx, first.ID); err != nil {
		t.Fatalf("DeleteAnalysis: %v", err)
	}

	second, err := svc.Analyze(ctx, "a.png", data)
	if err != nil {
		t.Fatalf("Analyze after delete: %v", err)
	}
	if second.Cached || second.ID == first.ID {
		t.Fatalf("expected a fresh analysis, got cached=%v id=%s", second.Cached, second.ID)
	}
	if _, err := svc.GetAnalysis(ctx, second.ID); err != nil {
		t.Fatalf("new record not reachable: %v", err)
	}
	list, _ := svc.ListAnalyses(ctx, 0)
	if len(list) != 1 {
		t.Fatalf("expected one stored analysis, got %d", len(list))
	}
}

func TestService_StaleCacheEntryIgnored(t *testing.T) {
	t.Parallel()
	vc := cache.NewMemoryCache(time.Minute)
	svc := newTestService(t, serviceOpts{cache: vc})
	ctx := context.Background()
	data := testutil.EncodePNG(testutil.Noise(32, 32, 22))

	first, err := svc.Analyze(ctx, "a.png", data)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	// Remove the row behind the cache's back.
	if err := svc.store.Delete(ctx, first.ID); err != nil {
		t.Fatalf("store.Delete: %v", err)
	}

	second, err := svc.Analyze(ctx, "a.png", data)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if second.Cached || second.ID == first.ID {
		t.Fatalf("stale cache entry was served: %+v", second)
	}
	cached, err := vc.Get(ctx, first.SHA256)
	if err != nil || cached.ID != second.ID {
		t.Fatalf("cache should hold the new record, got %+v, %v", cached, err)
	}
}

func TestService_AnalyzeServedFromHistory(t *testing.T) {
	t.Parallel()
	svc := newTestService(t, serviceOpts{cache: cache.Nop{}})
	ctx := context.Background()
	data := testutil.EncodePNG(testutil.Noise(32, 32, 23))

	first, err := svc.Analyze(ctx, "a.png", data)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	second, err := svc.Analyze(ctx, "b.png", data)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if !second.Cached || second.ID != first.ID {
		t.Fatalf("expected history hit for %s, got %+v", first.ID, second)
	}
}

func TestService_DeleteAnalysisMissing(t *testing.T) {
	t.Parallel()
	svc := newTestService(t, serviceOpts{})
	if err := svc.DeleteAnalysis(context.Background(), "nope"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestService_AnalyzeURL(t *testing.T) {
	t.Parallel()
	body := testutil.EncodePNG(testutil.Noise(40, 40, 9))
	svc := newTestService(t, serviceOpts{fetcher: &fakeFetcher{img: &webclient.RemoteImage{
		URL:         "https://cdn.example.com/face.png",
		PageURL:     "https://example.com/post/1",
		ContentType: "image/png",
		Body:        body,
	}}})

	rec, err := svc.AnalyzeURL(context.Background(), "https://example.com/post/1")
	if err != nil {
		t.Fatalf("AnalyzeURL: %v", err)
	}
	if rec.SourceURL != "https://example.com/post/1" || rec.Filename != "https://cdn.example.com/face.png" {
		t.Fatalf("unexpected provenance: %+v", rec)
	}
}

func TestService_AnalyzeURLWithoutFetcher(t *testing.T) {
	t.Parallel()
	svc := newTestService(t, serviceOpts{})
	if _, err := svc.AnalyzeURL(context.Background(), "https://example.com/a.png"); !errors.Is(err, ErrFetchDisabled) {
		t.Fatalf("expected ErrFetchDisabled, got %v", err)
	}
	if _, err := svc.StartAnalyzeURLJob(context.Background(), "https://example.com/a.png"); !errors.Is(err, ErrFetchDisabled) {
		t.Fatalf("expected ErrFetchDisabled, got %v", err)
	}
}

// ─── Jobs ──────────────────────────────────────────────────────────────

func TestService_AnalyzeJobStreamsProgress(t *testing.T) {
	t.Parallel()
	svc := newTestService(t, serviceOpts{})

	job, err := svc.StartAnalyzeJob(context.Background(), "job.png", testutil.EncodePNG(testutil.Noise(32, 32, 2)))
	if err != nil {
		t.Fatalf("StartAnalyzeJob: %v", err)
	}
	if job.Status != JobPending {
		t.Fatalf("initial status = %s", job.Status)
	}

	events := drain(t, job)
	if len(events) < 3 {
		t.Fatalf("expected several events, got %d", len(events))
	}
	if events[0].Type != JobEventStatus || events[0].Status != JobPending {
		t.Fatalf("first event = %+v", events[0])
	}
	last := events[len(events)-1]
	if last.Type != JobEventResult || last.Status != JobDone || last.Result == nil {
		t.Fatalf("last event = %+v", last)
	}

	progress := 0
	for _, ev := range events {
		if ev.Type == JobEventProgress {
			progress++
		}
	}
	if progress == 0 {
		t.Fatalf("expected progress events")
	}

	got, err := svc.GetJob(job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != JobDone || got.Result == nil || got.Result.ID != last.Result.ID {
		t.Fatalf("unexpected job state: %+v", got)
	}
}

func TestService_AnalyzeJobFailure(t *testing.T) {
	t.Parallel()
	svc := newTestService(t, serviceOpts{})

	job, err := svc.StartAnalyzeJob(context.Background(), "bad.bin", []byte("nope"))
	if err != nil {
		t.Fatalf("StartAnalyzeJob: %v", err)
	}
	events := drain(t, job)
	last := events[len(events)-1]
	if last.Status != JobFailed || last.ErrorCode != pipeline.CodeInvalidImage {
		t.Fatalf("last event = %+v", last)
	}

	got, _ := svc.GetJob(job.ID)
	if got.Status != JobFailed || got.ErrorCode != pipeline.CodeInvalidImage || got.EndedAt.IsZero() {
		t.Fatalf("unexpected job state: %+v", got)
	}
}

func TestService_CancelJob(t *testing.T) {
	t.Parallel()
	blocking := make([]analyzer.Analyzer, 0, len(analyzer.Order))
	for _, name := range analyzer.Order {
		blocking = append(blocking, &testutil.StubAnalyzer{AnalyzerName: name, Block: true})
	}
	svc := newTestService(t, serviceOpts{analyzers: blocking})

	job, err := svc.StartAnalyzeJob(context.Background(), "slow.png", testutil.EncodePNG(testutil.Solid(16, 16, 1, 2, 3)))
	if err != nil {
		t.Fatalf("StartAnalyzeJob: %v", err)
	}

	// Wait until the job is running before canceling.
	deadline := time.Now().Add(2 * time.Second)
	for {
		j, _ := svc.GetJob(job.ID)
		if j.Status == JobRunning || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := svc.CancelJob(job.ID); err != nil {
		t.Fatalf("CancelJob: %v", err)
	}

	events := drain(t, job)
	last := events[len(events)-1]
	if last.Status != JobCanceled || last.ErrorCode != pipeline.CodeCanceled {
		t.Fatalf("last event = %+v", last)
	}
	if err := svc.CancelJob("missing"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestService_ListAndPurgeJobs(t *testing.T) {
	t.Parallel()
	svc := newTestService(t, serviceOpts{})
	data := testutil.EncodePNG(testutil.Noise(16, 16, 4))

	for i := 0; i < 3; i++ {
		job, err := svc.StartAnalyzeJob(context.Background(), "x.png", data)
		if err != nil {
			t.Fatalf("StartAnalyzeJob: %v", err)
		}
		drain(t, job)
	}

	jobs := svc.ListJobs()
	if len(jobs) != 3 {
		t.Fatalf("expected 3 jobs, got %d", len(jobs))
	}
	for i := 1; i < len(jobs); i++ {
		if jobs[i].StartedAt.Before(jobs[i-1].StartedAt) {
			t.Fatalf("jobs not ordered by start time")
		}
	}

	if n := svc.purgeJobs(time.Now()); n != 0 {
		t.Fatalf("purged %d fresh jobs", n)
	}
	if n := svc.purgeJobs(time.Now().Add(2 * time.Minute)); n != 3 {
		t.Fatalf("purged %d jobs, want 3", n)
	}
	if _, err := svc.GetJob(jobs[0].ID); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected purged job to be gone, got %v", err)
	}
}

// ─── Compare ───────────────────────────────────────────────────────────

func TestService_CompareAnalyses(t *testing.T) {
	t.Parallel()
	svc := newTestService(t, serviceOpts{})
	ctx := context.Background()

	small, err := svc.Analyze(ctx, "small.png", testutil.EncodePNG(testutil.Noise(32, 32, 1)))
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	large, err := svc.Analyze(ctx, "large.png", testutil.EncodePNG(testutil.Noise(64, 64, 1)))
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}

	cmp, err := svc.CompareAnalyses(ctx, small.ID, large.ID)
	if err != nil {
		t.Fatalf("CompareAnalyses: %v", err)
	}
	if cmp.SameImage {
		t.Fatalf("different images reported as same")
	}
	if len(cmp.Artifacts) != len(analyzer.Order) {
		t.Fatalf("artifact deltas = %d", len(cmp.Artifacts))
	}
	for _, d := range cmp.Artifacts {
		if d.Delta != 0 {
			t.Fatalf("uniform stubs should give zero delta, got %+v", d)
		}
	}
	if len(cmp.Chunks) == 0 {
		t.Fatalf("expected quality factor changes in diff")
	}

	self, err := svc.CompareAnalyses(ctx, small.ID, small.ID)
	if err != nil {
		t.Fatalf("CompareAnalyses: %v", err)
	}
	if !self.SameImage || len(self.Chunks) != 0 || self.ConfidenceDelta != 0 {
		t.Fatalf("self comparison should be empty: %+v", self)
	}

	if _, err := svc.CompareAnalyses(ctx, small.ID, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
