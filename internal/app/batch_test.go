package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/raysh454/deepscan/internal/ensemble"
	"github.com/raysh454/deepscan/internal/pipeline"
	"github.com/raysh454/deepscan/internal/store"
	"github.com/raysh454/deepscan/internal/testutil"
	"github.com/raysh454/deepscan/internal/webclient"
)

// mapFetcher serves fixed bodies per URL and tracks peak concurrency.
type mapFetcher struct {
	bodies map[string][]byte

	mu       sync.Mutex
	inFlight int
	peak     int
}

func (f *mapFetcher) FetchImage(_ context.Context, rawURL string) (*webclient.RemoteImage, error) {
	f.mu.Lock()
	f.inFlight++
	f.peak = max(f.peak, f.inFlight)
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	body, ok := f.bodies[rawURL]
	if !ok {
		return nil, webclient.ErrNoImageFound
	}
	return &webclient.RemoteImage{URL: rawURL, PageURL: rawURL, ContentType: "image/png", Body: body}, nil
}

func TestService_AnalyzeBatch(t *testing.T) {
	t.Parallel()
	fetcher := &mapFetcher{bodies: map[string][]byte{
		"https://a.example/1.png": testutil.EncodePNG(testutil.Noise(24, 24, 1)),
		"https://a.example/2.png": testutil.EncodePNG(testutil.Noise(24, 24, 2)),
		"https://a.example/bad":   []byte("<not an image>"),
	}}
	svc := newTestService(t, serviceOpts{fetcher: fetcher})

	urls := []string{
		"https://a.example/1.png",
		"https://a.example/missing",
		"https://a.example/2.png",
		"https://a.example/bad",
	}
	items, err := svc.AnalyzeBatch(context.Background(), urls, 2)
	if err != nil {
		t.Fatalf("AnalyzeBatch: %v", err)
	}
	if len(items) != len(urls) {
		t.Fatalf("got %d items, want %d", len(items), len(urls))
	}
	for i, it := range items {
		if it.URL != urls[i] {
			t.Fatalf("item %d out of order: %s", i, it.URL)
		}
	}

	if items[0].Analysis == nil || items[2].Analysis == nil {
		t.Fatalf("expected successful analyses: %+v", items)
	}
	if items[1].Analysis != nil || items[1].Error == "" {
		t.Fatalf("missing page should fail: %+v", items[1])
	}
	if items[3].ErrorCode != pipeline.CodeInvalidImage {
		t.Fatalf("corrupt body should be INVALID_IMAGE, got %+v", items[3])
	}
	if fetcher.peak > 2 {
		t.Fatalf("concurrency exceeded: peak %d", fetcher.peak)
	}
}

func TestService_AnalyzeBatchCanceled(t *testing.T) {
	t.Parallel()
	svc := newTestService(t, serviceOpts{fetcher: &mapFetcher{}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	items, err := svc.AnalyzeBatch(ctx, []string{"https://a.example/1.png", "https://a.example/2.png"}, 1)
	if err != nil {
		t.Fatalf("AnalyzeBatch: %v", err)
	}
	for _, it := range items {
		if it.ErrorCode != pipeline.CodeCanceled {
			t.Fatalf("expected canceled item, got %+v", it)
		}
	}
}

// blockingFetcher waits for ctx to end, signalling once the first fetch starts.
type blockingFetcher struct {
	started chan struct{}
	once    sync.Once
}

func (f *blockingFetcher) FetchImage(ctx context.Context, _ string) (*webclient.RemoteImage, error) {
	f.once.Do(func() { close(f.started) })
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestService_AnalyzeBatchCanceledMidFetch(t *testing.T) {
	t.Parallel()
	fetcher := &blockingFetcher{started: make(chan struct{})}
	svc := newTestService(t, serviceOpts{fetcher: fetcher})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-fetcher.started
		cancel()
	}()

	items, err := svc.AnalyzeBatch(ctx, []string{"https://a.example/slow.png", "https://a.example/other.png"}, 1)
	if err != nil {
		t.Fatalf("AnalyzeBatch: %v", err)
	}
	for _, it := range items {
		if it.ErrorCode != pipeline.CodeCanceled || it.Error == "" {
			t.Fatalf("expected canceled item, got %+v", it)
		}
	}
}

func TestService_AnalyzeBatchWithoutFetcher(t *testing.T) {
	t.Parallel()
	svc := newTestService(t, serviceOpts{})
	if _, err := svc.AnalyzeBatch(context.Background(), []string{"https://a.example"}, 1); !errors.Is(err, ErrFetchDisabled) {
		t.Fatalf("expected ErrFetchDisabled, got %v", err)
	}
}

func TestService_AnalyzeFiles(t *testing.T) {
	t.Parallel()
	svc := newTestService(t, serviceOpts{})
	dir := t.TempDir()

	write := func(name string, data []byte) string {
		t.Helper()
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, data, 0o600); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
		return path
	}
	paths := []string{
		write("a.png", testutil.EncodePNG(testutil.Noise(24, 24, 1))),
		write("broken.png", []byte("<not an image>")),
		filepath.Join(dir, "missing.png"),
		write("b.png", testutil.EncodePNG(testutil.Noise(24, 24, 2))),
	}

	items := svc.AnalyzeFiles(context.Background(), paths, 2)
	if len(items) != len(paths) {
		t.Fatalf("got %d items, want %d", len(items), len(paths))
	}
	for i, it := range items {
		if it.Path != paths[i] || it.URL != "" {
			t.Fatalf("item %d out of order: %+v", i, it)
		}
	}
	if items[0].Analysis == nil || items[0].Analysis.Filename != "a.png" || items[3].Analysis == nil {
		t.Fatalf("expected successful analyses: %+v", items)
	}
	if items[1].ErrorCode != pipeline.CodeInvalidImage {
		t.Fatalf("corrupt file should be INVALID_IMAGE, got %+v", items[1])
	}
	if items[2].Error == "" || items[2].ErrorCode != "" {
		t.Fatalf("unreadable file should fail without a pipeline code, got %+v", items[2])
	}

	sum := Summarize(items)
	if sum.Total != 4 || sum.Successful != 2 || sum.Errors != 2 || sum.Manipulated+sum.Authentic != 2 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
}

func TestSummarize(t *testing.T) {
	t.Parallel()

	rec := func(conf float64, fake bool) *store.Analysis {
		return &store.Analysis{Verdict: &ensemble.Verdict{Confidence: conf, IsDeepfake: fake}}
	}
	cases := []struct {
		name  string
		items []BatchItem
		want  BatchSummary
	}{
		{"empty", nil, BatchSummary{}},
		{"only errors", []BatchItem{{Error: "x"}, {Error: "y"}}, BatchSummary{Total: 2, Errors: 2}},
		{"mixed", []BatchItem{
			{Analysis: rec(80, true)},
			{Analysis: rec(40, false)},
			{Error: "boom"},
			{Analysis: rec(60, false)},
		}, BatchSummary{Total: 4, Successful: 3, Errors: 1, Manipulated: 1, Authentic: 2, AverageConfidence: 60}},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := Summarize(tc.items); got != tc.want {
				t.Fatalf("Summarize = %+v, want %+v", got, tc.want)
			}
		})
	}
}
