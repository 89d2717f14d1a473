package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/montanaflynn/stats"

	"github.com/raysh454/deepscan/internal/logging"
	"github.com/raysh454/deepscan/internal/pipeline"
	"github.com/raysh454/deepscan/internal/store"
)

// DefaultBatchConcurrency is used when a batch gets concurrency <= 0.
const DefaultBatchConcurrency = 4

// BatchItem is the outcome for one URL or file of a batch.
type BatchItem struct {
	URL       string             `json:"url,omitempty"`
	Path      string             `json:"path,omitempty"`
	Analysis  *store.Analysis    `json:"analysis,omitempty"`
	Error     string             `json:"error,omitempty"`
	ErrorCode pipeline.ErrorCode `json:"error_code,omitempty"`
}

func (it BatchItem) source() string {
	if it.Path != "" {
		return it.Path
	}
	return it.URL
}

// AnalyzeBatch fetches and analyzes urls with at most concurrency in
// flight. Items come back in input order; one failing URL does not stop
// the others. URLs not started before ctx ends are reported as canceled.
func (s *Service) AnalyzeBatch(ctx context.Context, urls []string, concurrency int) ([]BatchItem, error) {
	if s.fetcher == nil {
		return nil, ErrFetchDisabled
	}
	items := make([]BatchItem, len(urls))
	for i, u := range urls {
		items[i].URL = u
	}
	return s.runBatch(ctx, items, concurrency, func(ctx context.Context, it BatchItem) (*store.Analysis, error) {
		return s.AnalyzeURL(ctx, it.URL)
	}), nil
}

// AnalyzeFiles reads and analyzes local files with the same ordering and
// cancellation rules as AnalyzeBatch.
func (s *Service) AnalyzeFiles(ctx context.Context, paths []string, concurrency int) []BatchItem {
	items := make([]BatchItem, len(paths))
	for i, p := range paths {
		items[i].Path = p
	}
	return s.runBatch(ctx, items, concurrency, func(ctx context.Context, it BatchItem) (*store.Analysis, error) {
		data, err := os.ReadFile(it.Path)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", it.Path, err)
		}
		return s.Analyze(ctx, filepath.Base(it.Path), data)
	})
}

// runBatch analyzes items through a bounded pool. Each item keeps its
// input identity; items never started report CANCELED.
func (s *Service) runBatch(ctx context.Context, items []BatchItem, concurrency int, analyze func(context.Context, BatchItem) (*store.Analysis, error)) []BatchItem {
	if concurrency <= 0 {
		concurrency = DefaultBatchConcurrency
	}

	type indexed struct {
		i    int
		item BatchItem
	}

	out := make([]BatchItem, len(items))
	for i, it := range items {
		it.Error = "analysis canceled"
		it.ErrorCode = pipeline.CodeCanceled
		out[i] = it
	}

	var wg sync.WaitGroup
	sem := make(chan struct{}, concurrency)
	itemCh := make(chan indexed)
	collectorDone := make(chan struct{})

	// Collect items goroutine
	failed := 0
	go func() {
		defer close(collectorDone)
		for it := range itemCh {
			out[it.i] = it.item
			if it.item.Error != "" {
				failed++
			}
		}
	}()

	for i, it := range items {
		if ctx.Err() != nil {
			break
		}

		wg.Add(1)
		go func(i int, item BatchItem) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			defer func() { <-sem }()

			rec, err := analyze(ctx, item)
			if err != nil {
				item.Error = err.Error()
				item.ErrorCode = pipeline.CodeOf(err)
				if item.ErrorCode == "" && ctx.Err() != nil {
					item.ErrorCode = pipeline.CodeCanceled
				}
				s.logger.Warn("batch item failed",
					logging.Field{Key: "item", Value: item.source()},
					logging.Field{Key: "error", Value: err})
			} else {
				item.Analysis = rec
			}
			itemCh <- indexed{i: i, item: item}
		}(i, it)
	}

	wg.Wait()
	close(itemCh)
	<-collectorDone

	s.logger.Info("batch complete",
		logging.Field{Key: "items", Value: len(items)},
		logging.Field{Key: "failed", Value: failed})
	return out
}

// BatchSummary totals the outcome of a batch.
type BatchSummary struct {
	Total             int     `json:"total"`
	Successful        int     `json:"successful"`
	Errors            int     `json:"errors"`
	Manipulated       int     `json:"manipulated"`
	Authentic         int     `json:"authentic"`
	AverageConfidence float64 `json:"average_confidence"`
}

// Summarize counts verdicts over items. AverageConfidence covers the
// successful items only and is zero when there are none.
func Summarize(items []BatchItem) BatchSummary {
	sum := BatchSummary{Total: len(items)}
	confs := make(stats.Float64Data, 0, len(items))
	for _, it := range items {
		if it.Analysis == nil || it.Analysis.Verdict == nil {
			sum.Errors++
			continue
		}
		sum.Successful++
		if it.Analysis.Verdict.IsDeepfake {
			sum.Manipulated++
		} else {
			sum.Authentic++
		}
		confs = append(confs, it.Analysis.Verdict.Confidence)
	}
	if mean, err := stats.Mean(confs); err == nil {
		sum.AverageConfidence = mean
	}
	return sum
}
