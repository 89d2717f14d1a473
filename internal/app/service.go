// Package app ties the pipeline, history store, verdict cache and remote
// fetcher together behind one Service, and runs analyses as background jobs.
package app

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/raysh454/deepscan/internal/cache"
	"github.com/raysh454/deepscan/internal/logging"
	"github.com/raysh454/deepscan/internal/pipeline"
	"github.com/raysh454/deepscan/internal/raster"
	"github.com/raysh454/deepscan/internal/store"
	"github.com/raysh454/deepscan/internal/webclient"
)

// ErrFetchDisabled is returned by AnalyzeURL when no fetcher is configured.
var ErrFetchDisabled = errors.New("remote image fetching is disabled")

// ImageFetcher downloads an image, following HTML pages to their main image.
type ImageFetcher interface {
	FetchImage(ctx context.Context, rawURL string) (*webclient.RemoteImage, error)
}

// Input is one image submitted for analysis.
type Input struct {
	Filename  string
	SourceURL string
	Data      []byte
}

// Service runs analyses and keeps their history.
type Service struct {
	cfg      *Config
	pipeline *pipeline.Pipeline
	store    *store.Store
	cache    cache.VerdictCache
	fetcher  ImageFetcher
	logger   logging.Logger

	jobsMu     sync.Mutex
	jobs       map[string]*Job
	jobCancels map[string]context.CancelFunc

	stopPurge chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewService wires the components. vc and fetcher may be nil.
func NewService(cfg *Config, p *pipeline.Pipeline, st *store.Store, vc cache.VerdictCache, fetcher ImageFetcher, logger logging.Logger) (*Service, error) {
	if p == nil {
		return nil, fmt.Errorf("pipeline is nil")
	}
	if st == nil {
		return nil, fmt.Errorf("store is nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is nil")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if vc == nil {
		vc = cache.Nop{}
	}

	s := &Service{
		cfg:        cfg,
		pipeline:   p,
		store:      st,
		cache:      vc,
		fetcher:    fetcher,
		logger:     logger.With(logging.Field{Key: "component", Value: "service"}),
		jobs:       make(map[string]*Job),
		jobCancels: make(map[string]context.CancelFunc),
		stopPurge:  make(chan struct{}),
	}

	s.wg.Add(1)
	go s.purgeLoop()
	return s, nil
}

// Analyze decodes data, runs the pipeline and stores the verdict. Identical
// bytes already analyzed are answered from the cache or the history.
func (s *Service) Analyze(ctx context.Context, filename string, data []byte) (*store.Analysis, error) {
	return s.analyze(ctx, Input{Filename: filename, Data: data}, nil)
}

// AnalyzeURL fetches a remote image (or the main image of a page) and analyzes it.
func (s *Service) AnalyzeURL(ctx context.Context, rawURL string) (*store.Analysis, error) {
	in, err := s.fetch(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	return s.analyze(ctx, in, nil)
}

func (s *Service) fetch(ctx context.Context, rawURL string) (Input, error) {
	if s.fetcher == nil {
		return Input{}, ErrFetchDisabled
	}
	img, err := s.fetcher.FetchImage(ctx, rawURL)
	if err != nil {
		return Input{}, fmt.Errorf("fetching %s: %w", rawURL, err)
	}
	return Input{Filename: img.URL, SourceURL: rawURL, Data: img.Body}, nil
}

func (s *Service) analyze(ctx context.Context, in Input, observe pipeline.Observer) (*store.Analysis, error) {
	if len(in.Data) == 0 {
		return nil, pipeline.NewInvalidImageError("empty image", nil)
	}
	if int64(len(in.Data)) > s.cfg.MaxUploadBytes {
		return nil, pipeline.NewInvalidImageError(fmt.Sprintf("image exceeds %d bytes", s.cfg.MaxUploadBytes), nil)
	}

	sum := sha256.Sum256(in.Data)
	sha := hex.EncodeToString(sum[:])

	if known, ok := s.lookupKnown(ctx, sha); ok {
		return known, nil
	}

	frames, format, err := raster.DecodeFrames(in.Data, s.cfg.MaxFrames)
	if err != nil {
		return nil, pipeline.NewInvalidImageError("unsupported or corrupt image", err)
	}
	img := frames[0].Image
	if len(frames) > 1 {
		s.logger.Debug("analyzing animation frames",
			logging.Field{Key: "filename", Value: in.Filename},
			logging.Field{Key: "frames", Value: len(frames)})
	}

	out, err := s.pipeline.RunFrames(ctx, frames, observe)
	if err != nil {
		return nil, err
	}

	rec := &store.Analysis{
		ID:        uuid.New().String(),
		Filename:  in.Filename,
		SourceURL: in.SourceURL,
		SHA256:    sha,
		Format:    format,
		Width:     img.Width(),
		Height:    img.Height(),
		Verdict:   out.Verdict,
		Face:      out.Face,
		Elapsed:   out.Elapsed,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.Save(ctx, rec); err != nil {
		return nil, fmt.Errorf("saving analysis: %w", err)
	}
	if err := s.cache.Set(ctx, sha, rec); err != nil {
		s.logger.Warn("cache store failed", logging.Field{Key: "error", Value: err})
	}

	s.logger.Info("analysis stored",
		logging.Field{Key: "id", Value: rec.ID},
		logging.Field{Key: "filename", Value: rec.Filename},
		logging.Field{Key: "confidence", Value: rec.Verdict.Confidence},
		logging.Field{Key: "is_deepfake", Value: rec.Verdict.IsDeepfake})
	return rec, nil
}

// lookupKnown answers identical bytes from an earlier analysis. A cached
// record is only trusted while it still exists in the store.
func (s *Service) lookupKnown(ctx context.Context, sha string) (*store.Analysis, bool) {
	cached, err := s.cache.Get(ctx, sha)
	switch {
	case err == nil:
		if _, err := s.store.Get(ctx, cached.ID); err == nil {
			cached.Cached = true
			s.logger.Info("verdict served from cache",
				logging.Field{Key: "sha256", Value: sha},
				logging.Field{Key: "id", Value: cached.ID})
			return cached, true
		} else if !errors.Is(err, store.ErrNotFound) {
			s.logger.Warn("verifying cached record failed", logging.Field{Key: "error", Value: err})
			return nil, false
		}
		s.logger.Debug("dropping stale cache entry", logging.Field{Key: "id", Value: cached.ID})
		if err := s.cache.Delete(ctx, sha); err != nil {
			s.logger.Warn("cache delete failed", logging.Field{Key: "error", Value: err})
		}
	case !errors.Is(err, cache.ErrMiss):
		s.logger.Warn("cache lookup failed", logging.Field{Key: "error", Value: err})
	}

	rec, err := s.store.FindBySHA(ctx, sha)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.logger.Warn("history lookup failed", logging.Field{Key: "error", Value: err})
		}
		return nil, false
	}
	if err := s.cache.Set(ctx, sha, rec); err != nil {
		s.logger.Warn("cache store failed", logging.Field{Key: "error", Value: err})
	}
	rec.Cached = true
	s.logger.Info("verdict served from history",
		logging.Field{Key: "sha256", Value: sha},
		logging.Field{Key: "id", Value: rec.ID})
	return rec, true
}

// ListAnalyses returns up to limit records, newest first.
func (s *Service) ListAnalyses(ctx context.Context, limit int) ([]store.Analysis, error) {
	return s.store.List(ctx, limit)
}

func (s *Service) GetAnalysis(ctx context.Context, id string) (*store.Analysis, error) {
	return s.store.Get(ctx, id)
}

// DeleteAnalysis removes a record and evicts its cached verdict.
func (s *Service) DeleteAnalysis(ctx context.Context, id string) error {
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	if err := s.cache.Delete(ctx, rec.SHA256); err != nil {
		s.logger.Warn("cache delete failed",
			logging.Field{Key: "id", Value: id},
			logging.Field{Key: "error", Value: err})
	}
	return nil
}

// Close cancels running jobs and stops background work. The store is owned
// by the caller and is not closed.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		close(s.stopPurge)
		s.jobsMu.Lock()
		for _, cancel := range s.jobCancels {
			cancel()
		}
		s.jobsMu.Unlock()
		s.wg.Wait()
	})
}
