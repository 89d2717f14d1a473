// Package pipeline runs face location, quality estimation and the analyzer
// fan-out for one image, then joins the results into a verdict.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/raysh454/deepscan/internal/analyzer"
	"github.com/raysh454/deepscan/internal/ensemble"
	"github.com/raysh454/deepscan/internal/face"
	"github.com/raysh454/deepscan/internal/logging"
	"github.com/raysh454/deepscan/internal/raster"
)

// Config controls scheduling and failure handling.
type Config struct {
	// AnalyzerTimeout bounds each analyzer run.
	AnalyzerTimeout time.Duration `json:"analyzer_timeout"`

	// IsolateFailures excludes a failed analyzer instead of aborting the run.
	IsolateFailures bool `json:"isolate_failures"`
}

// DefaultConfig isolates failures with a 10 second per-analyzer deadline.
func DefaultConfig() Config {
	return Config{
		AnalyzerTimeout: 10 * time.Second,
		IsolateFailures: true,
	}
}

// Stage names a progress point reported to an Observer.
type Stage string

const (
	StageLocated        Stage = "located"
	StageAnalyzerDone   Stage = "analyzer_done"
	StageAnalyzerFailed Stage = "analyzer_failed"
	StageCombined       Stage = "combined"
)

// Event is a progress notification.
type Event struct {
	Stage     Stage   `json:"stage"`
	Analyzer  string  `json:"analyzer,omitempty"`
	Score     float64 `json:"score,omitempty"`
	Error     string  `json:"error,omitempty"`
	Completed int     `json:"completed"`
	Total     int     `json:"total"`
}

// Observer receives progress events. Calls are serialized by the pipeline.
type Observer func(Event)

// Outcome is the result of a successful run.
type Outcome struct {
	Verdict *ensemble.Verdict `json:"verdict"`
	Face    face.Region       `json:"face"`
	Faces   int               `json:"faces"`
	Elapsed time.Duration     `json:"elapsed"`
}

// Pipeline is stateless between runs and safe for concurrent use.
type Pipeline struct {
	cfg       Config
	locator   face.Locator
	analyzers []analyzer.Analyzer
	combiner  *ensemble.Combiner
	logger    logging.Logger
}

// New builds a pipeline. A nil analyzer list means analyzer.Default().
func New(cfg Config, locator face.Locator, analyzers []analyzer.Analyzer, logger logging.Logger) (*Pipeline, error) {
	if locator == nil {
		return nil, errors.New("pipeline: nil face locator")
	}
	if logger == nil {
		return nil, errors.New("pipeline: nil logger")
	}
	if len(analyzers) == 0 {
		analyzers = analyzer.Default()
	}
	if cfg.AnalyzerTimeout <= 0 {
		cfg.AnalyzerTimeout = DefaultConfig().AnalyzerTimeout
	}
	return &Pipeline{
		cfg:       cfg,
		locator:   locator,
		analyzers: analyzers,
		combiner:  ensemble.DefaultCombiner(),
		logger:    logger.With(logging.Field{Key: "component", Value: "pipeline"}),
	}, nil
}

// Run analyzes one image. observe may be nil.
func (p *Pipeline) Run(ctx context.Context, img *raster.Image, observe Observer) (*Outcome, error) {
	start := time.Now()
	if img == nil {
		return nil, NewInvalidImageError("nil image", nil)
	}

	emit := p.emitter(observe, len(p.analyzers))
	fr, err := p.analyzeFrame(ctx, img, emit)
	if err != nil {
		return nil, err
	}
	verdict, err := p.combiner.Combine(fr.results, fr.quality)
	if err != nil {
		return nil, newAnalyzerError("", err)
	}
	emit(Event{Stage: StageCombined, Score: verdict.Confidence})
	return p.finish(verdict, fr, start), nil
}

// RunFrames analyzes the frames of an animation and combines the
// per-analyzer averages into one verdict. Frames without a face are
// skipped; the run fails with NO_FACE_DETECTED only if every frame lacks
// one. A single frame is analyzed exactly as Run would.
func (p *Pipeline) RunFrames(ctx context.Context, frames []raster.Frame, observe Observer) (*Outcome, error) {
	switch len(frames) {
	case 0:
		return nil, NewInvalidImageError("no frames", nil)
	case 1:
		return p.Run(ctx, frames[0].Image, observe)
	}
	start := time.Now()

	total := len(p.analyzers) * len(frames)
	emit := p.emitter(observe, total)
	var first *frameResult
	perFrame := make([]ensemble.FrameVerdict, 0, len(frames))
	byName := map[string][]*analyzer.Result{}
	for _, f := range frames {
		if f.Image == nil {
			return nil, NewInvalidImageError("nil frame", nil)
		}
		fr, err := p.analyzeFrame(ctx, f.Image, emit)
		if errors.Is(err, ErrNoFaceDetected) {
			perFrame = append(perFrame, ensemble.FrameVerdict{Index: f.Index, NoFace: true})
			continue
		}
		if err != nil {
			return nil, err
		}
		v, err := p.combiner.Combine(fr.results, fr.quality)
		if err != nil {
			return nil, newAnalyzerError("", err)
		}
		perFrame = append(perFrame, ensemble.FrameVerdict{Index: f.Index, Confidence: v.Confidence, IsDeepfake: v.IsDeepfake})
		for name, res := range fr.results {
			byName[name] = append(byName[name], res)
		}
		if first == nil {
			first = fr
		}
	}
	if first == nil {
		img := frames[0].Image
		return nil, newNoFaceError(img.Width(), img.Height())
	}

	merged := make(map[string]*analyzer.Result, len(byName))
	for name, rs := range byName {
		res, err := analyzer.Merge(rs)
		if err != nil {
			return nil, newAnalyzerError(name, err)
		}
		merged[name] = res
	}
	verdict, err := p.combiner.Combine(merged, first.quality)
	if err != nil {
		return nil, newAnalyzerError("", err)
	}
	verdict.Frames = perFrame
	emit(Event{Stage: StageCombined, Score: verdict.Confidence})

	p.logger.Debug("frames combined",
		logging.Field{Key: "frames", Value: len(frames)},
		logging.Field{Key: "analyzed", Value: len(perFrame) - countNoFace(perFrame)})
	return p.finish(verdict, first, start), nil
}

// frameResult is everything one frame contributes before combination.
type frameResult struct {
	results map[string]*analyzer.Result
	quality ensemble.Quality
	region  face.Region
	faces   int
}

// emitter serializes observer calls and keeps the completion counter.
func (p *Pipeline) emitter(observe Observer, total int) func(Event) {
	var mu sync.Mutex
	completed := 0
	return func(ev Event) {
		if observe == nil {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if ev.Stage == StageAnalyzerDone || ev.Stage == StageAnalyzerFailed {
			completed++
		}
		ev.Completed = completed
		ev.Total = total
		observe(ev)
	}
}

// analyzeFrame locates the face and runs the analyzer fan-out on one image.
func (p *Pipeline) analyzeFrame(ctx context.Context, img *raster.Image, emit func(Event)) (*frameResult, error) {
	// Face location and quality estimation are independent.
	var regions []face.Region
	var quality ensemble.Quality
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		regions, err = p.locator.Locate(gctx, img)
		return err
	})
	g.Go(func() error {
		quality = ensemble.EstimateQuality(img.Width(), img.Height())
		return nil
	})
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, newCanceledError(ctx.Err())
		}
		p.logger.Error("face locator failed", logging.Field{Key: "error", Value: err})
		return nil, newLocatorError(err)
	}

	region, ok := firstValid(regions, img.Width(), img.Height())
	if !ok {
		p.logger.Info("no face detected", logging.Field{Key: "width", Value: img.Width()}, logging.Field{Key: "height", Value: img.Height()}, logging.Field{Key: "candidates", Value: len(regions)})
		return nil, newNoFaceError(img.Width(), img.Height())
	}
	emit(Event{Stage: StageLocated})

	results, failures, err := p.fanOut(ctx, img, region, emit)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		if len(failures) > 0 {
			return nil, failures[0]
		}
		return nil, newAnalyzerError("", ensemble.ErrNoResults)
	}
	return &frameResult{results: results, quality: quality, region: region, faces: len(regions)}, nil
}

func (p *Pipeline) finish(verdict *ensemble.Verdict, fr *frameResult, start time.Time) *Outcome {
	elapsed := time.Since(start)
	p.logger.Info("analysis complete",
		logging.Field{Key: "confidence", Value: verdict.Confidence},
		logging.Field{Key: "is_deepfake", Value: verdict.IsDeepfake},
		logging.Field{Key: "reliability", Value: string(verdict.Reliability)},
		logging.Field{Key: "excluded", Value: verdict.ExcludedAnalyzers},
		logging.Field{Key: "elapsed_ms", Value: elapsed.Milliseconds()})

	return &Outcome{
		Verdict: verdict,
		Face:    fr.region,
		Faces:   fr.faces,
		Elapsed: elapsed,
	}
}

func countNoFace(frames []ensemble.FrameVerdict) int {
	n := 0
	for _, f := range frames {
		if f.NoFace {
			n++
		}
	}
	return n
}

// fanOut runs every analyzer concurrently and waits for all of them.
// Failures are returned in analyzer order.
func (p *Pipeline) fanOut(ctx context.Context, img *raster.Image, region face.Region, emit func(Event)) (map[string]*analyzer.Result, []*Error, error) {
	n := len(p.analyzers)
	results := make([]*analyzer.Result, n)
	errs := make([]*Error, n)

	g, gctx := errgroup.WithContext(ctx)
	for i, a := range p.analyzers {
		i, a := i, a
		g.Go(func() error {
			res, err := p.runOne(gctx, a, img, region)
			if err != nil {
				errs[i] = newAnalyzerError(a.Name(), err)
				emit(Event{Stage: StageAnalyzerFailed, Analyzer: a.Name(), Error: err.Error()})
				if p.cfg.IsolateFailures {
					return nil
				}
				return errs[i]
			}
			results[i] = res
			emit(Event{Stage: StageAnalyzerDone, Analyzer: a.Name(), Score: res.Score})
			return nil
		})
	}
	waitErr := g.Wait()

	if ctx.Err() != nil {
		return nil, nil, newCanceledError(ctx.Err())
	}
	if waitErr != nil {
		p.logger.Error("analyzer failed, aborting run", logging.Field{Key: "error", Value: waitErr})
		return nil, nil, waitErr
	}

	byName := make(map[string]*analyzer.Result, n)
	var failures []*Error
	for i, a := range p.analyzers {
		if errs[i] != nil {
			failures = append(failures, errs[i])
			p.logger.Warn("analyzer excluded", logging.Field{Key: "analyzer", Value: a.Name()}, logging.Field{Key: "error", Value: errs[i].Cause})
			continue
		}
		byName[a.Name()] = results[i]
	}
	return byName, failures, nil
}

// runOne executes one analyzer under its own deadline and turns panics into errors.
func (p *Pipeline) runOne(ctx context.Context, a analyzer.Analyzer, img *raster.Image, region face.Region) (res *analyzer.Result, err error) {
	actx, cancel := context.WithTimeout(ctx, p.cfg.AnalyzerTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			res = nil
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	res, err = a.Analyze(actx, img, region)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, errors.New("analyzer returned no result")
	}
	return res, nil
}

func firstValid(regions []face.Region, width, height int) (face.Region, bool) {
	for _, r := range regions {
		if r.Valid(width, height) {
			return r, true
		}
	}
	return face.Region{}, false
}
