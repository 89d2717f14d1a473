package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/raysh454/deepscan/internal/app"
	"github.com/raysh454/deepscan/internal/cache"
	"github.com/raysh454/deepscan/internal/ensemble"
	"github.com/raysh454/deepscan/internal/logging"
	"github.com/raysh454/deepscan/internal/pipeline"
	"github.com/raysh454/deepscan/internal/server"
	"github.com/raysh454/deepscan/internal/store"
	"github.com/raysh454/deepscan/internal/webclient"
)

// shutdownTimeout bounds graceful HTTP shutdown.
const shutdownTimeout = 10 * time.Second

// Stack is the fully wired application: store, cache, fetcher, pipeline
// and service.
type Stack struct {
	Config  *app.Config
	Logger  logging.Logger
	Store   *store.Store
	Service *app.Service

	closers []func() error
}

// Build wires every component from cfg. Close releases them in reverse order.
func Build(ctx context.Context, cfg *app.Config, logger logging.Logger) (*Stack, error) {
	st := &Stack{Config: cfg, Logger: logger}

	db, err := store.Open(cfg.DatabasePath(), logger)
	if err != nil {
		return nil, err
	}
	st.Store = db
	st.closers = append(st.closers, db.Close)

	var vc cache.VerdictCache
	if cfg.RedisAddr != "" {
		rc, err := cache.NewRedisCache(ctx, cfg.RedisAddr, cfg.CacheTTL, logger)
		if err != nil {
			st.Close()
			return nil, err
		}
		st.closers = append(st.closers, rc.Close)
		vc = rc
	} else {
		vc = cache.NewMemoryCache(cfg.CacheTTL)
	}

	locator, err := app.BuildLocator(cfg, logger)
	if err != nil {
		st.Close()
		return nil, err
	}
	p, err := pipeline.New(cfg.Pipeline, locator, nil, logger)
	if err != nil {
		st.Close()
		return nil, err
	}

	fetcher, err := webclient.NewClient(cfg.Fetch, logger, nil)
	if err != nil {
		st.Close()
		return nil, err
	}
	st.closers = append(st.closers, fetcher.Close)

	svc, err := app.NewService(cfg, p, db, vc, fetcher, logger)
	if err != nil {
		st.Close()
		return nil, err
	}
	st.Service = svc
	st.closers = append(st.closers, func() error { svc.Close(); return nil })
	return st, nil
}

// Close releases resources in reverse construction order.
func (s *Stack) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			s.Logger.Warn("closing component", logging.Field{Key: "error", Value: err.Error()})
		}
	}
	s.closers = nil
}

// Serve runs the HTTP API until ctx ends, then shuts down gracefully.
func Serve(ctx context.Context, st *Stack) error {
	srv, err := server.NewServer(server.Config{
		ListenAddr:     st.Config.ListenAddr,
		MaxUploadBytes: st.Config.MaxUploadBytes,
	}, st.Service, st.Logger)
	if err != nil {
		return err
	}
	httpSrv := srv.HTTPServer()

	errCh := make(chan error, 1)
	go func() {
		st.Logger.Info("listening", logging.Field{Key: "addr", Value: httpSrv.Addr})
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	st.Logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// Analyze runs one analysis for args.File or args.URL, or scans args.Dir,
// and prints the result.
func Analyze(ctx context.Context, st *Stack, args *CLIArgs, out io.Writer) error {
	if args.Dir != "" {
		return analyzeDir(ctx, st, args, out)
	}
	var (
		rec *store.Analysis
		err error
	)
	if args.URL != "" {
		rec, err = st.Service.AnalyzeURL(ctx, args.URL)
	} else {
		var data []byte
		data, err = os.ReadFile(args.File)
		if err != nil {
			return fmt.Errorf("reading %s: %w", args.File, err)
		}
		rec, err = st.Service.Analyze(ctx, filepath.Base(args.File), data)
	}
	if err != nil {
		return err
	}

	if args.JSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	}
	return printSummary(out, rec)
}

func printSummary(out io.Writer, rec *store.Analysis) error {
	v := rec.Verdict
	label := "likely authentic"
	if v.IsDeepfake {
		label = "likely manipulated"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s (%dx%d)\n", rec.Filename, rec.Width, rec.Height)
	fmt.Fprintf(&b, "verdict:     %s\n", label)
	fmt.Fprintf(&b, "confidence:  %.1f (threshold %.0f)\n", v.Confidence, v.Threshold)
	fmt.Fprintf(&b, "reliability: %s\n", v.Reliability)
	for _, a := range v.Artifacts {
		fmt.Fprintf(&b, "  %-22s %5.1f  %-6s %s\n", a.DisplayName, a.Score, a.Severity, a.Description)
	}
	if len(v.ExcludedAnalyzers) > 0 {
		fmt.Fprintf(&b, "excluded:    %s\n", strings.Join(v.ExcludedAnalyzers, ", "))
	}
	if n := len(v.Frames); n > 0 {
		fmt.Fprintf(&b, "frames:      %d sampled, %d flagged\n", n, flaggedFrames(v.Frames))
	}
	if rec.Cached {
		b.WriteString("(served from cache)\n")
	}
	fmt.Fprintf(&b, "id: %s\n", rec.ID)

	_, err := io.WriteString(out, b.String())
	return err
}

func flaggedFrames(frames []ensemble.FrameVerdict) int {
	n := 0
	for _, f := range frames {
		if f.IsDeepfake {
			n++
		}
	}
	return n
}

// DirReport is the result of scanning a directory.
type DirReport struct {
	Directory  string           `json:"directory"`
	Extensions []string         `json:"extensions"`
	Summary    app.BatchSummary `json:"summary"`
	Items      []app.BatchItem  `json:"items"`
}

func analyzeDir(ctx context.Context, st *Stack, args *CLIArgs, out io.Writer) error {
	paths, err := CollectImages(args.Dir, args.Exts)
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		return fmt.Errorf("no %s images in %s", strings.Join(args.Exts, "/"), args.Dir)
	}
	st.Logger.Info("scanning directory",
		logging.Field{Key: "dir", Value: args.Dir},
		logging.Field{Key: "images", Value: len(paths)})

	items := st.Service.AnalyzeFiles(ctx, paths, 0)
	report := DirReport{
		Directory:  args.Dir,
		Extensions: args.Exts,
		Summary:    app.Summarize(items),
		Items:      items,
	}

	if args.Out != "" {
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return fmt.Errorf("encoding report: %w", err)
		}
		if err := os.WriteFile(args.Out, append(data, '\n'), 0o644); err != nil {
			return fmt.Errorf("writing %s: %w", args.Out, err)
		}
		st.Logger.Info("report written", logging.Field{Key: "path", Value: args.Out})
	}

	if args.JSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	return printDirSummary(out, report)
}

// CollectImages lists the regular files directly inside dir whose
// extension is in exts, compared case-insensitively. Paths are sorted.
func CollectImages(dir string, exts []string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading directory %s: %w", dir, err)
	}
	var paths []string
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(e.Name()), "."))
		if ext != "" && slices.Contains(exts, ext) {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	slices.Sort(paths)
	return paths, nil
}

func printDirSummary(out io.Writer, r DirReport) error {
	var b strings.Builder
	for _, it := range r.Items {
		name := filepath.Base(it.Path)
		if it.Analysis == nil {
			fmt.Fprintf(&b, "  %-32s error: %s\n", name, it.Error)
			continue
		}
		v := it.Analysis.Verdict
		label := "authentic"
		if v.IsDeepfake {
			label = "manipulated"
		}
		fmt.Fprintf(&b, "  %-32s %-11s %5.1f\n", name, label, v.Confidence)
	}

	s := r.Summary
	fmt.Fprintf(&b, "total:       %d\n", s.Total)
	fmt.Fprintf(&b, "successful:  %d\n", s.Successful)
	fmt.Fprintf(&b, "errors:      %d\n", s.Errors)
	fmt.Fprintf(&b, "manipulated: %d\n", s.Manipulated)
	fmt.Fprintf(&b, "authentic:   %d\n", s.Authentic)
	if s.Successful > 0 {
		fmt.Fprintf(&b, "avg confidence: %.1f\n", s.AverageConfidence)
	}

	_, err := io.WriteString(out, b.String())
	return err
}
