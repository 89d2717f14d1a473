// Package testutil provides shared test doubles and deterministic image
// fixtures for use across package tests.
package testutil

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color/palette"
	"image/gif"
	"image/png"
	"sync"
	"time"

	"golang.org/x/image/draw"

	"github.com/raysh454/deepscan/internal/analyzer"
	"github.com/raysh454/deepscan/internal/face"
	"github.com/raysh454/deepscan/internal/logging"
	"github.com/raysh454/deepscan/internal/raster"
)

// ─── Logger ────────────────────────────────────────────────────────────

// DummyLogger implements logging.Logger with in-memory recording.
type DummyLogger struct {
	mu     sync.Mutex
	Errors []string
	Infos  []string
	Debugs []string
	Warns  []string
}

func (l *DummyLogger) Debug(msg string, fields ...logging.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Debugs = append(l.Debugs, msg)
}

func (l *DummyLogger) Info(msg string, fields ...logging.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Infos = append(l.Infos, msg)
}

func (l *DummyLogger) Warn(msg string, fields ...logging.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Warns = append(l.Warns, msg)
}

func (l *DummyLogger) Error(msg string, fields ...logging.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Errors = append(l.Errors, msg)
}

func (l *DummyLogger) With(_ ...logging.Field) logging.Logger { return l }

// WarnCount returns the number of recorded warnings.
func (l *DummyLogger) WarnCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.Warns)
}

// ─── Images ────────────────────────────────────────────────────────────

// Solid returns a w x h image filled with one colour.
func Solid(w, h int, r, g, b uint8) *raster.Image {
	pix := make([]uint8, w*h*raster.Channels)
	for i := 0; i < len(pix); i += raster.Channels {
		pix[i], pix[i+1], pix[i+2], pix[i+3] = r, g, b, 255
	}
	return mustImage(w, h, pix)
}

// Gradient returns a horizontal black-to-white ramp.
func Gradient(w, h int) *raster.Image {
	pix := make([]uint8, w*h*raster.Channels)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := uint8(x * 255 / max(1, w-1))
			i := (y*w + x) * raster.Channels
			pix[i], pix[i+1], pix[i+2], pix[i+3] = v, v, v, 255
		}
	}
	return mustImage(w, h, pix)
}

// Checker returns a black/white checkerboard with square cells of size cell.
func Checker(w, h, cell int) *raster.Image {
	pix := make([]uint8, w*h*raster.Channels)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var v uint8
			if (x/cell+y/cell)%2 == 0 {
				v = 255
			}
			i := (y*w + x) * raster.Channels
			pix[i], pix[i+1], pix[i+2], pix[i+3] = v, v, v, 255
		}
	}
	return mustImage(w, h, pix)
}

// Noise returns skin-toned pseudo-random noise from a fixed LCG seed, so
// repeated calls yield identical buffers.
func Noise(w, h int, seed uint32) *raster.Image {
	pix := make([]uint8, w*h*raster.Channels)
	state := seed
	next := func() uint8 {
		state = state*1664525 + 1013904223
		return uint8(state >> 24)
	}
	for i := 0; i < len(pix); i += raster.Channels {
		n := int(next()) / 4
		pix[i] = uint8(150 + n/2)
		pix[i+1] = uint8(100 + n/3)
		pix[i+2] = uint8(80 + n/4)
		pix[i+3] = 255
	}
	return mustImage(w, h, pix)
}

// EncodePNG encodes img as PNG bytes.
func EncodePNG(img *raster.Image) []byte {
	rgba := &image.RGBA{
		Pix:    img.Pix(),
		Stride: img.Width() * raster.Channels,
		Rect:   image.Rect(0, 0, img.Width(), img.Height()),
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, rgba); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// EncodeGIF encodes frames as an animated GIF quantized to the Plan 9
// palette. All frames must share the first frame's size.
func EncodeGIF(frames ...*raster.Image) []byte {
	g := &gif.GIF{}
	for _, f := range frames {
		rect := image.Rect(0, 0, f.Width(), f.Height())
		src := &image.RGBA{Pix: f.Pix(), Stride: f.Width() * raster.Channels, Rect: rect}
		dst := image.NewPaletted(rect, palette.Plan9)
		draw.Draw(dst, rect, src, image.Point{}, draw.Src)
		g.Image = append(g.Image, dst)
		g.Delay = append(g.Delay, 10)
	}
	var buf bytes.Buffer
	if err := gif.EncodeAll(&buf, g); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

func mustImage(w, h int, pix []uint8) *raster.Image {
	img, err := raster.New(w, h, pix)
	if err != nil {
		panic(err)
	}
	return img
}

// ─── Analyzers ─────────────────────────────────────────────────────────

// ErrStub is returned by StubAnalyzer when Fail is set.
var ErrStub = errors.New("stub analyzer failure")

// StubAnalyzer returns a fixed score and confidence under a real analyzer name.
type StubAnalyzer struct {
	AnalyzerName string
	Score        float64
	Confidence   float64
	Fail         bool
	Panic        bool

	// Block waits for ctx to end before returning.
	Block bool
	Delay time.Duration
}

func (s *StubAnalyzer) Name() string { return s.AnalyzerName }

func (s *StubAnalyzer) Analyze(ctx context.Context, _ *raster.Image, _ face.Region) (*analyzer.Result, error) {
	if s.Panic {
		panic("stub analyzer panic")
	}
	if s.Block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if s.Delay > 0 {
		select {
		case <-time.After(s.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.Fail {
		return nil, ErrStub
	}
	return &analyzer.Result{
		Name:        s.AnalyzerName,
		Score:       s.Score,
		Confidence:  s.Confidence,
		Severity:    analyzer.SeverityLow,
		Description: "stub",
	}, nil
}

// UniformAnalyzers returns one stub per analyzer name, all reporting the same values.
func UniformAnalyzers(score, confidence float64) []analyzer.Analyzer {
	out := make([]analyzer.Analyzer, 0, len(analyzer.Order))
	for _, name := range analyzer.Order {
		out = append(out, &StubAnalyzer{AnalyzerName: name, Score: score, Confidence: confidence})
	}
	return out
}

// ─── Locators ──────────────────────────────────────────────────────────

// NoFaceLocator never finds a face and counts calls.
type NoFaceLocator struct {
	mu    sync.Mutex
	Calls int
}

func (l *NoFaceLocator) Locate(_ context.Context, _ *raster.Image) ([]face.Region, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Calls++
	return nil, nil
}

// FailingLocator returns Err from every Locate call.
type FailingLocator struct {
	Err error
}

func (l *FailingLocator) Locate(_ context.Context, _ *raster.Image) ([]face.Region, error) {
	return nil, l.Err
}
