package analyzer

import (
	"context"
	"math"

	"github.com/raysh454/deepscan/internal/raster"
)

// running accumulates mean and variance without storing samples.
type running struct {
	n          int
	sum, sumSq float64
}

func (r *running) add(v float64) {
	r.n++
	r.sum += v
	r.sumSq += v * v
}

func (r running) mean() float64 {
	return safeDiv(r.sum, float64(r.n))
}

func (r running) std() float64 {
	if r.n == 0 {
		return 0
	}
	m := r.mean()
	return math.Sqrt(math.Max(0, r.sumSq/float64(r.n)-m*m))
}

// blockGrid is the JPEG/MPEG transform block size.
const blockGrid = 8

// blockiness measures the 8x8 block grid left behind by lossy DCT coding.
// It compares the mean brightness step across block boundaries with the mean
// step inside blocks, using absolute image coordinates so the grid lines up
// with the encoder's. Returns a 0..100 score and the raw ratio.
func blockiness(ctx context.Context, img *raster.Image, rect raster.Rect) (float64, float64, error) {
	rect = img.Clip(rect)
	var boundary, inner running

	for y := rect.Y; y < rect.Y+rect.Height; y++ {
		if err := ctx.Err(); err != nil {
			return 0, 0, err
		}
		for x := rect.X; x < rect.X+rect.Width; x++ {
			c := img.Brightness(x, y)
			if x > rect.X {
				d := math.Abs(c - img.Brightness(x-1, y))
				if x%blockGrid == 0 {
					boundary.add(d)
				} else {
					inner.add(d)
				}
			}
			if y > rect.Y {
				d := math.Abs(c - img.Brightness(x, y-1))
				if y%blockGrid == 0 {
					boundary.add(d)
				} else {
					inner.add(d)
				}
			}
		}
	}

	if boundary.n == 0 || inner.n == 0 {
		return 0, 0, nil
	}
	// +1 keeps flat regions from producing huge ratios out of noise.
	ratio := (boundary.mean() + 1) / (inner.mean() + 1)
	return clampScore((ratio - 1) * 100), ratio, nil
}

// seam compares brightness statistics of a band just inside bbox with a band
// just outside it. Blended face swaps tend to leave a step at that border.
// ok is false when no pixels exist outside the bbox.
func seam(ctx context.Context, img *raster.Image, bbox raster.Rect) (score float64, ok bool, err error) {
	bbox = img.Clip(bbox)
	if bbox.Empty() {
		return 0, false, nil
	}
	bw := max(2, int(0.05*float64(min(bbox.Width, bbox.Height))))
	outer := img.Clip(raster.Rect{
		X:      bbox.X - bw,
		Y:      bbox.Y - bw,
		Width:  bbox.Width + 2*bw,
		Height: bbox.Height + 2*bw,
	})

	var in, out running
	for y := outer.Y; y < outer.Y+outer.Height; y++ {
		if err := ctx.Err(); err != nil {
			return 0, false, err
		}
		for x := outer.X; x < outer.X+outer.Width; x++ {
			inside := x >= bbox.X && x < bbox.X+bbox.Width && y >= bbox.Y && y < bbox.Y+bbox.Height
			if !inside {
				out.add(img.Brightness(x, y))
				continue
			}
			edgeDist := min(x-bbox.X, bbox.X+bbox.Width-1-x, y-bbox.Y, bbox.Y+bbox.Height-1-y)
			if edgeDist < bw {
				in.add(img.Brightness(x, y))
			}
		}
	}

	if out.n == 0 || in.n == 0 {
		return 0, false, nil
	}
	s := math.Abs(in.mean()-out.mean())*1.5 + math.Abs(in.std()-out.std())*2
	return clampScore(s), true, nil
}

// ring walks the one-pixel border of a w x h image clockwise starting at the
// top-left corner: top, right, bottom, left. Each pixel is visited once.
func ring(w, h int, visit func(x, y int)) {
	if w <= 0 || h <= 0 {
		return
	}
	for x := 0; x < w; x++ {
		visit(x, 0)
	}
	for y := 1; y < h; y++ {
		visit(w-1, y)
	}
	if h > 1 {
		for x := w - 2; x >= 0; x-- {
			visit(x, h-1)
		}
	}
	if w > 1 {
		for y := h - 2; y >= 1; y-- {
			visit(0, y)
		}
	}
}

// neighbourMean is the mean brightness of the 8 neighbours of (x, y).
// Callers guarantee (x, y) is an interior pixel.
func neighbourMean(img *raster.Image, x, y int) float64 {
	var s float64
	for dy := -1; dy <= 1; dy++ {
		for dx := -1; dx <= 1; dx++ {
			if dx == 0 && dy == 0 {
				continue
			}
			s += img.Brightness(x+dx, y+dy)
		}
	}
	return s / 8
}
