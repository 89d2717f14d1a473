package analyzer

import (
	"context"
	"math"

	"github.com/montanaflynn/stats"

	"github.com/raysh454/deepscan/internal/face"
	"github.com/raysh454/deepscan/internal/raster"
)

const (
	uniformVariation = 5.0
	poreContrast     = 15.0
	poreFloor        = 80.0
	expectedPores    = 0.02
	lightingGrid     = 4
	minSkinFraction  = 0.01
)

var (
	textureThresholds = thresholds{high: 65, medium: 40}
	textureBand       = band{lo: 80, hi: 92}
	textureText       = descriptions{
		SeverityHigh:   "Skin texture is unnaturally smooth with few pores and flat lighting",
		SeverityMedium: "Skin texture shows some signs of smoothing",
		SeverityLow:    "Skin texture and pore density look natural",
	}
)

// TextureAnalyzer looks for over-smoothed skin: low local variation, missing
// pores, flat lighting and homogeneous skin chroma.
type TextureAnalyzer struct{}

func (TextureAnalyzer) Name() string { return NameTexture }

func (TextureAnalyzer) Analyze(ctx context.Context, img *raster.Image, region face.Region) (*Result, error) {
	crop := img.Crop(region.BBox)
	w, h := crop.Width(), crop.Height()

	var variation running
	uniform := 0
	for y := 1; y < h-1; y += 2 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for x := 1; x < w-1; x += 2 {
			c := crop.Brightness(x, y)
			var diff float64
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					if dx != 0 || dy != 0 {
						diff += math.Abs(c - crop.Brightness(x+dx, y+dy))
					}
				}
			}
			v := diff / 8
			variation.add(v)
			if v < uniformVariation {
				uniform++
			}
		}
	}
	avgVariation := variation.mean()
	uniformityRatio := safeDiv(float64(uniform), float64(variation.n))
	textureScore := math.Min(100, avgVariation/4+uniformityRatio*150)

	poreSamples, pores := 0, 0
	for y := 1; y < h-1; y += 3 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for x := 1; x < w-1; x += 3 {
			poreSamples++
			c := crop.Brightness(x, y)
			if c <= neighbourMean(crop, x, y)-poreContrast && c < poreFloor {
				pores++
			}
		}
	}
	poreRatio := safeDiv(float64(pores), float64(poreSamples))
	poreScore := clampScore((expectedPores - poreRatio) * 2000)

	lightingCV := cellVariation(crop)
	lightingScore := clampScore((0.1 - lightingCV) / 0.1 * 100)

	skinScore, skinFraction, chromaSD := skinHomogeneity(crop)

	final := 0.3*textureScore + 0.25*lightingScore + 0.25*skinScore + 0.2*poreScore
	conf := textureBand.at(float64(variation.n) / (64 * 64))

	return newResult(NameTexture, final, conf, textureThresholds, textureText, map[string]float64{
		"avgVariation":    avgVariation,
		"uniformityRatio": uniformityRatio,
		"poreRatio":       poreRatio,
		"lightingCV":      lightingCV,
		"skinFraction":    skinFraction,
		"skinChromaSD":    chromaSD,
		"textureScore":    textureScore,
		"lightingScore":   lightingScore,
		"skinScore":       skinScore,
		"poreScore":       poreScore,
	}), nil
}

// cellVariation splits img into a lightingGrid x lightingGrid grid and returns
// the coefficient of variation of the cell mean brightness.
func cellVariation(img *raster.Image) float64 {
	w, h := img.Width(), img.Height()
	var cells [lightingGrid * lightingGrid]running
	for y := 0; y < h; y += 2 {
		cy := y * lightingGrid / h
		for x := 0; x < w; x += 2 {
			cells[cy*lightingGrid+x*lightingGrid/w].add(img.Brightness(x, y))
		}
	}

	means := make(stats.Float64Data, 0, len(cells))
	for _, c := range cells {
		if c.n > 0 {
			means = append(means, c.mean())
		}
	}
	mean, err := stats.Mean(means)
	if err != nil || mean == 0 {
		return 0
	}
	sd, err := stats.StandardDeviationPopulation(means)
	if err != nil {
		return 0
	}
	return sd / mean
}

// skinHomogeneity scores how uniform skin chroma is. Real skin shows
// blotches and veins; generated skin is often a single flat tone.
func skinHomogeneity(img *raster.Image) (score, fraction, chromaSD float64) {
	w, h := img.Width(), img.Height()
	samples := 0
	var chroma stats.Float64Data
	for y := 0; y < h; y += 2 {
		for x := 0; x < w; x += 2 {
			samples++
			r, g, b := img.RGB(x, y)
			if !isSkin(r, g, b) {
				continue
			}
			chroma = append(chroma, float64(r-g)/float64(r+g+b))
		}
	}

	fraction = safeDiv(float64(len(chroma)), float64(samples))
	if len(chroma) < 10 || fraction < minSkinFraction {
		return 50, fraction, 0
	}
	chromaSD, err := stats.StandardDeviationPopulation(chroma)
	if err != nil {
		return 50, fraction, 0
	}
	return clampScore((0.02 - chromaSD) / 0.02 * 100), fraction, chromaSD
}

// isSkin is the classic uniform-daylight RGB skin rule.
func isSkin(r, g, b int) bool {
	hi := max(r, g, b)
	lo := min(r, g, b)
	return r > 95 && g > 40 && b > 20 && hi-lo > 15 && abs(r-g) > 15 && r > g && r > b
}
