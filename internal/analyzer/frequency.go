package analyzer

import (
	"context"
	"math"

	"github.com/raysh454/deepscan/internal/face"
	"github.com/raysh454/deepscan/internal/raster"
)

const (
	frequencyStride  = 5
	lowBandLimit     = 30
	midBandLimit     = 80
	periodicityRows  = 10
	periodicityShift = 10
	periodicityBlock = 3
	repeatSimilarity = 0.9
)

// maxRGBDistance is the Euclidean distance between black and white.
var maxRGBDistance = math.Sqrt(3 * 255 * 255)

var (
	frequencyThresholds = thresholds{high: 60, medium: 35}
	frequencyBand       = band{lo: 78, hi: 90}
	frequencyText       = descriptions{
		SeverityHigh:   "Frequency energy distribution and repeating patterns suggest synthesis",
		SeverityMedium: "Frequency distribution deviates somewhat from natural photographs",
		SeverityLow:    "Frequency distribution resembles a natural photograph",
	}
)

// FrequencyAnalyzer is a coarse banding check over successive byte
// differences, plus a periodicity check and block-grid compression measure.
type FrequencyAnalyzer struct{}

func (FrequencyAnalyzer) Name() string { return NameFrequency }

func (FrequencyAnalyzer) Analyze(ctx context.Context, img *raster.Image, region face.Region) (*Result, error) {
	crop := img.Crop(region.BBox)
	buf := crop.Pix()

	var low, mid, high float64
	samples := 0
	step := raster.Channels
	for i := 0; i+3*step < len(buf); i += frequencyStride {
		if samples%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		samples++
		for k := 0; k < 3; k++ {
			d := math.Abs(float64(buf[i+k*step]) - float64(buf[i+(k+1)*step]))
			switch {
			case d < lowBandLimit:
				low += d
			case d < midBandLimit:
				mid += d
			default:
				high += d
			}
		}
	}

	total := low + mid + high
	highRatio := safeDiv(high, total)
	midRatio := safeDiv(mid, total)
	lowRatio := safeDiv(low, total)
	frequencyScore := math.Min(100, (math.Abs(highRatio-0.3)+math.Abs(midRatio-0.4))*200)

	repeats, err := patternRepeats(ctx, crop)
	if err != nil {
		return nil, err
	}
	periodicityScore := math.Min(100, float64(repeats)*2)

	compressionScore, blockRatio, err := blockiness(ctx, img, region.BBox)
	if err != nil {
		return nil, err
	}

	final := 0.4*frequencyScore + 0.3*compressionScore + 0.3*periodicityScore
	conf := frequencyBand.at(float64(samples) / 10000)

	return newResult(NameFrequency, final, conf, frequencyThresholds, frequencyText, map[string]float64{
		"lowRatio":         lowRatio,
		"midRatio":         midRatio,
		"highRatio":        highRatio,
		"patternRepeats":   float64(repeats),
		"blockRatio":       blockRatio,
		"frequencyScore":   frequencyScore,
		"periodicityScore": periodicityScore,
		"compressionScore": compressionScore,
	}), nil
}

// patternRepeats samples evenly spaced rows and counts block pairs
// periodicityShift pixels apart whose colours are nearly identical.
func patternRepeats(ctx context.Context, img *raster.Image) (int, error) {
	w, h := img.Width(), img.Height()
	if h == 0 {
		return 0, nil
	}

	repeats := 0
	lastRow := -1
	for k := 0; k < periodicityRows; k++ {
		y := (k + 1) * h / (periodicityRows + 1)
		if y == lastRow || y >= h {
			continue
		}
		lastRow = y
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		for x := 0; x+periodicityShift+periodicityBlock <= w; x += periodicityShift {
			r1, g1, b1 := blockMean(img, x, y)
			r2, g2, b2 := blockMean(img, x+periodicityShift, y)
			d := math.Sqrt((r1-r2)*(r1-r2) + (g1-g2)*(g1-g2) + (b1-b2)*(b1-b2))
			if 1-d/maxRGBDistance > repeatSimilarity {
				repeats++
			}
		}
	}
	return repeats, nil
}

// blockMean averages periodicityBlock horizontal pixels starting at (x, y).
func blockMean(img *raster.Image, x, y int) (r, g, b float64) {
	for i := 0; i < periodicityBlock; i++ {
		pr, pg, pb := img.RGB(x+i, y)
		r += float64(pr)
		g += float64(pg)
		b += float64(pb)
	}
	n := float64(periodicityBlock)
	return r / n, g / n, b / n
}
