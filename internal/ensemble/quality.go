package ensemble

import "math"

// referencePixels is the pixel count treated as full resolution (1080p).
const referencePixels = 1920 * 1080

// Quality summarises image dimensions for weight and threshold adjustment.
type Quality struct {
	// Resolution is the pixel count relative to 1920x1080, capped at 1.
	Resolution float64 `json:"resolution"`

	// AspectRatio is min(width,height)/max(width,height).
	AspectRatio float64 `json:"aspectRatio"`

	// Size is the raw pixel count.
	Size int `json:"size"`
}

// EstimateQuality derives Quality from dimensions alone. A zero-area image
// yields the zero Quality.
func EstimateQuality(width, height int) Quality {
	if width <= 0 || height <= 0 {
		return Quality{}
	}
	size := width * height
	return Quality{
		Resolution:  math.Min(1, float64(size)/referencePixels),
		AspectRatio: float64(min(width, height)) / float64(max(width, height)),
		Size:        size,
	}
}
