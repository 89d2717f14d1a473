// Package face locates faces in a raster and describes them as a bounding box
// plus eight named landmark points.
package face

import (
	"context"
	"math"

	"github.com/raysh454/deepscan/internal/raster"
)

// Point is a 2-D position in absolute pixel coordinates.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Dist is the Euclidean distance between p and q.
func (p Point) Dist(q Point) float64 {
	return math.Hypot(p.X-q.X, p.Y-q.Y)
}

// Landmarks are the eight named facial points analyzers reason about.
type Landmarks struct {
	LeftEye      Point `json:"leftEye"`
	RightEye     Point `json:"rightEye"`
	Nose         Point `json:"nose"`
	LeftMouth    Point `json:"leftMouth"`
	RightMouth   Point `json:"rightMouth"`
	Chin         Point `json:"chin"`
	LeftEyebrow  Point `json:"leftEyebrow"`
	RightEyebrow Point `json:"rightEyebrow"`
}

// Points returns the landmarks in declaration order.
func (l Landmarks) Points() []Point {
	return []Point{
		l.LeftEye, l.RightEye, l.Nose, l.LeftMouth,
		l.RightMouth, l.Chin, l.LeftEyebrow, l.RightEyebrow,
	}
}

// Region is one detected face.
type Region struct {
	BBox       raster.Rect `json:"bbox"`
	Confidence float64     `json:"confidence"`
	Landmarks  Landmarks   `json:"landmarks"`
}

// Locator finds faces in an image. An empty result means no face was found.
type Locator interface {
	Locate(ctx context.Context, img *raster.Image) ([]Region, error)
}

// landmarkOffset is a landmark position relative to the bbox centre, as a
// fraction of bbox width (dx) and height (dy).
type landmarkOffset struct{ dx, dy float64 }

var (
	offLeftEye      = landmarkOffset{-0.15, -0.10}
	offRightEye     = landmarkOffset{0.15, -0.10}
	offNose         = landmarkOffset{0, 0}
	offLeftMouth    = landmarkOffset{-0.10, 0.15}
	offRightMouth   = landmarkOffset{0.10, 0.15}
	offChin         = landmarkOffset{0, 0.30}
	offLeftEyebrow  = landmarkOffset{-0.15, -0.20}
	offRightEyebrow = landmarkOffset{0.15, -0.20}
)

// LandmarksFor derives landmarks from a bbox using fixed proportional offsets.
// Every point is clamped into [0,width) x [0,height).
func LandmarksFor(bbox raster.Rect, width, height int) Landmarks {
	cx := float64(bbox.X) + float64(bbox.Width)/2
	cy := float64(bbox.Y) + float64(bbox.Height)/2
	w, h := float64(bbox.Width), float64(bbox.Height)

	at := func(o landmarkOffset) Point {
		return Point{
			X: clampCoord(cx+o.dx*w, width),
			Y: clampCoord(cy+o.dy*h, height),
		}
	}

	return Landmarks{
		LeftEye:      at(offLeftEye),
		RightEye:     at(offRightEye),
		Nose:         at(offNose),
		LeftMouth:    at(offLeftMouth),
		RightMouth:   at(offRightMouth),
		Chin:         at(offChin),
		LeftEyebrow:  at(offLeftEyebrow),
		RightEyebrow: at(offRightEyebrow),
	}
}

func clampCoord(v float64, limit int) float64 {
	if v < 0 {
		return 0
	}
	if hi := float64(limit - 1); v > hi {
		return math.Max(hi, 0)
	}
	return v
}

// Valid reports whether the region satisfies the landmark and bbox invariants
// for an image of the given size.
func (r Region) Valid(width, height int) bool {
	if r.BBox.Empty() {
		return false
	}
	for _, p := range r.Landmarks.Points() {
		if p.X < 0 || p.Y < 0 || p.X >= float64(width) || p.Y >= float64(height) {
			return false
		}
	}
	return true
}
