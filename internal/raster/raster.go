// Package raster holds the decoded pixel buffer every analyzer reads from.
// An Image is immutable once constructed and safe for concurrent readers.
package raster

import (
	"errors"
	"fmt"
	"image"
	"image/draw"
	"io"

	// Registered decoders.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

var (
	// ErrInvalidBuffer is returned when dimensions and pixel buffer disagree.
	ErrInvalidBuffer = errors.New("raster: invalid pixel buffer")

	// ErrUnsupportedImage is returned when the input cannot be decoded.
	ErrUnsupportedImage = errors.New("raster: unsupported or corrupt image")
)

// Channels is the number of bytes per pixel (R, G, B, A).
const Channels = 4

// Image is a row-major RGBA pixel buffer.
type Image struct {
	width  int
	height int
	pix    []uint8
}

// Rect is an axis-aligned rectangle in pixel coordinates.
type Rect struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Empty reports whether r covers no pixels.
func (r Rect) Empty() bool {
	return r.Width <= 0 || r.Height <= 0
}

// New wraps pix as an Image. The buffer is not copied; callers must not
// modify it afterwards.
func New(width, height int, pix []uint8) (*Image, error) {
	if width < 0 || height < 0 {
		return nil, fmt.Errorf("%w: negative dimensions %dx%d", ErrInvalidBuffer, width, height)
	}
	if len(pix) != width*height*Channels {
		return nil, fmt.Errorf("%w: %dx%d needs %d bytes, got %d", ErrInvalidBuffer, width, height, width*height*Channels, len(pix))
	}
	return &Image{width: width, height: height, pix: pix}, nil
}

// FromImage converts any image.Image into an RGBA raster.
func FromImage(src image.Image) *Image {
	b := src.Bounds()
	rgba, ok := src.(*image.RGBA)
	if !ok || rgba.Stride != b.Dx()*Channels || b.Min != (image.Point{}) || len(rgba.Pix) != b.Dx()*b.Dy()*Channels {
		rgba = image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
		draw.Draw(rgba, rgba.Bounds(), src, b.Min, draw.Src)
	}
	return &Image{width: b.Dx(), height: b.Dy(), pix: rgba.Pix}
}

// Decode reads an encoded image (JPEG, PNG, GIF, BMP, TIFF or WebP).
func Decode(r io.Reader) (*Image, string, error) {
	img, format, err := image.Decode(r)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrUnsupportedImage, err)
	}
	return FromImage(img), format, nil
}

func (m *Image) Width() int  { return m.width }
func (m *Image) Height() int { return m.height }

// Area is the raw pixel count.
func (m *Image) Area() int { return m.width * m.height }

// Pix exposes the underlying buffer read-only.
func (m *Image) Pix() []uint8 { return m.pix }

// Bounds returns the full image rectangle.
func (m *Image) Bounds() Rect {
	return Rect{Width: m.width, Height: m.height}
}

// Offset returns the index of the R byte of pixel (x, y).
func (m *Image) Offset(x, y int) int {
	return (y*m.width + x) * Channels
}

// RGB returns the colour channels of pixel (x, y) as ints.
func (m *Image) RGB(x, y int) (r, g, b int) {
	i := m.Offset(x, y)
	return int(m.pix[i]), int(m.pix[i+1]), int(m.pix[i+2])
}

// Brightness is the unweighted channel mean (R+G+B)/3.
func (m *Image) Brightness(x, y int) float64 {
	r, g, b := m.RGB(x, y)
	return float64(r+g+b) / 3
}

// Clip intersects r with the image bounds.
func (m *Image) Clip(r Rect) Rect {
	x0, y0 := max(r.X, 0), max(r.Y, 0)
	x1, y1 := min(r.X+r.Width, m.width), min(r.Y+r.Height, m.height)
	if x1 <= x0 || y1 <= y0 {
		return Rect{}
	}
	return Rect{X: x0, Y: y0, Width: x1 - x0, Height: y1 - y0}
}

// Crop copies the pixels inside r (clipped to bounds) into a new Image.
func (m *Image) Crop(r Rect) *Image {
	r = m.Clip(r)
	out := &Image{width: r.Width, height: r.Height, pix: make([]uint8, r.Width*r.Height*Channels)}
	rowBytes := r.Width * Channels
	for y := 0; y < r.Height; y++ {
		src := m.Offset(r.X, r.Y+y)
		copy(out.pix[y*rowBytes:(y+1)*rowBytes], m.pix[src:src+rowBytes])
	}
	return out
}

// Gray returns the brightness plane as bytes, row-major.
func (m *Image) Gray() []uint8 {
	out := make([]uint8, m.width*m.height)
	for i := range out {
		p := i * Channels
		out[i] = uint8((int(m.pix[p]) + int(m.pix[p+1]) + int(m.pix[p+2])) / 3)
	}
	return out
}
