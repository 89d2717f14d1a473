package raster

import (
	"bytes"
	"fmt"
	"image"
	"image/gif"

	"golang.org/x/image/draw"
)

// DefaultMaxFrames is how many frames of an animation are analyzed.
const DefaultMaxFrames = 10

// Frame is one decoded frame. Index is its position in the source animation.
type Frame struct {
	Index int
	Image *Image
}

// DecodeFrames decodes data and, for an animated GIF, returns up to maxFrames
// evenly spaced frames composited onto the logical screen. Still images and
// single-frame GIFs yield one frame.
func DecodeFrames(data []byte, maxFrames int) ([]Frame, string, error) {
	_, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrUnsupportedImage, err)
	}
	if format != "gif" {
		img, format, err := Decode(bytes.NewReader(data))
		if err != nil {
			return nil, "", err
		}
		return []Frame{{Index: 0, Image: img}}, format, nil
	}

	g, err := gif.DecodeAll(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrUnsupportedImage, err)
	}
	if len(g.Image) == 0 {
		return nil, "", fmt.Errorf("%w: gif has no frames", ErrUnsupportedImage)
	}
	return compositeFrames(g, SampleIndices(len(g.Image), maxFrames)), format, nil
}

// compositeFrames replays the animation, honouring each frame's disposal
// method, and snapshots the canvas after drawing every wanted frame.
func compositeFrames(g *gif.GIF, wanted []int) []Frame {
	bounds := image.Rect(0, 0, g.Config.Width, g.Config.Height)
	if bounds.Empty() {
		bounds = g.Image[0].Bounds()
	}
	canvas := image.NewRGBA(bounds)

	out := make([]Frame, 0, len(wanted))
	next := 0
	for i, frame := range g.Image {
		if next == len(wanted) {
			break
		}
		var disposal byte
		if i < len(g.Disposal) {
			disposal = g.Disposal[i]
		}
		var saved *image.RGBA
		if disposal == gif.DisposalPrevious {
			saved = cloneRGBA(canvas)
		}

		draw.Draw(canvas, frame.Bounds(), frame, frame.Bounds().Min, draw.Over)
		if wanted[next] == i {
			out = append(out, Frame{Index: i, Image: FromImage(cloneRGBA(canvas))})
			next++
		}

		switch disposal {
		case gif.DisposalBackground:
			draw.Draw(canvas, frame.Bounds(), image.Transparent, image.Point{}, draw.Src)
		case gif.DisposalPrevious:
			canvas = saved
		}
	}
	return out
}

func cloneRGBA(src *image.RGBA) *image.RGBA {
	dst := image.NewRGBA(src.Rect)
	copy(dst.Pix, src.Pix)
	return dst
}

// SampleIndices picks n evenly spaced indices in [0, total), always
// including the first and last. When n >= total every index is returned.
func SampleIndices(total, n int) []int {
	if total <= 0 {
		return nil
	}
	if n <= 0 || n >= total {
		n = total
	}
	if n == 1 {
		return []int{0}
	}
	out := make([]int, n)
	for i := range out {
		out[i] = i * (total - 1) / (n - 1)
	}
	return out
}
