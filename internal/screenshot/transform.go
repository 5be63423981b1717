// Package screenshot post-processes captured page images.
package screenshot

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"math"

	"golang.org/x/image/draw"

	"visualgrid/internal/config"
)

// Transform changes an image. A transform whose parameters are all zero is
// a no-op and is dropped from a Pipeline.
type Transform interface {
	Apply(src image.Image) image.Image
	Noop() bool
}

// Cut removes pixels from the edges.
type Cut struct {
	Top, Bottom, Left, Right int
}

func (c Cut) Noop() bool {
	return c.Top == 0 && c.Bottom == 0 && c.Left == 0 && c.Right == 0
}

func (c Cut) Apply(src image.Image) image.Image {
	b := src.Bounds()
	r := image.Rect(b.Min.X+c.Left, b.Min.Y+c.Top, b.Max.X-c.Right, b.Max.Y-c.Bottom)
	if r.Empty() {
		return image.NewRGBA(image.Rectangle{})
	}
	dst := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Draw(dst, dst.Bounds(), src, r.Min, draw.Src)
	return dst
}

// Scale resizes by Ratio. A ratio of 0 or 1 leaves the image as is.
type Scale struct {
	Ratio float64
}

func (s Scale) Noop() bool {
	return s.Ratio == 0 || s.Ratio == 1
}

func (s Scale) Apply(src image.Image) image.Image {
	b := src.Bounds()
	w := int(math.Round(float64(b.Dx()) * s.Ratio))
	h := int(math.Round(float64(b.Dy()) * s.Ratio))
	if w < 1 || h < 1 {
		return image.NewRGBA(image.Rectangle{})
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	return dst
}

// Rotate turns the image clockwise by a multiple of 90 degrees.
type Rotate struct {
	Degrees int
}

func (r Rotate) Noop() bool {
	return r.turns() == 0
}

func (r Rotate) turns() int {
	return ((r.Degrees/90)%4 + 4) % 4
}

func (r Rotate) Apply(src image.Image) image.Image {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	turns := r.turns()
	var dst *image.RGBA
	if turns%2 == 1 {
		dst = image.NewRGBA(image.Rect(0, 0, h, w))
	} else {
		dst = image.NewRGBA(image.Rect(0, 0, w, h))
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := src.At(b.Min.X+x, b.Min.Y+y)
			switch turns {
			case 1:
				dst.Set(h-1-y, x, c)
			case 2:
				dst.Set(w-1-x, h-1-y, c)
			case 3:
				dst.Set(y, w-1-x, c)
			default:
				dst.Set(x, y, c)
			}
		}
	}
	return dst
}

// Pipeline applies its transforms in order.
type Pipeline []Transform

// NewPipeline keeps only the steps that change the image.
func NewPipeline(steps ...Transform) Pipeline {
	var p Pipeline
	for _, s := range steps {
		if s != nil && !s.Noop() {
			p = append(p, s)
		}
	}
	return p
}

// FromConfig builds the cut, scale, rotate pipeline described by cfg.
func FromConfig(cfg config.ScreenshotConfig) Pipeline {
	return NewPipeline(
		Cut{Top: cfg.CutTop, Bottom: cfg.CutBottom, Left: cfg.CutLeft, Right: cfg.CutRight},
		Scale{Ratio: cfg.Scale},
		Rotate{Degrees: cfg.Rotate},
	)
}

// Apply runs every step on img.
func (p Pipeline) Apply(img image.Image) image.Image {
	for _, step := range p {
		img = step.Apply(img)
	}
	return img
}

// ProcessPNG decodes a PNG, applies the pipeline and re-encodes it. An empty
// pipeline, or one that would leave no pixels, returns data unchanged.
func (p Pipeline) ProcessPNG(data []byte) ([]byte, error) {
	if len(p) == 0 {
		return data, nil
	}
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode screenshot: %w", err)
	}
	out := p.Apply(img)
	if out.Bounds().Empty() {
		return data, nil
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, out); err != nil {
		return nil, fmt.Errorf("encode screenshot: %w", err)
	}
	return buf.Bytes(), nil
}
