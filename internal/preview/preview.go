// Package preview renders resampled grids as WebP images so a conversion can
// be checked by eye. Grids are upscaled by a whole-number factor with
// nearest-neighbour sampling, so every source pixel stays a crisp block.
package preview

import (
	"bytes"
	"fmt"
	"image"

	"github.com/Jesssullivan/pixtext/internal/raster"
	"github.com/chai2010/webp"
	"golang.org/x/image/draw"
)

// DefaultMaxWidth bounds the rendered width.
const DefaultMaxWidth = 480

// Image copies g into an opaque RGBA image.
func Image(g *raster.Grid) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, g.Width, g.Height))
	for y := 0; y < g.Height; y++ {
		row := g.Row(y)
		out := img.Pix[y*img.Stride:]
		for x := 0; x < g.Width; x++ {
			copy(out[x*4:x*4+3], row[x*3:x*3+3])
			out[x*4+3] = 0xff
		}
	}
	return img
}

// WebP upscales g by the largest whole factor that keeps the width within
// maxWidth (at least 1) and encodes it losslessly. Returns the encoded
// bytes, final width, final height, and any error.
func WebP(g *raster.Grid, maxWidth int) ([]byte, int, int, error) {
	if err := g.Validate(); err != nil {
		return nil, 0, 0, fmt.Errorf("preview: %w", err)
	}
	if maxWidth <= 0 {
		maxWidth = DefaultMaxWidth
	}

	scale := max(maxWidth/g.Width, 1)
	src := Image(g)
	newW, newH := g.Width*scale, g.Height*scale

	dst := src
	if scale > 1 {
		dst = image.NewRGBA(image.Rect(0, 0, newW, newH))
		draw.NearestNeighbor.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	}

	var buf bytes.Buffer
	if err := webp.Encode(&buf, dst, &webp.Options{Lossless: true}); err != nil {
		return nil, 0, 0, fmt.Errorf("preview: encode webp: %w", err)
	}
	return buf.Bytes(), newW, newH, nil
}
