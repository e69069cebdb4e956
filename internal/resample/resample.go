// Package resample scales RGB grids with bilinear interpolation.
//
// Source coordinates are a pure scale of the output coordinates (no
// half-pixel offset), neighbours past the right and bottom edges are clamped
// to the last column/row, and blended samples are truncated to 8 bits. All
// arithmetic is float32 with every product explicitly rounded, so output is
// bit-identical across platforms and between the serial and banded paths.
package resample

import (
	"context"
	"fmt"
	"runtime"

	"github.com/Jesssullivan/pixtext/internal/raster"
	"golang.org/x/sync/errgroup"
)

// Bilinear returns a new grid of size target sampled from src. src is only
// read and is not retained.
func Bilinear(src *raster.Grid, target raster.Dimensions) (*raster.Grid, error) {
	m, dst, err := prepare(src, target)
	if err != nil {
		return nil, err
	}
	m.rows(dst, 0, target.Height)
	return dst, nil
}

// BilinearParallel is Bilinear with output rows split into contiguous bands
// processed concurrently. Each band writes a disjoint slice of the output.
// workers <= 0 means GOMAXPROCS.
func BilinearParallel(ctx context.Context, src *raster.Grid, target raster.Dimensions, workers int) (*raster.Grid, error) {
	m, dst, err := prepare(src, target)
	if err != nil {
		return nil, err
	}
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if workers > target.Height {
		workers = target.Height
	}

	band := (target.Height + workers - 1) / workers
	g, ctx := errgroup.WithContext(ctx)
	for y0 := 0; y0 < target.Height; y0 += band {
		y1 := min(y0+band, target.Height)
		g.Go(func() error {
			for y := y0; y < y1; y++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				m.rows(dst, y, y+1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("resample: %w", err)
	}
	return dst, nil
}

// mapping carries the per-axis source/target ratios.
type mapping struct {
	src    *raster.Grid
	ratioX float32
	ratioY float32
}

func prepare(src *raster.Grid, target raster.Dimensions) (*mapping, *raster.Grid, error) {
	if err := src.Validate(); err != nil {
		return nil, nil, fmt.Errorf("resample: source: %w", err)
	}
	if err := target.Validate(); err != nil {
		return nil, nil, fmt.Errorf("resample: target: %w", err)
	}
	dst, err := raster.New(target)
	if err != nil {
		return nil, nil, err
	}
	return &mapping{
		src:    src,
		ratioX: float32(src.Width) / float32(target.Width),
		ratioY: float32(src.Height) / float32(target.Height),
	}, dst, nil
}

// rows fills output rows [y0, y1) of dst.
func (m *mapping) rows(dst *raster.Grid, y0, y1 int) {
	src := m.src
	stride := src.Stride()
	for y := y0; y < y1; y++ {
		sy := float32(float32(y) * m.ratioY)
		iy0 := int(sy)
		iy1 := min(iy0+1, src.Height-1)
		wy := sy - float32(iy0)

		row0 := src.Pix[iy0*stride : (iy0+1)*stride]
		row1 := src.Pix[iy1*stride : (iy1+1)*stride]
		out := dst.Row(y)

		for x := 0; x < dst.Width; x++ {
			sx := float32(float32(x) * m.ratioX)
			ix0 := int(sx)
			ix1 := min(ix0+1, src.Width-1)
			wx := sx - float32(ix0)

			a := ix0 * raster.Channels
			b := ix1 * raster.Channels
			o := x * raster.Channels
			for c := 0; c < raster.Channels; c++ {
				top := lerp(row0[a+c], row0[b+c], wx)
				bottom := lerp(row1[a+c], row1[b+c], wx)
				v := float32(float32((1-wy)*top) + float32(wy*bottom))
				out[o+c] = uint8(v)
			}
		}
	}
}

// lerp blends p and q by w. The conversions keep the compiler from fusing
// the multiply-adds.
func lerp(p, q uint8, w float32) float32 {
	return float32(float32((1-w)*float32(p)) + float32(w*float32(q)))
}
