// Package decode turns encoded images into normalized RGB grids.
//
// Whatever the source format, the output is three 8-bit channels per pixel:
// palettes are expanded, 16-bit samples keep their high byte, alpha is
// dropped without premultiplying, and a gamma correction is applied using
// the PNG gAMA chunk when present (file gamma 1.0 otherwise).
package decode

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/Jesssullivan/pixtext/internal/logs"
	"github.com/Jesssullivan/pixtext/internal/raster"
	"github.com/chai2010/webp"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

const (
	// DefaultScreenGamma is the display gamma the correction targets.
	DefaultScreenGamma = 1.5
	// DefaultMaxSourcePixels bounds the raster a source may declare.
	DefaultMaxSourcePixels = 40_000_000
)

var (
	// ErrUnsupported is returned when no decoder accepts the data.
	ErrUnsupported = errors.New("decode: unsupported image format")
	// ErrTooLarge is returned when the header declares more pixels than
	// Options.MaxSourcePixels allows.
	ErrTooLarge = errors.New("decode: image too large")
)

// Options controls normalization.
type Options struct {
	// ScreenGamma is the target display gamma. Zero or negative disables
	// gamma correction.
	ScreenGamma float64
	// MaxSourcePixels rejects sources whose header declares more pixels,
	// before any pixel data is decoded. Zero means no cap.
	MaxSourcePixels int
}

// DefaultOptions returns options using DefaultScreenGamma and
// DefaultMaxSourcePixels.
func DefaultOptions() Options {
	return Options{
		ScreenGamma:     DefaultScreenGamma,
		MaxSourcePixels: DefaultMaxSourcePixels,
	}
}

// Info describes the decoded source.
type Info struct {
	Format     string
	Dimensions raster.Dimensions
	// FileGamma is the gAMA value, or 1.0 when the file has none.
	FileGamma float64
	HasGamma  bool
}

// Decode decodes data and normalizes it to RGB.
func Decode(data []byte, opts Options) (*raster.Grid, *Info, error) {
	// Size the image from its header so a small compressed file cannot
	// make us allocate an enormous raster.
	cfg, err := decodeConfig(data)
	if err != nil {
		return nil, nil, err
	}
	declared := raster.Dimensions{Width: cfg.Width, Height: cfg.Height}
	if err := declared.Validate(); err != nil {
		return nil, nil, fmt.Errorf("decode: %w", err)
	}
	if opts.MaxSourcePixels > 0 && declared.Pixels() > opts.MaxSourcePixels {
		return nil, nil, fmt.Errorf("%w: %v exceeds %d pixels", ErrTooLarge, declared, opts.MaxSourcePixels)
	}

	img, format, err := decodeImage(data)
	if err != nil {
		return nil, nil, err
	}

	b := img.Bounds()
	info := &Info{
		Format:     format,
		Dimensions: raster.Dimensions{Width: b.Dx(), Height: b.Dy()},
		FileGamma:  1.0,
	}
	if err := info.Dimensions.Validate(); err != nil {
		return nil, nil, fmt.Errorf("decode: %w", err)
	}

	if format == "png" {
		if g, ok := pngGamma(data); ok {
			info.FileGamma, info.HasGamma = g, true
		} else {
			logs.V("decode: gAMA chunk not found, using default gamma correction")
		}
	}

	grid, err := raster.New(info.Dimensions)
	if err != nil {
		return nil, nil, err
	}
	toRGB(grid, img)

	if opts.ScreenGamma > 0 {
		if lut, ok := gammaTable(info.FileGamma, opts.ScreenGamma); ok {
			for i, v := range grid.Pix {
				grid.Pix[i] = lut[v]
			}
		}
	}
	return grid, info, nil
}

// decodeConfig reads only the image header.
func decodeConfig(data []byte) (image.Config, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err == nil {
		return cfg, nil
	}
	if cfg, err = webp.DecodeConfig(bytes.NewReader(data)); err == nil {
		return cfg, nil
	}
	return image.Config{}, ErrUnsupported
}

// decodeImage decodes with the registered formats (png, jpeg, gif, bmp,
// tiff, and webp via x/image), then falls back to libwebp for the extended
// WebP variants x/image rejects.
func decodeImage(data []byte) (image.Image, string, error) {
	if img, format, err := image.Decode(bytes.NewReader(data)); err == nil {
		return img, format, nil
	}
	if img, err := webp.Decode(bytes.NewReader(data)); err == nil {
		return img, "webp", nil
	}
	return nil, "", ErrUnsupported
}

// toRGB copies img into dst, dropping alpha.
func toRGB(dst *raster.Grid, img image.Image) {
	b := img.Bounds()
	switch src := img.(type) {
	case *image.NRGBA:
		for y := 0; y < dst.Height; y++ {
			row := src.Pix[src.PixOffset(b.Min.X, b.Min.Y+y):]
			out := dst.Row(y)
			for x := 0; x < dst.Width; x++ {
				copy(out[x*3:x*3+3], row[x*4:x*4+3])
			}
		}
	case *image.Paletted:
		pal := make([][3]uint8, len(src.Palette))
		for i, c := range src.Palette {
			pal[i] = rgb8(c)
		}
		for y := 0; y < dst.Height; y++ {
			row := src.Pix[src.PixOffset(b.Min.X, b.Min.Y+y):]
			out := dst.Row(y)
			for x := 0; x < dst.Width; x++ {
				var p [3]uint8
				if idx := int(row[x]); idx < len(pal) {
					p = pal[idx]
				}
				copy(out[x*3:x*3+3], p[:])
			}
		}
	default:
		for y := 0; y < dst.Height; y++ {
			out := dst.Row(y)
			for x := 0; x < dst.Width; x++ {
				p := rgb8(img.At(b.Min.X+x, b.Min.Y+y))
				copy(out[x*3:x*3+3], p[:])
			}
		}
	}
}

// rgb8 returns the un-premultiplied color channels, high byte of each
// 16-bit sample.
func rgb8(c color.Color) [3]uint8 {
	n := color.NRGBA64Model.Convert(c).(color.NRGBA64)
	return [3]uint8{uint8(n.R >> 8), uint8(n.G >> 8), uint8(n.B >> 8)}
}
