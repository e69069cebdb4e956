// Package raster holds the in-memory RGB pixel grid shared by the decoder,
// resampler and encoder. Pixels are 8 bits per channel, interleaved R,G,B,
// row-major with no row padding.
package raster

import (
	"errors"
	"fmt"
)

// Channels is the number of interleaved samples per pixel.
const Channels = 3

// ErrInvalidDimensions is returned for any zero or negative width or height.
var ErrInvalidDimensions = errors.New("invalid dimensions")

// Dimensions is a width/height pair in pixels.
type Dimensions struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Validate reports ErrInvalidDimensions unless both sides are positive.
func (d Dimensions) Validate() error {
	if d.Width <= 0 || d.Height <= 0 {
		return fmt.Errorf("%w: %dx%d", ErrInvalidDimensions, d.Width, d.Height)
	}
	return nil
}

// Pixels returns Width*Height.
func (d Dimensions) Pixels() int {
	return d.Width * d.Height
}

func (d Dimensions) String() string {
	return fmt.Sprintf("%dx%d", d.Width, d.Height)
}

// Grid is a normalized RGB raster. A Grid is not mutated after the producer
// that built it returns it.
type Grid struct {
	Width  int
	Height int
	// Pix holds Height rows of Stride bytes each.
	Pix []uint8
}

// New allocates a zeroed grid of the given size.
func New(d Dimensions) (*Grid, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &Grid{
		Width:  d.Width,
		Height: d.Height,
		Pix:    make([]uint8, d.Width*d.Height*Channels),
	}, nil
}

// FromRows builds a grid from per-row RGB slices. Every row must have the
// same length, a positive multiple of three.
func FromRows(rows [][]uint8) (*Grid, error) {
	if len(rows) == 0 || len(rows[0]) == 0 || len(rows[0])%Channels != 0 {
		return nil, fmt.Errorf("raster: %w: bad row shape", ErrInvalidDimensions)
	}
	g, err := New(Dimensions{Width: len(rows[0]) / Channels, Height: len(rows)})
	if err != nil {
		return nil, err
	}
	stride := g.Stride()
	for y, row := range rows {
		if len(row) != stride {
			return nil, fmt.Errorf("raster: row %d has %d bytes, want %d", y, len(row), stride)
		}
		copy(g.Pix[y*stride:], row)
	}
	return g, nil
}

// Dimensions returns the grid size.
func (g *Grid) Dimensions() Dimensions {
	return Dimensions{Width: g.Width, Height: g.Height}
}

// Stride is the byte length of one row.
func (g *Grid) Stride() int {
	return g.Width * Channels
}

// Row returns row y as a slice into Pix.
func (g *Grid) Row(y int) []uint8 {
	s := g.Stride()
	return g.Pix[y*s : (y+1)*s : (y+1)*s]
}

// RGB returns the pixel at (x, y).
func (g *Grid) RGB(x, y int) (r, gr, b uint8) {
	i := y*g.Stride() + x*Channels
	return g.Pix[i], g.Pix[i+1], g.Pix[i+2]
}

// SetRGB writes the pixel at (x, y). Only the producer of a grid calls it.
func (g *Grid) SetRGB(x, y int, r, gr, b uint8) {
	i := y*g.Stride() + x*Channels
	g.Pix[i] = r
	g.Pix[i+1] = gr
	g.Pix[i+2] = b
}

// Validate checks that Pix matches the declared shape.
func (g *Grid) Validate() error {
	if g == nil {
		return fmt.Errorf("raster: nil grid")
	}
	if err := g.Dimensions().Validate(); err != nil {
		return err
	}
	if want := g.Width * g.Height * Channels; len(g.Pix) != want {
		return fmt.Errorf("raster: pixel buffer is %d bytes, want %d", len(g.Pix), want)
	}
	return nil
}
