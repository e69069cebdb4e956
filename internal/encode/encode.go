// Package encode serializes RGB grids into the delimited pixel text format:
//
//	Image Data (RGB):\n
//	14,0,0,<row>,<col>,<R>+<G>+<B>+2+0;14,0,0,...???
//
// Rows are emitted top to bottom but labelled bottom-up (row = Height-1-y),
// records are separated by ';' with none after the last, and the blob ends
// with "???".
package encode

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/Jesssullivan/pixtext/internal/raster"
)

const (
	Header     = "Image Data (RGB):\n"
	Terminator = "???"

	recordPrefix = "14,0,0,"
	recordSuffix = "+2+0"
	separator    = ';'
)

// ErrMalformed is returned by Parse for input that does not follow the format.
var ErrMalformed = errors.New("encode: malformed pixel text")

// Write streams the encoding of g to w and returns the number of bytes
// written.
func Write(w io.Writer, g *raster.Grid) (int64, error) {
	if err := g.Validate(); err != nil {
		return 0, fmt.Errorf("encode: %w", err)
	}

	bw := bufio.NewWriterSize(w, 64<<10)
	cw := &countingWriter{w: bw}

	cw.writeString(Header)
	buf := make([]byte, 0, 64)
	for y := 0; y < g.Height; y++ {
		row := g.Row(y)
		label := g.Height - 1 - y
		for x := 0; x < g.Width; x++ {
			o := x * raster.Channels
			buf = appendRecord(buf[:0], label, x, row[o:o+raster.Channels])
			if y != g.Height-1 || x != g.Width-1 {
				buf = append(buf, separator)
			}
			cw.write(buf)
		}
	}
	cw.writeString(Terminator)

	if cw.err != nil {
		return cw.n, fmt.Errorf("encode: write: %w", cw.err)
	}
	if err := bw.Flush(); err != nil {
		return cw.n, fmt.Errorf("encode: flush: %w", err)
	}
	return cw.n, nil
}

// Encode returns the full encoding of g.
func Encode(g *raster.Grid) ([]byte, error) {
	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	var buf bytes.Buffer
	buf.Grow(Len(g))
	if _, err := Write(&buf, g); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Len returns the exact length Encode would produce for g, without building
// the text.
func Len(g *raster.Grid) int {
	n := len(Header) + len(Terminator)
	records := g.Width * g.Height
	if records == 0 {
		return n
	}
	n += records * (len(recordPrefix) + len(recordSuffix) + 4) // four fixed ',' / '+' joints
	n += records - 1                                           // separators

	// Column digits repeat once per row, row digits once per column.
	var cols int
	for x := 0; x < g.Width; x++ {
		cols += digits(x)
	}
	n += cols * g.Height
	for y := 0; y < g.Height; y++ {
		n += digits(y) * g.Width
	}
	for _, v := range g.Pix {
		n += digits(int(v))
	}
	return n
}

func appendRecord(buf []byte, row, col int, rgb []uint8) []byte {
	buf = append(buf, recordPrefix...)
	buf = strconv.AppendInt(buf, int64(row), 10)
	buf = append(buf, ',')
	buf = strconv.AppendInt(buf, int64(col), 10)
	buf = append(buf, ',')
	buf = strconv.AppendUint(buf, uint64(rgb[0]), 10)
	buf = append(buf, '+')
	buf = strconv.AppendUint(buf, uint64(rgb[1]), 10)
	buf = append(buf, '+')
	buf = strconv.AppendUint(buf, uint64(rgb[2]), 10)
	return append(buf, recordSuffix...)
}

func digits(v int) int {
	n := 1
	for v >= 10 {
		v /= 10
		n++
	}
	return n
}

// countingWriter remembers the first error so the encoding loop stays flat.
type countingWriter struct {
	w   *bufio.Writer
	n   int64
	err error
}

func (c *countingWriter) write(p []byte) {
	if c.err != nil {
		return
	}
	n, err := c.w.Write(p)
	c.n += int64(n)
	c.err = err
}

func (c *countingWriter) writeString(s string) {
	if c.err != nil {
		return
	}
	n, err := c.w.WriteString(s)
	c.n += int64(n)
	c.err = err
}
