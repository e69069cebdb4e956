package encode

import (
	"bytes"
	"fmt"
	"io"
	"strconv"

	"github.com/Jesssullivan/pixtext/internal/raster"
)

// Parse reads pixel text produced by Write back into a grid. Records must
// appear in the order Write emits them.
func Parse(r io.Reader) (*raster.Grid, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("encode: read: %w", err)
	}
	if !bytes.HasPrefix(data, []byte(Header)) {
		return nil, fmt.Errorf("%w: missing header", ErrMalformed)
	}
	if !bytes.HasSuffix(data, []byte(Terminator)) {
		return nil, fmt.Errorf("%w: missing terminator", ErrMalformed)
	}
	body := data[len(Header) : len(data)-len(Terminator)]
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: no records", ErrMalformed)
	}

	records := bytes.Split(body, []byte{separator})
	first, err := parseRecord(records[0])
	if err != nil {
		return nil, fmt.Errorf("%w: record 0: %v", ErrMalformed, err)
	}
	height := first.row + 1
	if len(records)%height != 0 {
		return nil, fmt.Errorf("%w: %d records do not fill %d rows", ErrMalformed, len(records), height)
	}
	g, err := raster.New(raster.Dimensions{Width: len(records) / height, Height: height})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	for i, rec := range records {
		p, err := parseRecord(rec)
		if err != nil {
			return nil, fmt.Errorf("%w: record %d: %v", ErrMalformed, i, err)
		}
		y, x := i/g.Width, i%g.Width
		if p.row != g.Height-1-y || p.col != x {
			return nil, fmt.Errorf("%w: record %d at (%d,%d), want (%d,%d)",
				ErrMalformed, i, p.row, p.col, g.Height-1-y, x)
		}
		g.SetRGB(x, y, p.rgb[0], p.rgb[1], p.rgb[2])
	}
	return g, nil
}

type record struct {
	row, col int
	rgb      [3]uint8
}

func parseRecord(b []byte) (record, error) {
	var rec record
	if !bytes.HasPrefix(b, []byte(recordPrefix)) {
		return rec, fmt.Errorf("bad prefix %q", b)
	}
	fields := bytes.Split(b[len(recordPrefix):], []byte{','})
	if len(fields) != 3 {
		return rec, fmt.Errorf("want 3 fields after prefix, got %d", len(fields))
	}
	var err error
	if rec.row, err = strconv.Atoi(string(fields[0])); err != nil || rec.row < 0 {
		return rec, fmt.Errorf("bad row %q", fields[0])
	}
	if rec.col, err = strconv.Atoi(string(fields[1])); err != nil || rec.col < 0 {
		return rec, fmt.Errorf("bad column %q", fields[1])
	}

	color, ok := bytes.CutSuffix(fields[2], []byte(recordSuffix))
	if !ok {
		return rec, fmt.Errorf("bad suffix %q", fields[2])
	}
	parts := bytes.Split(color, []byte{'+'})
	if len(parts) != 3 {
		return rec, fmt.Errorf("want 3 channels, got %d", len(parts))
	}
	for i, p := range parts {
		v, err := strconv.ParseUint(string(p), 10, 8)
		if err != nil {
			return rec, fmt.Errorf("bad channel %q", p)
		}
		rec.rgb[i] = uint8(v)
	}
	return rec, nil
}
