// Package convert runs the full image-to-pixel-text pipeline: decode, plan a
// scale factor against the character budget, resample, encode.
package convert

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/Jesssullivan/pixtext/internal/decode"
	"github.com/Jesssullivan/pixtext/internal/encode"
	"github.com/Jesssullivan/pixtext/internal/logs"
	"github.com/Jesssullivan/pixtext/internal/plan"
	"github.com/Jesssullivan/pixtext/internal/raster"
	"github.com/Jesssullivan/pixtext/internal/resample"
	"github.com/Jesssullivan/pixtext/internal/store"
)

var (
	// ErrSourceUnreadable means the input could not be read or decoded.
	ErrSourceUnreadable = errors.New("source unreadable")
	// ErrOutputUnwritable means the destination could not be written.
	ErrOutputUnwritable = errors.New("output unwritable")
	// ErrBudgetExceeded means the encoded text is longer than the budget.
	ErrBudgetExceeded = errors.New("budget exceeded")
)

// Fit selects what happens when the measured encoding overshoots the
// budget after planning.
type Fit int

const (
	// FitEstimate trusts the planner and logs a warning on overshoot.
	FitEstimate Fit = iota
	// FitStrict fails with ErrBudgetExceeded on overshoot.
	FitStrict
	// FitShrink keeps shrinking and resampling until the text fits.
	FitShrink
)

// maxShrinkRounds bounds FitShrink.
const maxShrinkRounds = 8

func (f Fit) String() string {
	switch f {
	case FitStrict:
		return "strict"
	case FitShrink:
		return "shrink"
	default:
		return "estimate"
	}
}

// ParseFit maps "estimate", "strict" or "shrink" to a Fit.
func ParseFit(s string) (Fit, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "estimate":
		return FitEstimate, nil
	case "strict":
		return FitStrict, nil
	case "shrink":
		return FitShrink, nil
	}
	return FitEstimate, fmt.Errorf("convert: unknown fit mode %q", s)
}

// Options configures one conversion.
type Options struct {
	Plan   plan.Config
	Decode decode.Options
	Fit    Fit
	// Workers is the resampling parallelism. 1 resamples serially; zero or
	// less uses GOMAXPROCS.
	Workers int
	// MaxSourceBytes caps how much input is read. Zero means no cap.
	MaxSourceBytes int64
}

// DefaultOptions returns the stock budget, gamma and fit settings.
func DefaultOptions() Options {
	return Options{
		Plan:    plan.DefaultConfig(),
		Decode:  decode.DefaultOptions(),
		Fit:     FitEstimate,
		Workers: 1,
	}
}

// Result is a finished conversion.
type Result struct {
	Text   []byte
	Grid   *raster.Grid
	Format string
	Source raster.Dimensions
	Target raster.Dimensions
	Factor float32
	// Rounds counts resampling passes; above 1 only under FitShrink.
	Rounds int
}

// Convert reads an encoded image from r and converts it.
func Convert(ctx context.Context, r io.Reader, opts Options) (*Result, error) {
	if opts.MaxSourceBytes > 0 {
		r = io.LimitReader(r, opts.MaxSourceBytes+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("convert: read: %w: %w", ErrSourceUnreadable, err)
	}
	if opts.MaxSourceBytes > 0 && int64(len(data)) > opts.MaxSourceBytes {
		return nil, fmt.Errorf("convert: %w: source larger than %d bytes", ErrSourceUnreadable, opts.MaxSourceBytes)
	}
	return ConvertBytes(ctx, data, opts)
}

// ConvertBytes converts an in-memory encoded image.
func ConvertBytes(ctx context.Context, data []byte, opts Options) (*Result, error) {
	src, info, err := decode.Decode(data, opts.Decode)
	if err != nil {
		return nil, fmt.Errorf("convert: decode: %w: %w", ErrSourceUnreadable, err)
	}
	logs.V("convert: decoded %s %v (gamma %v)", info.Format, info.Dimensions, info.FileGamma)

	res, err := ConvertGrid(ctx, src, opts)
	if err != nil {
		return nil, err
	}
	res.Format = info.Format
	return res, nil
}

// ConvertGrid converts an already-normalized grid.
func ConvertGrid(ctx context.Context, src *raster.Grid, opts Options) (*Result, error) {
	if err := src.Validate(); err != nil {
		return nil, fmt.Errorf("convert: %w", err)
	}
	factor, err := plan.Scale(src.Dimensions(), opts.Plan)
	if err != nil {
		return nil, fmt.Errorf("convert: %w", err)
	}

	res := &Result{Source: src.Dimensions()}
	budget := opts.Plan.Budget
	for {
		target, err := plan.Target(res.Source, factor)
		if err != nil {
			return nil, fmt.Errorf("convert: %w", err)
		}
		grid, err := resampleGrid(ctx, src, target, opts.Workers)
		if err != nil {
			return nil, fmt.Errorf("convert: %w", err)
		}
		res.Rounds++
		res.Grid, res.Target, res.Factor = grid, target, factor

		size := encode.Len(grid)
		logs.V("convert: round %d: %v -> %v at %v, %d chars", res.Rounds, res.Source, target, factor, size)
		if size <= budget {
			break
		}

		switch opts.Fit {
		case FitStrict:
			return nil, fmt.Errorf("convert: %w: %d chars, budget %d", ErrBudgetExceeded, size, budget)
		case FitShrink:
			if res.Rounds >= maxShrinkRounds {
				return nil, fmt.Errorf("convert: %w: %d chars after %d rounds, budget %d",
					ErrBudgetExceeded, size, res.Rounds, budget)
			}
			factor = plan.Shrink(factor, budget, size)
			continue
		default:
			log.Printf("convert: encoded size %d exceeds budget %d (estimate only)", size, budget)
		}
		break
	}

	text, err := encode.Encode(res.Grid)
	if err != nil {
		return nil, fmt.Errorf("convert: %w", err)
	}
	res.Text = text
	return res, nil
}

func resampleGrid(ctx context.Context, src *raster.Grid, target raster.Dimensions, workers int) (*raster.Grid, error) {
	if workers == 1 {
		return resample.Bilinear(src, target)
	}
	return resample.BilinearParallel(ctx, src, target, workers)
}

// ConvertFile converts the image at in and writes the text to out. The
// output file only appears once the full text has been written.
func ConvertFile(ctx context.Context, in, out string, opts Options) (*Result, error) {
	f, err := os.Open(in)
	if err != nil {
		return nil, fmt.Errorf("convert: open: %w: %w", ErrSourceUnreadable, err)
	}
	defer f.Close()

	res, err := Convert(ctx, f, opts)
	if err != nil {
		return nil, err
	}
	if err := store.WriteFileAtomic(out, res.Text, 0o644); err != nil {
		return nil, fmt.Errorf("convert: write %s: %w: %w", out, ErrOutputUnwritable, err)
	}
	return res, nil
}

// WriteTo copies the result text to w.
func (r *Result) WriteTo(w io.Writer) (int64, error) {
	return bytes.NewReader(r.Text).WriteTo(w)
}

// Key identifies the conversion of data under opts: the same bytes at the
// same budget, cost, margin, gamma and fit mode produce the same key.
func Key(data []byte, opts Options) string {
	h := sha256.New()
	h.Write(data)
	fmt.Fprintf(h, "|%d|%d|%g|%g|%s", opts.Plan.Budget, opts.Plan.CharsPerPixel,
		opts.Plan.Margin, opts.Decode.ScreenGamma, opts.Fit)
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:16])
}
