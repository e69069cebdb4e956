// Package plan picks the resampling scale factor that keeps an encoded
// image inside a fixed character budget.
//
// The estimate assumes every pixel costs a flat number of characters, so the
// pixel allowance is Budget/CharsPerPixel and the linear factor is the square
// root of the allowed-to-actual pixel ratio, scaled by Margin. A single
// corrective pass shrinks the factor again when the truncated target size
// still overshoots. The result is an estimate; callers that need a hard
// ceiling must measure the encoded output.
package plan

import (
	"errors"
	"fmt"
	"math"

	"github.com/Jesssullivan/pixtext/internal/logs"
	"github.com/Jesssullivan/pixtext/internal/raster"
)

// Defaults matching the text format's typical record length.
const (
	DefaultBudget        = 190000
	DefaultCharsPerPixel = 25
	DefaultMargin        = 0.95
)

// ErrBadConfig is returned for a budget, cost or margin that cannot produce
// a positive scale factor.
var ErrBadConfig = errors.New("plan: bad config")

// Config is the sizing configuration for one conversion.
type Config struct {
	// Budget is the maximum encoded size in characters.
	Budget int
	// CharsPerPixel is the assumed serialized cost of one pixel.
	CharsPerPixel int
	// Margin scales the closed-form estimate. Values below 1 leave room for
	// records longer than CharsPerPixel.
	Margin float32
}

// DefaultConfig returns the stock 190000-character configuration.
func DefaultConfig() Config {
	return Config{
		Budget:        DefaultBudget,
		CharsPerPixel: DefaultCharsPerPixel,
		Margin:        DefaultMargin,
	}
}

// Validate checks that the configuration allows at least one pixel.
func (c Config) Validate() error {
	switch {
	case c.CharsPerPixel <= 0:
		return fmt.Errorf("%w: chars per pixel %d", ErrBadConfig, c.CharsPerPixel)
	case c.Budget < c.CharsPerPixel:
		return fmt.Errorf("%w: budget %d below one pixel (%d)", ErrBadConfig, c.Budget, c.CharsPerPixel)
	case !(c.Margin > 0) || math.IsInf(float64(c.Margin), 0):
		return fmt.Errorf("%w: margin %v", ErrBadConfig, c.Margin)
	}
	return nil
}

// Scale returns the largest factor in (0, 1] whose estimated encoded size
// fits c.Budget, using the closed-form estimate and one corrective pass.
func Scale(src raster.Dimensions, c Config) (float32, error) {
	if err := src.Validate(); err != nil {
		return 0, fmt.Errorf("plan: source: %w", err)
	}
	if err := c.Validate(); err != nil {
		return 0, err
	}

	maxPixels := c.Budget / c.CharsPerPixel
	ratio := float32(maxPixels) / float32(src.Pixels())
	factor := float32(sqrt32(ratio) * c.Margin)

	// Never upsample.
	if factor > 1 {
		factor = 1
	}

	estimated := EstimateAt(src, factor, c)
	if estimated > c.Budget {
		logs.V("plan: %v estimated at %d chars, adjusting scale factor to fit within %d", src, estimated, c.Budget)
		factor = Shrink(factor, c.Budget, estimated)
	}
	return factor, nil
}

// Shrink scales factor down by the square root of budget/measured. Pixel
// count, and so output size, grows with the square of the linear factor.
func Shrink(factor float32, budget, measured int) float32 {
	if measured <= budget || measured <= 0 {
		return factor
	}
	return float32(factor * sqrt32(float32(budget)/float32(measured)))
}

// Target applies factor to both sides of src, truncating toward zero. A
// side that truncates to zero is reported as ErrInvalidDimensions.
func Target(src raster.Dimensions, factor float32) (raster.Dimensions, error) {
	d := raster.Dimensions{
		Width:  int(float32(float32(src.Width) * factor)),
		Height: int(float32(float32(src.Height) * factor)),
	}
	if err := d.Validate(); err != nil {
		return raster.Dimensions{}, fmt.Errorf("plan: %v at factor %v: %w", src, factor, err)
	}
	return d, nil
}

// Estimate is the flat-cost encoded size of a grid of size d.
func Estimate(d raster.Dimensions, c Config) int {
	return d.Pixels() * c.CharsPerPixel
}

// EstimateAt is Estimate for src scaled by factor.
func EstimateAt(src raster.Dimensions, factor float32, c Config) int {
	w := int(float32(float32(src.Width) * factor))
	h := int(float32(float32(src.Height) * factor))
	return w * h * c.CharsPerPixel
}

func sqrt32(v float32) float32 {
	return float32(math.Sqrt(float64(v)))
}
