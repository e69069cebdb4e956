package plan

import (
	"errors"
	"math"
	"testing"

	"github.com/Jesssullivan/pixtext/internal/raster"
)

func TestScale_Square1000(t *testing.T) {
	src := raster.Dimensions{Width: 1000, Height: 1000}
	f, err := Scale(src, DefaultConfig())
	if err != nil {
		t.Fatalf("Scale: %v", err)
	}
	if f > 1 || f <= 0 {
		t.Fatalf("factor = %v, want (0, 1]", f)
	}
	side := int(float32(1000 * f))
	if side*side*25 > 190000 {
		t.Fatalf("%d^2*25 = %d exceeds 190000", side, side*side*25)
	}
	if side != 82 {
		t.Fatalf("side = %d, want 82", side)
	}
}

func TestScale_AreaLaw(t *testing.T) {
	src := raster.Dimensions{Width: 4000, Height: 3000}
	c := DefaultConfig()

	f1, err := Scale(src, c)
	if err != nil {
		t.Fatalf("Scale: %v", err)
	}
	c.Budget *= 2
	f2, err := Scale(src, c)
	if err != nil {
		t.Fatalf("Scale (2x budget): %v", err)
	}

	ratio := float64(f2 / f1)
	if math.Abs(ratio-math.Sqrt2) > 1e-3 {
		t.Fatalf("factor ratio = %v, want ~%v", ratio, math.Sqrt2)
	}
}

func TestScale_NeverUpsamples(t *testing.T) {
	sizes := []int{1, 2, 3, 10, 57, 87, 100, 640, 1920, 10000}
	budgets := []int{25, 100, 190000, 1 << 24}
	for _, w := range sizes {
		for _, h := range sizes {
			for _, b := range budgets {
				c := DefaultConfig()
				c.Budget = b
				f, err := Scale(raster.Dimensions{Width: w, Height: h}, c)
				if err != nil {
					t.Fatalf("Scale(%dx%d, %d): %v", w, h, b, err)
				}
				if f > 1 || f <= 0 {
					t.Fatalf("Scale(%dx%d, %d) = %v, want (0, 1]", w, h, b, f)
				}
			}
		}
	}
}

func TestScale_SmallImageKeepsSize(t *testing.T) {
	src := raster.Dimensions{Width: 40, Height: 30}
	f, err := Scale(src, DefaultConfig())
	if err != nil {
		t.Fatalf("Scale: %v", err)
	}
	if f != 1 {
		t.Fatalf("factor = %v, want 1", f)
	}
	d, err := Target(src, f)
	if err != nil {
		t.Fatalf("Target: %v", err)
	}
	if d != src {
		t.Fatalf("target = %v, want %v", d, src)
	}
}

func TestScale_OneByOne(t *testing.T) {
	src := raster.Dimensions{Width: 1, Height: 1}
	f, err := Scale(src, DefaultConfig())
	if err != nil {
		t.Fatalf("Scale: %v", err)
	}
	d, err := Target(src, f)
	if err != nil {
		t.Fatalf("Target: %v", err)
	}
	if d.Width != 1 || d.Height != 1 {
		t.Fatalf("target = %v, want 1x1", d)
	}
}

func TestScale_CorrectivePass(t *testing.T) {
	// A margin above 1 overshoots on purpose: 104x104 first, then one
	// shrink to 87x87.
	c := Config{Budget: 190000, CharsPerPixel: 25, Margin: 1.2}
	src := raster.Dimensions{Width: 1000, Height: 1000}

	f, err := Scale(src, c)
	if err != nil {
		t.Fatalf("Scale: %v", err)
	}
	d, err := Target(src, f)
	if err != nil {
		t.Fatalf("Target: %v", err)
	}
	if d.Width != 87 || d.Height != 87 {
		t.Fatalf("target = %v, want 87x87", d)
	}
	if got := Estimate(d, c); got > c.Budget {
		t.Fatalf("estimate %d exceeds budget %d", got, c.Budget)
	}
}

func TestScale_InvalidSource(t *testing.T) {
	for _, d := range []raster.Dimensions{{0, 10}, {10, 0}, {-1, -1}} {
		if _, err := Scale(d, DefaultConfig()); !errors.Is(err, raster.ErrInvalidDimensions) {
			t.Fatalf("Scale(%v) err = %v, want ErrInvalidDimensions", d, err)
		}
	}
}

func TestScale_BadConfig(t *testing.T) {
	src := raster.Dimensions{Width: 10, Height: 10}
	for _, c := range []Config{
		{Budget: 190000, CharsPerPixel: 0, Margin: 0.95},
		{Budget: 10, CharsPerPixel: 25, Margin: 0.95},
		{Budget: 190000, CharsPerPixel: 25, Margin: 0},
		{Budget: 190000, CharsPerPixel: 25, Margin: float32(math.NaN())},
	} {
		if _, err := Scale(src, c); !errors.Is(err, ErrBadConfig) {
			t.Fatalf("Scale(%+v) err = %v, want ErrBadConfig", c, err)
		}
	}
}

func TestTarget_DegenerateSide(t *testing.T) {
	// A very thin strip truncates its short side to zero.
	src := raster.Dimensions{Width: 1, Height: 1000000}
	f, err := Scale(src, DefaultConfig())
	if err != nil {
		t.Fatalf("Scale: %v", err)
	}
	if _, err := Target(src, f); !errors.Is(err, raster.ErrInvalidDimensions) {
		t.Fatalf("Target err = %v, want ErrInvalidDimensions", err)
	}
}

func TestShrink(t *testing.T) {
	if got := Shrink(0.5, 100, 100); got != 0.5 {
		t.Fatalf("Shrink at budget = %v, want 0.5", got)
	}
	got := Shrink(0.5, 100, 400)
	if math.Abs(float64(got)-0.25) > 1e-6 {
		t.Fatalf("Shrink(0.5, 100, 400) = %v, want 0.25", got)
	}
}
