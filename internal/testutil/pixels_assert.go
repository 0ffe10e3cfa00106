package testutil

import (
	"math"
	"testing"
)

// AssertImageBatch checks that pix holds exactly rows images of
// height*width pixels.
func AssertImageBatch(tb testing.TB, pix []uint8, rows, height, width int) {
	tb.Helper()

	if want := rows * height * width; len(pix) != want {
		tb.Fatalf("image batch has %d pixels; want %d (%d x %dx%d)", len(pix), want, rows, height, width)
	}
}

// AssertUniform checks that every pixel equals want.
func AssertUniform(tb testing.TB, pix []uint8, want uint8) {
	tb.Helper()

	for i, v := range pix {
		if v != want {
			tb.Fatalf("pixel %d = %d; want %d", i, v, want)
		}
	}
}

// AssertNormalized checks that each consecutive block of n values has mean
// close to zero and standard deviation close to one (or zero for a flat
// block).
func AssertNormalized(tb testing.TB, vals []float32, n int) {
	tb.Helper()

	if n <= 0 || len(vals)%n != 0 {
		tb.Fatalf("normalized batch length %d is not a multiple of %d", len(vals), n)
	}

	for start := 0; start < len(vals); start += n {
		var sum float64
		for _, v := range vals[start : start+n] {
			sum += float64(v)
		}

		mean := sum / float64(n)

		var sq float64
		for _, v := range vals[start : start+n] {
			d := float64(v) - mean
			sq += d * d
		}

		std := math.Sqrt(sq / float64(n))

		if math.Abs(mean) > 1e-3 {
			tb.Fatalf("image %d mean = %g; want 0", start/n, mean)
		}

		if std > 1e-3 && math.Abs(std-1) > 1e-3 {
			tb.Fatalf("image %d std = %g; want 1", start/n, std)
		}
	}
}
