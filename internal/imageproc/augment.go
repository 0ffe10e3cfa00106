package imageproc

import (
	"math"
	"math/rand/v2"

	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
)

// Jitter bounds the random affine transform applied to training batches.
// Rotation is in degrees; Scale, HeightShift and WidthShift are fractions.
type Jitter struct {
	Rotation    float64
	Scale       float64
	HeightShift float64
	WidthShift  float64
}

// DefaultJitter matches the ranges the HTR models were trained with.
var DefaultJitter = Jitter{
	Rotation:    1.5,
	Scale:       0.05,
	HeightShift: 0.025,
	WidthShift:  0.05,
}

// IsZero reports whether no augmentation would be applied.
func (j Jitter) IsZero() bool {
	return j == Jitter{}
}

// Affine draws one random transform from rng. The draw order is fixed so a
// seeded rng always yields the same transform.
func (j Jitter) Affine(size Size, rng *rand.Rand) f64.Aff3 {
	heightShift := uniform(rng, -j.HeightShift, j.HeightShift)
	rotation := uniform(rng, -j.Rotation, j.Rotation)
	scale := uniform(rng, 1-j.Scale, 1)
	widthShift := uniform(rng, -j.WidthShift, j.WidthShift)

	w, h := float64(size.Width), float64(size.Height)
	dx, dy := widthShift*w, heightShift*h

	// Rotation about the image centre (positive angle = counter-clockwise),
	// composed after the translation.
	cx, cy := float64(size.Width/2), float64(size.Height/2)
	rad := rotation * math.Pi / 180
	alpha := scale * math.Cos(rad)
	beta := scale * math.Sin(rad)
	tx := (1-alpha)*cx - beta*cy
	ty := beta*cx + (1-alpha)*cy

	return f64.Aff3{
		alpha, beta, alpha*dx + beta*dy + tx,
		-beta, alpha, -beta*dx + alpha*dy + ty,
	}
}

// Augment applies one random affine transform, drawn from rng, to every
// image of the contiguous batch in place. Uncovered pixels become white.
func Augment(batch []uint8, size Size, j Jitter, rng *rand.Rand) {
	n := size.Pixels()
	if n == 0 || len(batch) < n || j.IsZero() {
		return
	}

	m := j.Affine(size, rng)
	src := make([]uint8, n)

	for off := 0; off+n <= len(batch); off += n {
		dst := batch[off : off+n]
		copy(src, dst)
		fill(dst, Background)

		srcImg := view(src, size)
		draw.NearestNeighbor.Transform(view(dst, size), m, srcImg, srcImg.Bounds(), draw.Src, nil)
	}
}

func uniform(rng *rand.Rand, lo, hi float64) float64 {
	return lo + (hi-lo)*rng.Float64()
}
