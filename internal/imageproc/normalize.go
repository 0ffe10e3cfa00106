package imageproc

import "math"

// Normalize converts a contiguous batch of images to float32 with zero mean
// and unit standard deviation per image. Flat images are only centred.
func Normalize(batch []uint8, size Size) []float32 {
	out := make([]float32, len(batch))

	n := size.Pixels()
	if n == 0 {
		return out
	}

	for off := 0; off+n <= len(batch); off += n {
		img := batch[off : off+n]

		var sum float64
		for _, p := range img {
			sum += float64(p)
		}

		mean := sum / float64(n)

		var sq float64
		for _, p := range img {
			d := float64(p) - mean
			sq += d * d
		}

		std := math.Sqrt(sq / float64(n))

		for i, p := range img {
			v := float64(p) - mean
			if std > 0 {
				v /= std
			}

			out[off+i] = float32(v)
		}
	}

	return out
}
