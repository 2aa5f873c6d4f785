package profile

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// Kernel returns a Gaussian smoothing kernel for sigma. The kernel spans
// ceil(4·sigma) samples either side of its centre, follows
// exp(-i²/sigma²)/(sqrt(2π)·sigma), and is rescaled so its values sum to 1.
// sigma <= 0 yields nil, meaning no smoothing.
func Kernel(sigma float64) []float64 {
	if sigma <= 0 {
		return nil
	}
	half := int(math.Ceil(4 * sigma))
	k := make([]float64, 2*half+1)
	scale := 1 / (math.Sqrt(2*math.Pi) * sigma)
	for j := range k {
		i := float64(j - half)
		k[j] = scale * math.Exp(-i*i/(sigma*sigma))
	}
	floats.Scale(1/floats.Sum(k), k)
	return k
}

// Convolve computes the valid-mode convolution of data with kernel: only
// positions where the kernel fully overlaps data, so the result has
// len(data)-len(kernel)+1 samples. A nil kernel returns a copy of data.
func Convolve(data, kernel []float64) []float64 {
	if len(kernel) == 0 {
		return append([]float64(nil), data...)
	}
	n := len(data) - len(kernel) + 1
	if n <= 0 {
		return nil
	}
	rev := make([]float64, len(kernel))
	for i, v := range kernel {
		rev[len(kernel)-1-i] = v
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = floats.Dot(data[i:i+len(rev)], rev)
	}
	return out
}
