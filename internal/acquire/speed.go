package acquire

import (
	"math"
	"sort"
)

// RobustSpeed estimates how fast the stream still moves: the median of
// |x[i+K] - x[i]| over the W most recent pairs, K = stride and W = window
// clamped to what the buffer holds. It returns +Inf when no pair exists.
func RobustSpeed(samples []float64, window, stride int) float64 {
	n := len(samples)
	k := min(stride, max(1, n-1))
	k = max(1, k)
	w := min(window, n-k)
	if w <= 0 {
		return math.Inf(1)
	}

	deltas := make([]float64, 0, w)
	for i := n - k - w; i < n-k; i++ {
		deltas = append(deltas, math.Abs(samples[i+k]-samples[i]))
	}
	return median(deltas)
}

// median averages the two middle values of an even-length slice. It sorts
// xs in place.
func median(xs []float64) float64 {
	sort.Float64s(xs)
	mid := len(xs) / 2
	if len(xs)%2 == 1 {
		return xs[mid]
	}
	return 0.5 * (xs[mid-1] + xs[mid])
}

func (r *ring) speed(window, stride int) float64 {
	samples := make([]float64, r.len())
	for i := range samples {
		samples[i] = r.at(i)
	}
	return RobustSpeed(samples, window, stride)
}
