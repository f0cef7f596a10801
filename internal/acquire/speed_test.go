package acquire

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRobustSpeed(t *testing.T) {
	tests := []struct {
		name    string
		samples []float64
		window  int
		stride  int
		want    float64
	}{
		{"empty", nil, 4, 1, math.Inf(1)},
		{"single sample", []float64{1}, 4, 1, math.Inf(1)},
		{"spike ignored by median", []float64{0, 0, 0, 0, 5}, 4, 1, 0},
		{"constant slope", []float64{0, 1, 2, 3, 4, 5}, 3, 2, 2},
		{"stride clamped to buffer", []float64{0, 3}, 10, 5, 3},
		{"odd count", []float64{0, 1, 3, 6}, 3, 1, 2},
		{"window uses latest pairs", []float64{100, 0, 0, 0}, 2, 1, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RobustSpeed(tt.samples, tt.window, tt.stride)
			if math.IsInf(tt.want, 1) {
				assert.True(t, math.IsInf(got, 1), "got %v", got)
				return
			}
			assert.InDelta(t, tt.want, got, 1e-12)
		})
	}
}

func TestRing_OverwritesOldest(t *testing.T) {
	r := newRing(3)
	_, ok := r.last()
	assert.False(t, ok)

	for i := 1; i <= 5; i++ {
		r.push(float64(i))
	}
	assert.Equal(t, 3, r.len())
	assert.Equal(t, []float64{3, 4, 5}, []float64{r.at(0), r.at(1), r.at(2)})
	last, ok := r.last()
	assert.True(t, ok)
	assert.Equal(t, 5.0, last)

	r.reset()
	assert.Equal(t, 0, r.len())
}

func nan() float64 { return math.NaN() }
