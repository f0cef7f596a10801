package serialmux

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// DefaultScale converts the sensor's metres into millimetres.
const DefaultScale = 1000.0

// ErrNotSample is returned for lines that carry no distance reading, such as
// banners or status messages from the sensor script.
var ErrNotSample = errors.New("line is not a sample")

type sampleLine struct {
	Distance *float64 `json:"distance"`
}

// ParseSample extracts the distance from one sensor line and multiplies it
// by scale. Lines are either JSON objects with a "distance" field or a bare
// number. A non-positive scale uses DefaultScale.
func ParseSample(line string, scale float64) (float64, error) {
	if scale <= 0 {
		scale = DefaultScale
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return 0, ErrNotSample
	}

	var v float64
	if strings.HasPrefix(line, "{") {
		var s sampleLine
		if err := json.Unmarshal([]byte(line), &s); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrNotSample, err)
		}
		if s.Distance == nil {
			return 0, fmt.Errorf("%w: no distance field", ErrNotSample)
		}
		v = *s.Distance
	} else {
		f, err := strconv.ParseFloat(line, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrNotSample, line)
		}
		v = f
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w: non-finite distance", ErrNotSample)
	}
	return v * scale, nil
}
