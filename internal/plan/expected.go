package plan

import (
	"math"
	"regexp"
	"strconv"
)

var manualSeparators = regexp.MustCompile(`[,;\s]+`)

// ParseManual splits a manual position list on commas, semicolons and
// whitespace. Tokens that are not numbers are skipped.
func ParseManual(text string) []float64 {
	if text == "" {
		return nil
	}
	var out []float64
	for _, tok := range manualSeparators.Split(text, -1) {
		if tok == "" {
			continue
		}
		v, err := strconv.ParseFloat(tok, 64)
		if err != nil {
			continue
		}
		out = append(out, v)
	}
	return out
}

// Distance is the raw sample relative to the base point.
func Distance(raw, base float64) float64 {
	return raw - base
}

// Deviation is distance minus expected; NaN when expected is undefined.
func Deviation(distance, expected float64) float64 {
	if math.IsNaN(expected) {
		return math.NaN()
	}
	return distance - expected
}

func expectedUniform(stepNumber int, step, base float64) float64 {
	if stepNumber <= 0 {
		return 0.0
	}
	return base + float64(stepNumber)*step
}

// Out-of-range indices yield 0.0 rather than an error.
func expectedManual(stepNumber int, list []float64, base float64) float64 {
	if stepNumber <= 0 || stepNumber > len(list) {
		return 0.0
	}
	return base + list[stepNumber-1]
}

// TODO: evaluate StepSettings.Formula once an expression syntax is agreed;
// callers must not rely on formula positions until then.
func expectedFormula(int, string, int, float64) float64 {
	return 0.0
}
