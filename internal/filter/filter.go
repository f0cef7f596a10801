// Package filter reduces the batch of samples collected during one commit
// window to the single value that gets recorded.
package filter

import (
	"fmt"
	"math/rand/v2"
	"slices"
	"sort"
	"strings"
	"sync"

	"gonum.org/v1/gonum/stat"
)

// Reducer turns a batch into one value. Every reducer returns 0 for an
// empty batch.
type Reducer interface {
	Reduce(batch []float64) float64
}

// Mean is the arithmetic mean.
type Mean struct{}

func (Mean) Reduce(batch []float64) float64 {
	if len(batch) == 0 {
		return 0
	}
	return stat.Mean(batch, nil)
}

// IQRMean drops samples outside [q1-1.5·IQR, q3+1.5·IQR] and averages the
// rest. Quartiles are the sorted samples at n/4 and 3n/4.
type IQRMean struct{}

func (IQRMean) Reduce(batch []float64) float64 {
	if len(batch) == 0 {
		return 0
	}
	sorted := slices.Clone(batch)
	sort.Float64s(sorted)

	n := len(sorted)
	q1, q3 := sorted[n/4], sorted[3*n/4]
	iqr := q3 - q1
	lower, upper := q1-1.5*iqr, q3+1.5*iqr

	kept := sorted[:0:0]
	for _, v := range sorted {
		if v >= lower && v <= upper {
			kept = append(kept, v)
		}
	}
	if len(kept) == 0 {
		return q1
	}
	return stat.Mean(kept, nil)
}

// Pick returns one sample chosen uniformly at random, leaving the batch
// unfiltered.
type Pick struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewPick returns a Pick drawing from rng, or from the global source when
// rng is nil.
func NewPick(rng *rand.Rand) *Pick {
	return &Pick{rng: rng}
}

func (p *Pick) Reduce(batch []float64) float64 {
	if len(batch) == 0 {
		return 0
	}
	if p.rng == nil {
		return batch[rand.IntN(len(batch))]
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return batch[p.rng.IntN(len(batch))]
}

var registry = map[string]func() Reducer{
	"none": func() Reducer { return NewPick(nil) },
	"mean": func() Reducer { return Mean{} },
	"iqr":  func() Reducer { return IQRMean{} },
}

// Names lists the registered reducer names in sorted order.
func Names() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ByName returns a new reducer for a configuration name. An empty name
// selects "mean".
func ByName(name string) (Reducer, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		key = "mean"
	}
	mk, ok := registry[key]
	if !ok {
		return nil, fmt.Errorf("unknown filter %q (known: %s)", name, strings.Join(Names(), ", "))
	}
	return mk(), nil
}
