// Package acquire runs unattended acquisition: it watches the sample stream,
// decides when a target position has settled, asks for a commit and moves on
// to the next target once the commit shows up in the measurement store.
package acquire

import (
	"fmt"
	"math"
	"time"
)

const (
	// BufferCapacity is the number of recent samples kept for the speed
	// estimate.
	BufferCapacity = 100
	// DefaultTickPeriod is the delay between two state machine ticks.
	DefaultTickPeriod = 10 * time.Millisecond
)

// AutoSaveSettings is the operator-owned part of the acquisition thresholds.
type AutoSaveSettings struct {
	PositiveTolerance float64 `json:"positive_tolerance"`
	NegativeTolerance float64 `json:"negative_tolerance"`
	SpeedLimit        float64 `json:"speed_limit"`
	// AutoGroup walks the remaining positions after the resumed one.
	AutoGroup bool `json:"auto_group"`
}

// DefaultAutoSaveSettings returns the thresholds of a fresh installation.
func DefaultAutoSaveSettings() AutoSaveSettings {
	return AutoSaveSettings{
		PositiveTolerance: 0.002,
		NegativeTolerance: 0.002,
		SpeedLimit:        0.01,
	}
}

// Config holds the runtime thresholds of one acquisition plan.
type Config struct {
	PositiveTolerance float64 `json:"positive_tolerance"`
	NegativeTolerance float64 `json:"negative_tolerance"`
	SpeedLimit        float64 `json:"speed_limit"`
	SpeedWindow       int     `json:"speed_window"` // W, number of deltas
	SpeedStride       int     `json:"speed_stride"` // K, sample distance of one delta
	ExitHysteresis    float64 `json:"exit_hysteresis"`
	StableTicks       int     `json:"stable_ticks"`
	CooldownTicks     int     `json:"cooldown_ticks"`
	ExitSpeedMul      float64 `json:"exit_speed_mul"`
	ExitDistance      float64 `json:"exit_distance"`

	// SaveTimeoutTicks re-sends the commit request after this many ticks
	// without a confirmed commit. Zero waits forever.
	SaveTimeoutTicks int `json:"save_timeout_ticks"`
}

// DefaultConfig returns the runtime thresholds used by CreatePlan.
func DefaultConfig() Config {
	a := DefaultAutoSaveSettings()
	return Config{
		PositiveTolerance: a.PositiveTolerance,
		NegativeTolerance: a.NegativeTolerance,
		SpeedLimit:        a.SpeedLimit,
		SpeedWindow:       30,
		SpeedStride:       5,
		ExitHysteresis:    1.5,
		StableTicks:       15,
		CooldownTicks:     15,
		ExitSpeedMul:      2.0,
		ExitDistance:      0.005,
	}
}

// WithAutoSave copies the operator thresholds into c.
func (c Config) WithAutoSave(a AutoSaveSettings) Config {
	c.PositiveTolerance = a.PositiveTolerance
	c.NegativeTolerance = a.NegativeTolerance
	c.SpeedLimit = a.SpeedLimit
	return c
}

// Validate rejects thresholds the state machine cannot work with.
func (c Config) Validate() error {
	for name, v := range map[string]float64{
		"positive_tolerance": c.PositiveTolerance,
		"negative_tolerance": c.NegativeTolerance,
		"speed_limit":        c.SpeedLimit,
		"exit_hysteresis":    c.ExitHysteresis,
		"exit_speed_mul":     c.ExitSpeedMul,
		"exit_distance":      c.ExitDistance,
	} {
		if math.IsNaN(v) || v < 0 {
			return fmt.Errorf("%s must be a non-negative number, got %v", name, v)
		}
	}
	if c.SpeedWindow < 1 {
		return fmt.Errorf("speed_window must be at least 1, got %d", c.SpeedWindow)
	}
	if c.SpeedStride < 1 {
		return fmt.Errorf("speed_stride must be at least 1, got %d", c.SpeedStride)
	}
	if c.StableTicks < 0 || c.CooldownTicks < 0 || c.SaveTimeoutTicks < 0 {
		return fmt.Errorf("tick counts must be non-negative")
	}
	return nil
}
