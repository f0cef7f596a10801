// Package config loads the calibrix JSON configuration. Every field is
// optional; the Get* accessors supply defaults for omitted values, so a
// partial file only needs the settings that differ.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/calibrix/internal/acquire"
	"github.com/banshee-data/calibrix/internal/filter"
	"github.com/banshee-data/calibrix/internal/plan"
	"github.com/banshee-data/calibrix/internal/serialmux"
)

// DefaultConfigPath is the checked-in defaults file.
const DefaultConfigPath = "config/calibrix.defaults.json"

// Config is the root of the configuration file.
type Config struct {
	// Step plan
	StepMode        *string  `json:"step_mode,omitempty"` // none, uniform, manual, formula
	StepBase        *float64 `json:"step_base,omitempty"`
	StepSize        *float64 `json:"step_size,omitempty"`
	StepCount       *int     `json:"step_count,omitempty"`
	ManualPositions *string  `json:"manual_positions,omitempty"`
	Formula         *string  `json:"formula,omitempty"`
	FormulaCount    *int     `json:"formula_count,omitempty"`
	RepeatCount     *int     `json:"repeat_count,omitempty"`
	Bidirectional   *bool    `json:"bidirectional,omitempty"`

	// Automatic acquisition
	PositiveTolerance *float64 `json:"positive_tolerance,omitempty"`
	NegativeTolerance *float64 `json:"negative_tolerance,omitempty"`
	SpeedLimit        *float64 `json:"speed_limit,omitempty"`
	AutoGroup         *bool    `json:"auto_group,omitempty"`
	SpeedWindow       *int     `json:"speed_window,omitempty"`
	SpeedStride       *int     `json:"speed_stride,omitempty"`
	ExitHysteresis    *float64 `json:"exit_hysteresis,omitempty"`
	StableTicks       *int     `json:"stable_ticks,omitempty"`
	CooldownTicks     *int     `json:"cooldown_ticks,omitempty"`
	ExitSpeedMul      *float64 `json:"exit_speed_mul,omitempty"`
	ExitDistance      *float64 `json:"exit_distance,omitempty"`
	SaveTimeoutTicks  *int     `json:"save_timeout_ticks,omitempty"`
	TickInterval      *string  `json:"tick_interval,omitempty"` // duration string like "10ms"

	// Commit window
	SaveDuration *string  `json:"save_duration,omitempty"` // duration string like "5s"
	Filter       *string  `json:"filter,omitempty"`        // none, mean, iqr
	SampleScale  *float64 `json:"sample_scale,omitempty"`  // sensor unit to plan unit

	// Sensor and service
	SerialPort *string                `json:"serial_port,omitempty"`
	Serial     *serialmux.PortOptions `json:"serial,omitempty"`
	DBPath     *string                `json:"db_path,omitempty"`
	Listen     *string                `json:"listen,omitempty"`
}

// Empty returns a Config with every field unset.
func Empty() *Config {
	return &Config{}
}

// LoadConfig reads a Config from a .json file of at most 1 MB and
// validates it.
func LoadConfig(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Empty()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the fields that are set.
func (c *Config) Validate() error {
	if c.StepMode != nil {
		if _, err := plan.ParseStepMode(*c.StepMode); err != nil {
			return err
		}
	}
	if c.StepCount != nil && *c.StepCount < 0 {
		return fmt.Errorf("step_count must be non-negative, got %d", *c.StepCount)
	}
	if c.RepeatCount != nil && *c.RepeatCount < 0 {
		return fmt.Errorf("repeat_count must be non-negative, got %d", *c.RepeatCount)
	}
	for name, d := range map[string]*string{
		"save_duration": c.SaveDuration,
		"tick_interval": c.TickInterval,
	} {
		if d == nil || *d == "" {
			continue
		}
		v, err := time.ParseDuration(*d)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *d, err)
		}
		if v <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, v)
		}
	}
	if c.Filter != nil {
		if _, err := filter.ByName(*c.Filter); err != nil {
			return err
		}
	}
	if c.SampleScale != nil && *c.SampleScale <= 0 {
		return fmt.Errorf("sample_scale must be positive, got %f", *c.SampleScale)
	}
	if c.Serial != nil {
		if _, err := c.Serial.Normalize(); err != nil {
			return fmt.Errorf("serial: %w", err)
		}
	}
	if err := c.AcquireConfig().Validate(); err != nil {
		return err
	}
	return nil
}

// StepSettings assembles the plan settings, defaulting every unset field.
func (c *Config) StepSettings() plan.StepSettings {
	s := plan.DefaultStepSettings()
	if c.StepMode != nil {
		// Validate has rejected unknown modes already.
		s.Mode, _ = plan.ParseStepMode(*c.StepMode)
	}
	setFloat(&s.Base, c.StepBase)
	setFloat(&s.Step, c.StepSize)
	setInt(&s.Count, c.StepCount)
	setInt(&s.FormulaCount, c.FormulaCount)
	setInt(&s.RepeatCount, c.RepeatCount)
	if c.ManualPositions != nil {
		s.ManualText = *c.ManualPositions
	}
	if c.Formula != nil {
		s.Formula = *c.Formula
	}
	if c.Bidirectional != nil {
		s.Bidirectional = *c.Bidirectional
	}
	return s
}

// AutoSaveSettings returns the operator thresholds.
func (c *Config) AutoSaveSettings() acquire.AutoSaveSettings {
	a := acquire.DefaultAutoSaveSettings()
	setFloat(&a.PositiveTolerance, c.PositiveTolerance)
	setFloat(&a.NegativeTolerance, c.NegativeTolerance)
	setFloat(&a.SpeedLimit, c.SpeedLimit)
	if c.AutoGroup != nil {
		a.AutoGroup = *c.AutoGroup
	}
	return a
}

// AcquireConfig returns the full runtime thresholds of the state machine.
func (c *Config) AcquireConfig() acquire.Config {
	a := acquire.DefaultConfig().WithAutoSave(c.AutoSaveSettings())
	setInt(&a.SpeedWindow, c.SpeedWindow)
	setInt(&a.SpeedStride, c.SpeedStride)
	setFloat(&a.ExitHysteresis, c.ExitHysteresis)
	setInt(&a.StableTicks, c.StableTicks)
	setInt(&a.CooldownTicks, c.CooldownTicks)
	setFloat(&a.ExitSpeedMul, c.ExitSpeedMul)
	setFloat(&a.ExitDistance, c.ExitDistance)
	setInt(&a.SaveTimeoutTicks, c.SaveTimeoutTicks)
	return a
}

// GetTickInterval returns the state machine tick period.
func (c *Config) GetTickInterval() time.Duration {
	return durationOr(c.TickInterval, acquire.DefaultTickPeriod)
}

// GetSaveDuration returns the length of one commit window.
func (c *Config) GetSaveDuration() time.Duration {
	return durationOr(c.SaveDuration, 5*time.Second)
}

// GetFilter returns the reducer name.
func (c *Config) GetFilter() string {
	if c.Filter == nil || *c.Filter == "" {
		return "mean"
	}
	return *c.Filter
}

// GetSampleScale returns the factor applied to every sensor reading.
func (c *Config) GetSampleScale() float64 {
	if c.SampleScale == nil {
		return serialmux.DefaultScale
	}
	return *c.SampleScale
}

// GetSerialPort returns the serial device path, empty when unset.
func (c *Config) GetSerialPort() string {
	if c.SerialPort == nil {
		return ""
	}
	return *c.SerialPort
}

// GetSerialOptions returns the normalized serial options.
func (c *Config) GetSerialOptions() serialmux.PortOptions {
	var opts serialmux.PortOptions
	if c.Serial != nil {
		opts = *c.Serial
	}
	if n, err := opts.Normalize(); err == nil {
		return n
	}
	return opts
}

// GetDBPath returns the sqlite database path.
func (c *Config) GetDBPath() string {
	if c.DBPath == nil || *c.DBPath == "" {
		return "calibrix.db"
	}
	return *c.DBPath
}

// GetListen returns the HTTP listen address.
func (c *Config) GetListen() string {
	if c.Listen == nil || *c.Listen == "" {
		return ":8080"
	}
	return *c.Listen
}

func durationOr(s *string, def time.Duration) time.Duration {
	if s == nil || *s == "" {
		return def
	}
	d, err := time.ParseDuration(*s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func setFloat(dst *float64, v *float64) {
	if v != nil {
		*dst = *v
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}
