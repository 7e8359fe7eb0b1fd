// Package config holds the monitor thresholds and intervals.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultSampleInterval        = time.Second
	DefaultLowFrameRateThreshold = 45
	DefaultStuckThreshold        = 50 * time.Millisecond
	DefaultANRThreshold          = 5 * time.Second

	// MaxFrameRate is the ceiling of every frame rate estimate.
	MaxFrameRate = 60
)

// Duration is a time.Duration that marshals as "50ms" and unmarshals from
// either a duration string or a number of milliseconds.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// MarshalJSON encodes the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts "1.5s" or 1500.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(v)
		return nil
	}
	ms, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return fmt.Errorf("invalid duration %s: expected string or milliseconds", b)
	}
	*d = Duration(time.Duration(ms * float64(time.Millisecond)))
	return nil
}

// SmoothnessConfig configures the frame timing and jank detector.
type SmoothnessConfig struct {
	SampleInterval        Duration `json:"sample_interval"`
	LowFrameRateThreshold int      `json:"low_frame_rate_threshold"`
	// StuckThreshold is the frame duration above which a frame counts as slow.
	StuckThreshold Duration `json:"stuck_threshold"`
}

// ANRConfig configures the heartbeat watchdog.
type ANRConfig struct {
	ANRThreshold Duration `json:"anr_threshold"`
	// UseSigquit is advisory: only heartbeat detection is implemented.
	UseSigquit bool `json:"use_sigquit"`
}

// Config is the full monitor configuration. It is treated as immutable once
// handed to the monitor.
type Config struct {
	Smoothness SmoothnessConfig `json:"smoothness"`
	ANR        ANRConfig        `json:"anr"`
	DebugMode  bool             `json:"debug_mode"`
}

// Default returns the standard configuration.
func Default() Config {
	return Config{
		Smoothness: SmoothnessConfig{
			SampleInterval:        Duration(DefaultSampleInterval),
			LowFrameRateThreshold: DefaultLowFrameRateThreshold,
			StuckThreshold:        Duration(DefaultStuckThreshold),
		},
		ANR: ANRConfig{
			ANRThreshold: Duration(DefaultANRThreshold),
			UseSigquit:   true,
		},
	}
}

// ErrOutOfRange is wrapped by Validate when it had to reset a value.
var ErrOutOfRange = errors.New("configuration value out of range")

// Validate normalises out-of-range values back to their defaults. The
// returned error wraps ErrOutOfRange and names every field it reset; c is
// usable either way.
func (c *Config) Validate() error {
	var reset []string
	if c.Smoothness.SampleInterval <= 0 {
		c.Smoothness.SampleInterval = Duration(DefaultSampleInterval)
		reset = append(reset, "smoothness.sample_interval")
	}
	if c.Smoothness.LowFrameRateThreshold < 1 || c.Smoothness.LowFrameRateThreshold > MaxFrameRate {
		c.Smoothness.LowFrameRateThreshold = DefaultLowFrameRateThreshold
		reset = append(reset, "smoothness.low_frame_rate_threshold")
	}
	if c.Smoothness.StuckThreshold <= 0 {
		c.Smoothness.StuckThreshold = Duration(DefaultStuckThreshold)
		reset = append(reset, "smoothness.stuck_threshold")
	}
	if c.ANR.ANRThreshold <= 0 {
		c.ANR.ANRThreshold = Duration(DefaultANRThreshold)
		reset = append(reset, "anr.anr_threshold")
	}
	if len(reset) > 0 {
		return fmt.Errorf("%w, reset to default: %s", ErrOutOfRange, strings.Join(reset, ", "))
	}
	return nil
}

// Load reads a JSON configuration. A missing file yields Default(). Values
// Validate had to reset are reported with the normalised configuration.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("cannot read config: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Default(), fmt.Errorf("cannot parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the configuration as indented JSON, creating the directory if
// needed. Out-of-range values are refused.
func (c Config) Save(path string) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("cannot save config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}
