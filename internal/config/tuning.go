// Package config loads the algorithm tuning file. Infrastructure settings
// (database, ports, brokers) come from the environment instead.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/smartcity/roadwatch/pkg/geo"
)

// Tuning holds every adjustable threshold of the detection pipeline.
type Tuning struct {
	Processor   ProcessorConfig   `yaml:"processor"`
	Classifier  ClassifierConfig  `yaml:"classifier"`
	Aggregation AggregationConfig `yaml:"aggregation"`
	Retention   RetentionConfig   `yaml:"retention"`
	Sessions    SessionConfig     `yaml:"sessions"`
}

// ProcessorConfig controls windowing and emission gating.
type ProcessorConfig struct {
	WindowDurationMs   int64   `yaml:"window_duration_ms"`
	SampleRateHz       float64 `yaml:"sample_rate_hz"`
	MinSpeedKmh        float64 `yaml:"min_speed_kmh"`
	MagnitudeThreshold float64 `yaml:"magnitude_threshold"`
	Gravity            float64 `yaml:"gravity"`
}

// HeuristicThresholds parameterizes one heuristic classifier strategy.
type HeuristicThresholds struct {
	PotholePeak               float64 `yaml:"pothole_peak"`
	PotholeRMS                float64 `yaml:"pothole_rms"`
	PotholeConfidenceMax      float64 `yaml:"pothole_confidence_max"`
	SpeedBreakerRMS           float64 `yaml:"speed_breaker_rms"`
	SpeedBreakerPeakMax       float64 `yaml:"speed_breaker_peak_max"`
	SpeedBreakerSpeedMax      float64 `yaml:"speed_breaker_speed_max"`
	SpeedBreakerConfidenceMax float64 `yaml:"speed_breaker_confidence_max"`
	NormalConfidence          float64 `yaml:"normal_confidence"`
}

// ClassifierConfig holds both strategies plus the remote call budget.
type ClassifierConfig struct {
	Local   HeuristicThresholds `yaml:"local"`
	Remote  HeuristicThresholds `yaml:"remote"`
	Timeout time.Duration       `yaml:"timeout"`
}

// AggregationConfig controls cluster matching.
type AggregationConfig struct {
	RadiusMeters       float64 `yaml:"radius_m"`
	GeohashPrecision   int     `yaml:"geohash_precision"`
	PrefixLength       int     `yaml:"prefix_length"`
	InitialCredibility float64 `yaml:"initial_credibility"`
}

// RetentionConfig controls the stale report sweep.
type RetentionConfig struct {
	Interval time.Duration `yaml:"interval"`
	MaxAge   time.Duration `yaml:"max_age"`
}

// SessionConfig controls eviction of rides that stopped sending readings.
type SessionConfig struct {
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	ReapInterval time.Duration `yaml:"reap_interval"`
}

// LocalThresholds are the canonical defaults for the on-device heuristic.
func LocalThresholds() HeuristicThresholds {
	return HeuristicThresholds{
		PotholePeak:               8,
		PotholeRMS:                3,
		PotholeConfidenceMax:      0.95,
		SpeedBreakerRMS:           2,
		SpeedBreakerPeakMax:       10,
		SpeedBreakerSpeedMax:      30,
		SpeedBreakerConfidenceMax: 0.9,
		NormalConfidence:          0.9,
	}
}

// RemoteThresholds are the defaults for the server-side heuristic.
func RemoteThresholds() HeuristicThresholds {
	return HeuristicThresholds{
		PotholePeak:               8.5,
		PotholeRMS:                3.5,
		PotholeConfidenceMax:      0.98,
		SpeedBreakerRMS:           2.5,
		SpeedBreakerPeakMax:       12,
		SpeedBreakerSpeedMax:      35,
		SpeedBreakerConfidenceMax: 0.92,
		NormalConfidence:          0.85,
	}
}

// Default returns the built-in tuning.
func Default() Tuning {
	return Tuning{
		Processor: ProcessorConfig{
			WindowDurationMs:   2000,
			SampleRateHz:       50,
			MinSpeedKmh:        10,
			MagnitudeThreshold: 2.5,
			Gravity:            9.81,
		},
		Classifier: ClassifierConfig{
			Local:   LocalThresholds(),
			Remote:  RemoteThresholds(),
			Timeout: 2 * time.Second,
		},
		Aggregation: AggregationConfig{
			RadiusMeters:       25,
			GeohashPrecision:   7,
			PrefixLength:       5,
			InitialCredibility: 0.3,
		},
		Retention: RetentionConfig{
			Interval: 24 * time.Hour,
			MaxAge:   30 * 24 * time.Hour,
		},
		Sessions: SessionConfig{
			IdleTimeout:  30 * time.Minute,
			ReapInterval: time.Minute,
		},
	}
}

// Load reads a YAML tuning file over the defaults. An empty path or a missing
// file yields the defaults.
func Load(path string) (Tuning, error) {
	t := Default()
	if path == "" {
		return t, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return t, nil
	}
	if err != nil {
		return Tuning{}, fmt.Errorf("config: failed to read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &t); err != nil {
		return Tuning{}, fmt.Errorf("config: failed to parse %s: %w", path, err)
	}
	if err := t.Validate(); err != nil {
		return Tuning{}, fmt.Errorf("config: %s: %w", path, err)
	}
	return t, nil
}

// Validate rejects values the pipeline cannot run with.
func (t Tuning) Validate() error {
	p := t.Processor
	switch {
	case p.WindowDurationMs <= 0:
		return errors.New("processor.window_duration_ms must be positive")
	case p.SampleRateHz <= 0:
		return errors.New("processor.sample_rate_hz must be positive")
	case p.MinSpeedKmh < 0:
		return errors.New("processor.min_speed_kmh must not be negative")
	case t.Classifier.Timeout <= 0:
		return errors.New("classifier.timeout must be positive")
	}

	a := t.Aggregation
	switch {
	case a.RadiusMeters <= 0:
		return errors.New("aggregation.radius_m must be positive")
	case a.PrefixLength <= 0 || a.PrefixLength > a.GeohashPrecision:
		return fmt.Errorf("aggregation.prefix_length must be in [1, %d]", a.GeohashPrecision)
	case a.InitialCredibility < 0 || a.InitialCredibility > 1:
		return errors.New("aggregation.initial_credibility must be in [0, 1]")
	}
	// keeps the lock set of one aggregation to a handful of cells
	if h, w := geo.CellSizeMeters(a.PrefixLength); a.RadiusMeters > math.Min(h, w) {
		return fmt.Errorf("aggregation.radius_m must not exceed %.0f m at prefix_length %d", math.Min(h, w), a.PrefixLength)
	}

	if t.Retention.Interval <= 0 || t.Retention.MaxAge <= 0 {
		return errors.New("retention.interval and retention.max_age must be positive")
	}
	if t.Sessions.IdleTimeout <= 0 || t.Sessions.ReapInterval <= 0 {
		return errors.New("sessions.idle_timeout and sessions.reap_interval must be positive")
	}
	return nil
}
