package domain

import (
	"fmt"

	"github.com/smartcity/roadwatch/pkg/geo"
)

// Vector3 is a raw accelerometer sample, gravity included, in m/s².
type Vector3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// GPSFix is the location part of a sensor reading. Speed is in m/s and is nil
// when the device did not report one.
type GPSFix struct {
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Accuracy  float64  `json:"accuracy"`
	Speed     *float64 `json:"speed"`
}

// SensorReading is one instant sample from a phone in a moving vehicle.
// Timestamp is in milliseconds. Either sensor block may be missing.
type SensorReading struct {
	Timestamp     int64    `json:"timestamp"`
	Accelerometer *Vector3 `json:"accelerometer,omitempty"`
	GPS           *GPSFix  `json:"gps,omitempty"`
}

// ProcessedWindow summarizes a contiguous slice of readings.
type ProcessedWindow struct {
	StartTime     int64     `json:"start_time"`
	EndTime       int64     `json:"end_time"`
	Magnitude     float64   `json:"magnitude"`
	PeakMagnitude float64   `json:"peak_magnitude"`
	AverageSpeed  float64   `json:"average_speed_kmh"`
	Centroid      geo.Point `json:"centroid"`
	SampleCount   int       `json:"sample_count"`
}

// DefectType is the classification of a window.
type DefectType string

const (
	DefectPothole      DefectType = "pothole"
	DefectSpeedBreaker DefectType = "speed_breaker"
	DefectNormal       DefectType = "normal"
)

// Valid reports whether d is one of the known classes.
func (d DefectType) Valid() bool {
	switch d {
	case DefectPothole, DefectSpeedBreaker, DefectNormal:
		return true
	}
	return false
}

// IsDefect reports whether d is a class that reaches aggregation.
func (d DefectType) IsDefect() bool {
	return d == DefectPothole || d == DefectSpeedBreaker
}

// DetectionResult is a classifier verdict for one window.
type DetectionResult struct {
	DefectType DefectType `json:"defect_type"`
	Confidence float64    `json:"confidence"`
	Severity   int        `json:"severity"`
}

// Validate checks the result ranges: confidence in [0,1], severity in [0,10].
func (r DetectionResult) Validate() error {
	if !r.DefectType.Valid() {
		return fmt.Errorf("unknown defect type %q", r.DefectType)
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return fmt.Errorf("confidence %v out of range", r.Confidence)
	}
	if r.Severity < 0 || r.Severity > 10 {
		return fmt.Errorf("severity %d out of range", r.Severity)
	}
	return nil
}
