package signal

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/smartcity/roadwatch/internal/domain"
	"github.com/smartcity/roadwatch/pkg/geo"
)

// msToKmh converts GPS speed from m/s to km/h.
const msToKmh = 3.6

// Magnitude is the acceleration magnitude with a constant gravity estimate
// removed. It ignores device orientation, so a tilted phone adds some error.
func Magnitude(v domain.Vector3, gravity float64) float64 {
	return math.Abs(math.Sqrt(v.X*v.X+v.Y*v.Y+v.Z*v.Z) - gravity)
}

// CalculateRMS returns the root mean square of values, 0 for an empty slice.
func CalculateRMS(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	return math.Sqrt(floats.Dot(values, values) / float64(len(values)))
}

// Summarize computes the window statistics for readings that fall in
// [start, end). It returns false for an empty slice.
func Summarize(readings []domain.SensorReading, start, end int64, gravity float64) (domain.ProcessedWindow, bool) {
	if len(readings) == 0 {
		return domain.ProcessedWindow{}, false
	}

	mags := make([]float64, 0, len(readings))
	speeds := make([]float64, 0, len(readings))
	lats := make([]float64, 0, len(readings))
	lons := make([]float64, 0, len(readings))

	for _, r := range readings {
		if r.Accelerometer != nil {
			mags = append(mags, Magnitude(*r.Accelerometer, gravity))
		}
		if r.GPS == nil {
			continue
		}
		lats = append(lats, r.GPS.Latitude)
		lons = append(lons, r.GPS.Longitude)
		if r.GPS.Speed != nil && !math.IsNaN(*r.GPS.Speed) {
			speeds = append(speeds, *r.GPS.Speed)
		}
	}

	w := domain.ProcessedWindow{
		StartTime:   start,
		EndTime:     end,
		Magnitude:   CalculateRMS(mags),
		SampleCount: len(readings),
	}
	if len(mags) > 0 {
		w.PeakMagnitude = floats.Max(mags)
	}
	if len(speeds) > 0 {
		w.AverageSpeed = stat.Mean(speeds, nil) * msToKmh
	}
	if len(lats) > 0 {
		w.Centroid = geo.Point{
			Latitude:  stat.Mean(lats, nil),
			Longitude: stat.Mean(lons, nil),
		}
	}
	return w, true
}
