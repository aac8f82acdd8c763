package utils

import (
	"math"
)

// Clamp limits a value between min and max
func Clamp(value, min, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}

// RoundTo rounds a float to specified decimal places
func RoundTo(value float64, places int) float64 {
	factor := math.Pow(10, float64(places))
	return math.Round(value*factor) / factor
}

// ClampInt rounds value to the nearest integer and limits it between min and max
func ClampInt(value float64, min, max int) int {
	return int(Clamp(math.Round(value), float64(min), float64(max)))
}
