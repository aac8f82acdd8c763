package service

import (
	"io"
	"log/slog"
	"time"

	"github.com/smartcity/roadwatch/internal/config"
	"github.com/smartcity/roadwatch/internal/domain"
	"github.com/smartcity/roadwatch/pkg/geo"
)

// Reference point used across the tests (New Delhi).
const (
	baseLat = 28.6139
	baseLon = 77.2090
)

var baseTime = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func detection(user string, lat, lon float64, severity int) domain.Detection {
	return domain.Detection{
		SessionID:  "session-" + user,
		UserID:     user,
		Timestamp:  baseTime,
		Location:   geo.Point{Latitude: lat, Longitude: lon},
		DefectType: domain.DefectPothole,
		Confidence: 0.8,
		Severity:   severity,
	}
}

func aggregationConfig() config.AggregationConfig {
	return config.Default().Aggregation
}
