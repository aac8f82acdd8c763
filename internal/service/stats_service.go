package service

import (
	"context"
	"fmt"
	"time"

	"github.com/smartcity/roadwatch/internal/domain"
)

// StatsService answers the public counters.
type StatsService struct {
	detections domain.DetectionRepository
	reports    domain.ReportRepository
	now        func() time.Time
}

// NewStatsService creates a new stats service
func NewStatsService(detections domain.DetectionRepository, reports domain.ReportRepository) *StatsService {
	return &StatsService{detections: detections, reports: reports, now: time.Now}
}

// GetStats returns total detections and verified report counts.
func (s *StatsService) GetStats(ctx context.Context) (domain.Stats, error) {
	total, err := s.detections.CountDetections(ctx)
	if err != nil {
		return domain.Stats{}, fmt.Errorf("stats: %w", err)
	}
	verified, err := s.reports.CountVerifiedReports(ctx)
	if err != nil {
		return domain.Stats{}, fmt.Errorf("stats: %w", err)
	}
	return domain.Stats{
		TotalDetections: total,
		VerifiedReports: verified,
		Timestamp:       s.now().UnixMilli(),
	}, nil
}
