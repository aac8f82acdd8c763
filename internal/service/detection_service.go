package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/smartcity/roadwatch/internal/domain"
)

// DetectionService is the detection-save path: it persists a detection and
// hands defects to the aggregation engine.
type DetectionService struct {
	repo       domain.DetectionRepository
	aggregator *AggregationService
	log        *slog.Logger
}

// NewDetectionService creates a new detection service
func NewDetectionService(repo domain.DetectionRepository, aggregator *AggregationService, log *slog.Logger) *DetectionService {
	if log == nil {
		log = slog.Default()
	}
	return &DetectionService{repo: repo, aggregator: aggregator, log: log}
}

// Record persists d and aggregates it. Detections of class normal are
// rejected with ErrNotAggregatable before anything is stored.
func (s *DetectionService) Record(ctx context.Context, d *domain.Detection) (domain.AggregatedReport, error) {
	if !d.DefectType.IsDefect() {
		return domain.AggregatedReport{}, ErrNotAggregatable
	}

	if err := s.repo.SaveDetection(ctx, d); err != nil {
		return domain.AggregatedReport{}, fmt.Errorf("detection: %w", err)
	}

	report, created, err := s.aggregator.Aggregate(ctx, *d)
	if err != nil {
		return domain.AggregatedReport{}, err
	}

	s.log.Info("detection recorded",
		"detection_id", d.ID, "user_id", d.UserID, "type", d.DefectType,
		"report_id", report.ID, "new_report", created)
	return report, nil
}
