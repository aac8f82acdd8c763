package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"

	"github.com/smartcity/roadwatch/internal/config"
	"github.com/smartcity/roadwatch/internal/domain"
	"github.com/smartcity/roadwatch/pkg/geo"
)

// ErrNotAggregatable is returned for detections of class normal.
var ErrNotAggregatable = errors.New("aggregation: only pothole and speed breaker detections are aggregated")

// AggregationService merges detections into persistent spatial clusters.
type AggregationService struct {
	repo     domain.ReportRepository
	cfg      config.AggregationConfig
	log      *slog.Logger
	onChange func()
}

// NewAggregationService creates a new aggregation service
func NewAggregationService(repo domain.ReportRepository, cfg config.AggregationConfig, log *slog.Logger) *AggregationService {
	if log == nil {
		log = slog.Default()
	}
	return &AggregationService{repo: repo, cfg: cfg, log: log}
}

// OnChange registers a hook run after every successful aggregation.
func (s *AggregationService) OnChange(fn func()) {
	s.onChange = fn
}

// Aggregate matches d against existing reports of the same type within the
// aggregation radius and either updates the first match or creates a new
// report. The whole match-or-create runs under the locks of every geohash cell
// the radius touches, so two detections of one defect can never both create.
func (s *AggregationService) Aggregate(ctx context.Context, d domain.Detection) (domain.AggregatedReport, bool, error) {
	if !d.DefectType.IsDefect() {
		return domain.AggregatedReport{}, false, ErrNotAggregatable
	}

	lat, lon := d.Location.Latitude, d.Location.Longitude
	hash := geo.EncodeGeohash(lat, lon, s.cfg.GeohashPrecision)
	cells := searchOrder(hash[:s.cfg.PrefixLength], geo.CoveringCells(lat, lon, s.cfg.RadiusMeters, s.cfg.PrefixLength))

	result, created, err := s.matchOrCreate(ctx, d, hash, cells)
	if errors.Is(err, domain.ErrReportVanished) {
		// the matched report was swept before the update landed; match again
		s.log.Debug("matched report vanished, retrying", "type", d.DefectType, "error", err)
		result, created, err = s.matchOrCreate(ctx, d, hash, cells)
	}
	if err != nil {
		return domain.AggregatedReport{}, false, fmt.Errorf("aggregation: %w", err)
	}

	s.log.Debug("detection aggregated",
		"report_id", result.ID, "created", created, "type", d.DefectType,
		"report_count", result.ReportCount, "credibility", result.CredibilityScore)

	if s.onChange != nil {
		s.onChange()
	}
	return result, created, nil
}

// matchOrCreate runs one locked attempt. cells is searched in order.
func (s *AggregationService) matchOrCreate(ctx context.Context, d domain.Detection, hash string, cells []string) (domain.AggregatedReport, bool, error) {
	var (
		result  domain.AggregatedReport
		created bool
	)
	err := s.repo.WithinCells(ctx, cells, func(tx domain.ClusterTx) error {
		for _, cell := range cells {
			candidates, err := tx.FindCandidates(ctx, cell, d.DefectType)
			if err != nil {
				return err
			}
			for _, c := range candidates {
				if geo.Distance(d.Location, c.Location) > s.cfg.RadiusMeters {
					continue
				}
				result = MergeDetection(c, d)
				return tx.UpdateReport(ctx, result)
			}
		}

		result = NewReport(d, hash, s.cfg.InitialCredibility)
		created = true
		return tx.CreateReport(ctx, &result)
	})
	if err != nil {
		return domain.AggregatedReport{}, false, err
	}
	return result, created, nil
}

// searchOrder puts the detection's own cell first so the reference query
// order is kept, followed by the neighbouring cells.
func searchOrder(home string, cells []string) []string {
	out := make([]string, 0, len(cells))
	out = append(out, home)
	for _, c := range cells {
		if c != home {
			out = append(out, c)
		}
	}
	return out
}

// NewReport starts a cluster from its first detection.
func NewReport(d domain.Detection, geohash string, initialCredibility float64) domain.AggregatedReport {
	return domain.AggregatedReport{
		Geohash:          geohash,
		Location:         d.Location,
		DefectType:       d.DefectType,
		AverageSeverity:  float64(d.Severity),
		ReportCount:      1,
		UniqueUsers:      []string{d.UserID},
		FirstReported:    d.Timestamp,
		LastReported:     d.Timestamp,
		CredibilityScore: initialCredibility,
	}
}

// MergeDetection folds d into r. The location stays at the first detection.
func MergeDetection(r domain.AggregatedReport, d domain.Detection) domain.AggregatedReport {
	r.UniqueUsers = slices.Clone(r.UniqueUsers)
	if !r.HasUser(d.UserID) {
		r.UniqueUsers = append(r.UniqueUsers, d.UserID)
	}

	oldCount := float64(r.ReportCount)
	r.ReportCount++
	r.AverageSeverity = (r.AverageSeverity*oldCount + float64(d.Severity)) / float64(r.ReportCount)

	if d.Timestamp.After(r.LastReported) {
		r.LastReported = d.Timestamp
	}
	if d.Timestamp.Before(r.FirstReported) {
		r.FirstReported = d.Timestamp
	}

	r.CredibilityScore = Credibility(len(r.UniqueUsers), r.ReportCount)
	return r
}

// Credibility grows with distinct reporters faster than with repeat reports
// and saturates at 1.
func Credibility(uniqueUsers, reportCount int) float64 {
	score := 0.3 + float64(uniqueUsers)*0.15 + math.Log10(float64(reportCount))*0.2
	return math.Min(1, score)
}
