package domain

import (
	"context"
	"time"
)

// DetectionRepository persists classified detections.
type DetectionRepository interface {
	// SaveDetection persists d, assigning d.ID when empty
	SaveDetection(ctx context.Context, d *Detection) error

	// CountDetections returns the number of stored detections
	CountDetections(ctx context.Context) (int64, error)
}

// ClusterTx is the view of the report store inside a cluster lock. Everything
// done through it is atomic with respect to other holders of any of the same
// cells.
type ClusterTx interface {
	// FindCandidates returns reports of the given type whose geohash starts
	// with cell, in storage order
	FindCandidates(ctx context.Context, cell string, defectType DefectType) ([]AggregatedReport, error)

	// CreateReport inserts r, assigning r.ID when empty
	CreateReport(ctx context.Context, r *AggregatedReport) error

	// UpdateReport overwrites the mutable fields of an existing report
	UpdateReport(ctx context.Context, r AggregatedReport) error
}

// ReportRepository persists aggregated reports.
type ReportRepository interface {
	// WithinCells runs fn while holding the locks for all cells. Calls with
	// disjoint cell sets never block each other. If fn fails nothing it did
	// is kept.
	WithinCells(ctx context.Context, cells []string, fn func(tx ClusterTx) error) error

	// GetReport returns one report or ErrNotFound
	GetReport(ctx context.Context, id string) (AggregatedReport, error)

	// ListReports returns reports matching the filter, most credible first
	ListReports(ctx context.Context, filter ReportFilter) ([]AggregatedReport, error)

	// DeleteStaleSingleReports removes every report with one detection whose
	// last report is older than cutoff and returns how many it removed. The
	// condition is checked at delete time, so a report merged into just
	// before the delete survives.
	DeleteStaleSingleReports(ctx context.Context, cutoff time.Time) (int, error)

	// CountVerifiedReports returns the number of reports with two or more detections
	CountVerifiedReports(ctx context.Context) (int64, error)
}

// DataRepository defines the interface for data persistence
// This follows the Dependency Inversion Principle - domain defines the interface
type DataRepository interface {
	DetectionRepository
	ReportRepository

	// Health checks database connectivity
	Health(ctx context.Context) error
}
