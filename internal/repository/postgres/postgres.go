package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/smartcity/roadwatch/internal/domain"
)

const reportColumns = `id, geohash, latitude, longitude, defect_type, average_severity,
	report_count, unique_users, first_reported, last_reported, credibility_score`

// queryer is the subset of pgxpool.Pool and pgx.Tx used for reads.
type queryer interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresRepository implements domain.DataRepository
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository creates a new PostgreSQL repository
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

// SaveDetection persists a detection to PostgreSQL
func (r *PostgresRepository) SaveDetection(ctx context.Context, d *domain.Detection) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}

	window, err := json.Marshal(d.Window)
	if err != nil {
		return fmt.Errorf("postgres: failed to encode window: %w", err)
	}

	query := `
		INSERT INTO detections (
			id, session_id, user_id, detected_at, latitude, longitude,
			defect_type, confidence, severity, window_stats
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err = r.pool.Exec(ctx, query,
		d.ID, d.SessionID, d.UserID, d.Timestamp, d.Location.Latitude, d.Location.Longitude,
		string(d.DefectType), d.Confidence, d.Severity, window,
	)
	if err != nil {
		return domain.NewStoreError("postgres: failed to save detection", err)
	}

	return nil
}

// CountDetections returns the number of stored detections
func (r *PostgresRepository) CountDetections(ctx context.Context) (int64, error) {
	var n int64
	if err := r.pool.QueryRow(ctx, `SELECT count(*) FROM detections`).Scan(&n); err != nil {
		return 0, domain.NewStoreError("postgres: failed to count detections", err)
	}
	return n, nil
}

// WithinCells runs fn in one transaction holding a transaction-scoped
// advisory lock per cell. Locks are taken in sorted order so overlapping
// cell sets cannot deadlock.
func (r *PostgresRepository) WithinCells(ctx context.Context, cells []string, fn func(tx domain.ClusterTx) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.NewStoreError("postgres: failed to begin cluster transaction", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	sorted := slices.Clone(cells)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)
	for _, cell := range sorted {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, "cell:"+cell); err != nil {
			return domain.NewStoreError("postgres: failed to lock cell "+cell, err)
		}
	}

	if err := fn(&clusterTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.NewStoreError("postgres: failed to commit cluster transaction", err)
	}
	return nil
}

// GetReport returns one report by id
func (r *PostgresRepository) GetReport(ctx context.Context, id string) (domain.AggregatedReport, error) {
	reports, err := queryReports(ctx, r.pool, `SELECT `+reportColumns+` FROM aggregated_reports WHERE id = $1`, id)
	if err != nil {
		return domain.AggregatedReport{}, domain.NewStoreError("postgres: failed to get report", err)
	}
	if len(reports) == 0 {
		return domain.AggregatedReport{}, domain.ErrNotFound
	}
	return reports[0], nil
}

// ListReports returns reports matching the filter, most credible first
func (r *PostgresRepository) ListReports(ctx context.Context, filter domain.ReportFilter) ([]domain.AggregatedReport, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.DefectType != "" {
		where = append(where, "defect_type = "+arg(string(filter.DefectType)))
	}
	if b := filter.Bounds; b != nil {
		where = append(where,
			"latitude BETWEEN "+arg(b.MinLat)+" AND "+arg(b.MaxLat),
			"longitude BETWEEN "+arg(b.MinLon)+" AND "+arg(b.MaxLon),
		)
	}

	query := `SELECT ` + reportColumns + ` FROM aggregated_reports`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY credibility_score DESC, seq`
	if filter.Limit > 0 {
		query += ` LIMIT ` + arg(filter.Limit)
	}

	reports, err := queryReports(ctx, r.pool, query, args...)
	if err != nil {
		return nil, domain.NewStoreError("postgres: failed to list reports", err)
	}
	return reports, nil
}

// DeleteStaleSingleReports removes stale single-detection reports in one
// statement. A concurrent merge holds the row lock, and the WHERE clause is
// re-evaluated against the merged row once it commits.
func (r *PostgresRepository) DeleteStaleSingleReports(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM aggregated_reports WHERE report_count = 1 AND last_reported < $1`, cutoff)
	if err != nil {
		return 0, domain.NewStoreError("postgres: failed to delete stale reports", err)
	}
	return int(tag.RowsAffected()), nil
}

// CountVerifiedReports returns the number of reports with two or more detections
func (r *PostgresRepository) CountVerifiedReports(ctx context.Context) (int64, error) {
	var n int64
	err := r.pool.QueryRow(ctx, `SELECT count(*) FROM aggregated_reports WHERE report_count >= 2`).Scan(&n)
	if err != nil {
		return 0, domain.NewStoreError("postgres: failed to count verified reports", err)
	}
	return n, nil
}

// Health checks database connectivity
func (r *PostgresRepository) Health(ctx context.Context) error {
	if err := r.pool.Ping(ctx); err != nil {
		return domain.NewStoreError("postgres: health check failed", err)
	}
	return nil
}

// clusterTx runs cluster reads and writes inside the locking transaction.
type clusterTx struct {
	tx pgx.Tx
}

func (c *clusterTx) FindCandidates(ctx context.Context, cell string, defectType domain.DefectType) ([]domain.AggregatedReport, error) {
	reports, err := queryReports(ctx, c.tx, `
		SELECT `+reportColumns+` FROM aggregated_reports
		WHERE defect_type = $1 AND geohash LIKE $2
		ORDER BY seq
	`, string(defectType), cell+"%")
	if err != nil {
		return nil, domain.NewStoreError("postgres: failed to query candidates", err)
	}
	return reports, nil
}

func (c *clusterTx) CreateReport(ctx context.Context, rep *domain.AggregatedReport) error {
	if rep.ID == "" {
		rep.ID = uuid.NewString()
	}

	_, err := c.tx.Exec(ctx, `
		INSERT INTO aggregated_reports (
			id, geohash, latitude, longitude, defect_type, average_severity,
			report_count, unique_users, first_reported, last_reported, credibility_score
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		rep.ID, rep.Geohash, rep.Location.Latitude, rep.Location.Longitude, string(rep.DefectType),
		rep.AverageSeverity, rep.ReportCount, rep.UniqueUsers, rep.FirstReported, rep.LastReported,
		rep.CredibilityScore,
	)
	if err != nil {
		return domain.NewStoreError("postgres: failed to create report", err)
	}
	return nil
}

func (c *clusterTx) UpdateReport(ctx context.Context, rep domain.AggregatedReport) error {
	tag, err := c.tx.Exec(ctx, `
		UPDATE aggregated_reports SET
			average_severity = $2, report_count = $3, unique_users = $4,
			first_reported = $5, last_reported = $6, credibility_score = $7
		WHERE id = $1
	`,
		rep.ID, rep.AverageSeverity, rep.ReportCount, rep.UniqueUsers,
		rep.FirstReported, rep.LastReported, rep.CredibilityScore,
	)
	if err != nil {
		return domain.NewStoreError("postgres: failed to update report", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: update report %s: %w", rep.ID, domain.ErrReportVanished)
	}
	return nil
}

func queryReports(ctx context.Context, q queryer, query string, args ...any) ([]domain.AggregatedReport, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []domain.AggregatedReport
	for rows.Next() {
		var (
			rep        domain.AggregatedReport
			defectType string
		)
		err := rows.Scan(
			&rep.ID, &rep.Geohash, &rep.Location.Latitude, &rep.Location.Longitude, &defectType,
			&rep.AverageSeverity, &rep.ReportCount, &rep.UniqueUsers, &rep.FirstReported,
			&rep.LastReported, &rep.CredibilityScore,
		)
		if err != nil {
			return nil, fmt.Errorf("scan report row: %w", err)
		}
		rep.DefectType = domain.DefectType(defectType)
		results = append(results, rep)
	}

	return results, rows.Err()
}
