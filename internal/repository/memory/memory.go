// Package memory is an in-process implementation of domain.DataRepository,
// used in demo mode when no database is configured and as the test store.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/xxh3"

	"github.com/smartcity/roadwatch/internal/domain"
)

// shardCount is a power of two so shard selection is a mask.
const shardCount = 64

// Repository keeps detections and reports in memory. Cluster locks are
// striped over shardCount mutexes keyed by cell hash.
type Repository struct {
	mu         sync.RWMutex
	detections []domain.Detection
	reports    map[string]domain.AggregatedReport
	order      []string // report ids in insertion order
	failure    error

	shards [shardCount]sync.Mutex
}

// NewRepository creates an empty in-memory repository
func NewRepository() *Repository {
	return &Repository{
		reports: make(map[string]domain.AggregatedReport),
	}
}

// FailWith makes every subsequent operation fail with err wrapped as a
// store error. Pass nil to recover.
func (r *Repository) FailWith(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failure = err
}

func (r *Repository) check(op string) error {
	if r.failure != nil {
		return domain.NewStoreError("memory: "+op, r.failure)
	}
	return nil
}

// SaveDetection stores a copy of d
func (r *Repository) SaveDetection(ctx context.Context, d *domain.Detection) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check("save detection"); err != nil {
		return err
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	r.detections = append(r.detections, *d)
	return nil
}

// CountDetections returns the number of stored detections
func (r *Repository) CountDetections(ctx context.Context) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.check("count detections"); err != nil {
		return 0, err
	}
	return int64(len(r.detections)), nil
}

// Detections returns a copy of all stored detections in insertion order
func (r *Repository) Detections() []domain.Detection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.detections)
}

// WithinCells locks the shards of all cells in ascending shard order, runs
// fn and applies its writes only if it succeeds.
func (r *Repository) WithinCells(ctx context.Context, cells []string, fn func(tx domain.ClusterTx) error) error {
	idx := shardIndexes(cells)
	for _, i := range idx {
		r.shards[i].Lock()
	}
	defer func() {
		for j := len(idx) - 1; j >= 0; j-- {
			r.shards[idx[j]].Unlock()
		}
	}()

	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &clusterTx{repo: r}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.commit()
}

func shardIndexes(cells []string) []int {
	seen := make(map[int]struct{}, len(cells))
	idx := make([]int, 0, len(cells))
	for _, c := range cells {
		i := int(xxh3.HashString(c) & (shardCount - 1))
		if _, ok := seen[i]; ok {
			continue
		}
		seen[i] = struct{}{}
		idx = append(idx, i)
	}
	sort.Ints(idx)
	return idx
}

// GetReport returns one report
func (r *Repository) GetReport(ctx context.Context, id string) (domain.AggregatedReport, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.check("get report"); err != nil {
		return domain.AggregatedReport{}, err
	}
	rep, ok := r.reports[id]
	if !ok {
		return domain.AggregatedReport{}, domain.ErrNotFound
	}
	return clone(rep), nil
}

// ListReports returns reports matching filter, most credible first
func (r *Repository) ListReports(ctx context.Context, filter domain.ReportFilter) ([]domain.AggregatedReport, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.check("list reports"); err != nil {
		return nil, err
	}

	var out []domain.AggregatedReport
	for _, id := range r.order {
		rep := r.reports[id]
		if filter.DefectType != "" && rep.DefectType != filter.DefectType {
			continue
		}
		if filter.Bounds != nil && !filter.Bounds.Contains(rep.Location) {
			continue
		}
		out = append(out, clone(rep))
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CredibilityScore > out[j].CredibilityScore
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// DeleteStaleSingleReports filters and deletes under one write lock
func (r *Repository) DeleteStaleSingleReports(ctx context.Context, cutoff time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check("delete stale reports"); err != nil {
		return 0, err
	}

	deleted := 0
	r.order = slices.DeleteFunc(r.order, func(id string) bool {
		rep := r.reports[id]
		if rep.ReportCount == 1 && rep.LastReported.Before(cutoff) {
			delete(r.reports, id)
			deleted++
			return true
		}
		return false
	})
	return deleted, nil
}

// CountVerifiedReports returns the number of reports with two or more detections
func (r *Repository) CountVerifiedReports(ctx context.Context) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.check("count verified reports"); err != nil {
		return 0, err
	}

	var n int64
	for _, rep := range r.reports {
		if rep.Verified() {
			n++
		}
	}
	return n, nil
}

// Health reports the injected failure, if any
func (r *Repository) Health(ctx context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.check("health")
}

// clusterTx stages writes until commit.
type clusterTx struct {
	repo    *Repository
	created []domain.AggregatedReport
	updated []domain.AggregatedReport
}

func (tx *clusterTx) FindCandidates(ctx context.Context, cell string, defectType domain.DefectType) ([]domain.AggregatedReport, error) {
	r := tx.repo
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.check("find candidates"); err != nil {
		return nil, err
	}

	var out []domain.AggregatedReport
	for _, id := range r.order {
		rep := r.reports[id]
		if rep.DefectType == defectType && strings.HasPrefix(rep.Geohash, cell) {
			out = append(out, clone(tx.latest(rep)))
		}
	}
	for _, rep := range tx.created {
		if rep.DefectType == defectType && strings.HasPrefix(rep.Geohash, cell) {
			out = append(out, clone(tx.latest(rep)))
		}
	}
	return out, nil
}

// latest returns the staged version of rep if this transaction updated it.
func (tx *clusterTx) latest(rep domain.AggregatedReport) domain.AggregatedReport {
	for i := len(tx.updated) - 1; i >= 0; i-- {
		if tx.updated[i].ID == rep.ID {
			return tx.updated[i]
		}
	}
	return rep
}

func (tx *clusterTx) CreateReport(ctx context.Context, rep *domain.AggregatedReport) error {
	if rep.ID == "" {
		rep.ID = uuid.NewString()
	}
	tx.created = append(tx.created, clone(*rep))
	return nil
}

func (tx *clusterTx) UpdateReport(ctx context.Context, rep domain.AggregatedReport) error {
	tx.updated = append(tx.updated, clone(rep))
	return nil
}

func (tx *clusterTx) commit() error {
	r := tx.repo
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check("commit cluster"); err != nil {
		return err
	}

	staged := make(map[string]struct{}, len(tx.created))
	for _, rep := range tx.created {
		staged[rep.ID] = struct{}{}
	}
	for _, rep := range tx.updated {
		_, existing := r.reports[rep.ID]
		_, created := staged[rep.ID]
		if !existing && !created {
			return fmt.Errorf("memory: update report %s: %w", rep.ID, domain.ErrReportVanished)
		}
	}

	for _, rep := range tx.created {
		r.reports[rep.ID] = rep
		r.order = append(r.order, rep.ID)
	}
	for _, rep := range tx.updated {
		r.reports[rep.ID] = rep
	}
	return nil
}

func clone(rep domain.AggregatedReport) domain.AggregatedReport {
	rep.UniqueUsers = slices.Clone(rep.UniqueUsers)
	return rep
}
