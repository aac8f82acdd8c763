package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartcity/roadwatch/internal/config"
	"github.com/smartcity/roadwatch/internal/domain"
	"github.com/smartcity/roadwatch/internal/repository/memory"
)

// seedReport aggregates count detections at lat, all reported age before now.
func seedReport(t *testing.T, svc *AggregationService, lat float64, count int, age time.Duration, now time.Time) domain.AggregatedReport {
	t.Helper()
	var rep domain.AggregatedReport
	for i := 0; i < count; i++ {
		d := detection("alice", lat, baseLon, 5)
		d.Timestamp = now.Add(-age)
		var err error
		rep, _, err = svc.Aggregate(context.Background(), d)
		require.NoError(t, err)
	}
	return rep
}

func TestRetentionSweeper_RunOnce(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewRepository()
	agg := NewAggregationService(repo, aggregationConfig(), quietLogger())
	now := baseTime.Add(60 * 24 * time.Hour)

	stale := seedReport(t, agg, baseLat, 1, 31*24*time.Hour, now)
	fresh := seedReport(t, agg, baseLat+0.01, 1, 29*24*time.Hour, now)
	verified := seedReport(t, agg, baseLat+0.02, 2, 90*24*time.Hour, now)

	sweeper := NewRetentionSweeper(repo, config.Default().Retention, quietLogger())
	sweeper.now = func() time.Time { return now }
	changes := 0
	sweeper.OnChange(func() { changes++ })

	deleted, err := sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)
	assert.Equal(t, 1, changes)

	_, err = repo.GetReport(ctx, stale.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = repo.GetReport(ctx, fresh.ID)
	assert.NoError(t, err)
	_, err = repo.GetReport(ctx, verified.ID)
	assert.NoError(t, err)

	// a second run finds nothing
	deleted, err = sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, deleted)
	assert.Equal(t, 1, changes)
}

func TestRetentionSweeper_StoreFailure(t *testing.T) {
	repo := memory.NewRepository()
	repo.FailWith(errors.New("disk full"))

	sweeper := NewRetentionSweeper(repo, config.Default().Retention, quietLogger())
	_, err := sweeper.RunOnce(context.Background())
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
}

func TestRetentionSweeper_StartStop(t *testing.T) {
	repo := memory.NewRepository()
	agg := NewAggregationService(repo, aggregationConfig(), quietLogger())
	seedReport(t, agg, baseLat, 1, 40*24*time.Hour, time.Now())

	sweeper := NewRetentionSweeper(repo, config.RetentionConfig{
		Interval: 10 * time.Millisecond,
		MaxAge:   30 * 24 * time.Hour,
	}, quietLogger())
	sweeper.Start(context.Background())

	require.Eventually(t, func() bool {
		reports, err := repo.ListReports(context.Background(), domain.ReportFilter{})
		return err == nil && len(reports) == 0
	}, time.Second, 10*time.Millisecond)

	sweeper.Stop()
	// idempotent
	sweeper.Stop()
}
