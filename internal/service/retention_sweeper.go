package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/smartcity/roadwatch/internal/config"
	"github.com/smartcity/roadwatch/internal/domain"
)

// RetentionSweeper periodically deletes unverified single-detection reports
// older than MaxAge. Each run recomputes its delete set, so a failed run is
// simply retried by the next one.
type RetentionSweeper struct {
	repo     domain.ReportRepository
	Interval time.Duration
	MaxAge   time.Duration

	log      *slog.Logger
	now      func() time.Time
	onChange func()

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewRetentionSweeper creates a new retention sweeper
func NewRetentionSweeper(repo domain.ReportRepository, cfg config.RetentionConfig, log *slog.Logger) *RetentionSweeper {
	if log == nil {
		log = slog.Default()
	}
	return &RetentionSweeper{
		repo:     repo,
		Interval: cfg.Interval,
		MaxAge:   cfg.MaxAge,
		log:      log,
		now:      time.Now,
		stopChan: make(chan struct{}),
	}
}

// OnChange registers a hook run after a sweep that deleted something.
func (w *RetentionSweeper) OnChange(fn func()) {
	w.onChange = fn
}

// Start runs the periodic sweep loop in a goroutine.
func (w *RetentionSweeper) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := w.RunOnce(ctx); err != nil {
					w.log.Error("retention sweep failed", "error", err)
				}
			case <-w.stopChan:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop requests the sweeper to stop and waits for the loop to exit.
func (w *RetentionSweeper) Stop() {
	w.stopOnce.Do(func() { close(w.stopChan) })
	w.wg.Wait()
}

// RunOnce deletes every stale single-detection report and returns how many
// were removed.
func (w *RetentionSweeper) RunOnce(ctx context.Context) (int, error) {
	cutoff := w.now().Add(-w.MaxAge)

	deleted, err := w.repo.DeleteStaleSingleReports(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("retention: %w", err)
	}
	if deleted == 0 {
		w.log.Debug("retention sweep found nothing to delete", "cutoff", cutoff)
		return 0, nil
	}

	w.log.Info("retention sweep deleted stale reports",
		"deleted", humanize.Comma(int64(deleted)), "cutoff", cutoff.Format(time.RFC3339))
	if w.onChange != nil {
		w.onChange()
	}
	return deleted, nil
}
