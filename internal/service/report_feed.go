package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/smartcity/roadwatch/internal/domain"
)

// ReportFeed pushes the full current result set of a report query to each
// subscriber whenever reports change.
type ReportFeed struct {
	repo domain.ReportRepository
	log  *slog.Logger

	mu     sync.Mutex
	subs   map[int]*subscription
	nextID int

	changed chan struct{}
}

type subscription struct {
	filter   domain.ReportFilter
	onChange func([]domain.AggregatedReport)
}

// NewReportFeed creates a feed. Call Run to start delivering changes.
func NewReportFeed(repo domain.ReportRepository, log *slog.Logger) *ReportFeed {
	if log == nil {
		log = slog.Default()
	}
	return &ReportFeed{
		repo:    repo,
		log:     log,
		subs:    make(map[int]*subscription),
		changed: make(chan struct{}, 1),
	}
}

// Subscribe delivers the current result set for filter immediately, then again
// after every change, until the returned function is called.
func (f *ReportFeed) Subscribe(ctx context.Context, filter domain.ReportFilter, onChange func([]domain.AggregatedReport)) (func(), error) {
	reports, err := f.repo.ListReports(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("feed: %w", err)
	}
	onChange(reports)

	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.subs[id] = &subscription{filter: filter, onChange: onChange}
	f.mu.Unlock()

	return func() {
		f.mu.Lock()
		delete(f.subs, id)
		f.mu.Unlock()
	}, nil
}

// Subscribers returns the number of active subscriptions.
func (f *ReportFeed) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// Notify marks the reports as changed. It never blocks; bursts of changes
// coalesce into one delivery.
func (f *ReportFeed) Notify() {
	select {
	case f.changed <- struct{}{}:
	default:
	}
}

// Run delivers changes until ctx is done.
func (f *ReportFeed) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-f.changed:
			f.deliver(ctx)
		}
	}
}

func (f *ReportFeed) deliver(ctx context.Context) {
	f.mu.Lock()
	subs := make([]*subscription, 0, len(f.subs))
	for _, s := range f.subs {
		subs = append(subs, s)
	}
	f.mu.Unlock()

	for _, s := range subs {
		reports, err := f.repo.ListReports(ctx, s.filter)
		if err != nil {
			f.log.Warn("feed query failed", "error", err)
			continue
		}
		s.onChange(reports)
	}
}
