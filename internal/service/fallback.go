package service

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/smartcity/roadwatch/internal/domain"
)

// FallbackClassifier tries a primary (usually remote) classifier under a
// timeout and answers from the local one whenever the primary fails.
// Failures are logged, never returned.
type FallbackClassifier struct {
	primary  Classifier
	fallback Classifier
	timeout  time.Duration
	log      *slog.Logger

	fallbacks atomic.Int64
}

// NewFallbackClassifier wraps primary with a local fallback. primary may be
// nil, in which case every call goes to fallback.
func NewFallbackClassifier(primary, fallback Classifier, timeout time.Duration, log *slog.Logger) *FallbackClassifier {
	if log == nil {
		log = slog.Default()
	}
	return &FallbackClassifier{
		primary:  primary,
		fallback: fallback,
		timeout:  timeout,
		log:      log,
	}
}

// Classify returns the primary verdict if it arrives in time and is valid.
func (f *FallbackClassifier) Classify(ctx context.Context, w domain.ProcessedWindow) (domain.DetectionResult, error) {
	if f.primary != nil {
		res, err := f.tryPrimary(ctx, w)
		if err == nil {
			return res, nil
		}
		f.fallbacks.Add(1)
		f.log.Warn("remote classifier unavailable, using local heuristic",
			"error", err, "window_start", w.StartTime)
	}
	return f.fallback.Classify(ctx, w)
}

// Fallbacks returns how many calls were answered by the fallback after a
// primary failure.
func (f *FallbackClassifier) Fallbacks() int64 {
	return f.fallbacks.Load()
}

func (f *FallbackClassifier) tryPrimary(ctx context.Context, w domain.ProcessedWindow) (domain.DetectionResult, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	type outcome struct {
		res domain.DetectionResult
		err error
	}
	// buffered: the sender must not block after a timeout
	done := make(chan outcome, 1)
	go func() {
		res, err := f.primary.Classify(ctx, w)
		done <- outcome{res, err}
	}()

	select {
	case <-ctx.Done():
		return domain.DetectionResult{}, ctx.Err()
	case o := <-done:
		if o.err != nil {
			return domain.DetectionResult{}, o.err
		}
		if err := o.res.Validate(); err != nil {
			return domain.DetectionResult{}, err
		}
		return o.res, nil
	}
}
