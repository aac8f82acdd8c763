package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/smartcity/roadwatch/internal/config"
)

// SessionReaper periodically closes sessions whose device went quiet without
// stopping the ride, such as sessions opened implicitly over MQTT.
type SessionReaper struct {
	sessions    *SessionService
	Interval    time.Duration
	IdleTimeout time.Duration

	log *slog.Logger

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewSessionReaper creates a new session reaper
func NewSessionReaper(sessions *SessionService, cfg config.SessionConfig, log *slog.Logger) *SessionReaper {
	if log == nil {
		log = slog.Default()
	}
	return &SessionReaper{
		sessions:    sessions,
		Interval:    cfg.ReapInterval,
		IdleTimeout: cfg.IdleTimeout,
		log:         log,
		stopChan:    make(chan struct{}),
	}
}

// Start runs the reap loop in a goroutine.
func (w *SessionReaper) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				w.RunOnce()
			case <-w.stopChan:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop requests the reaper to stop and waits for the loop to exit.
func (w *SessionReaper) Stop() {
	w.stopOnce.Do(func() { close(w.stopChan) })
	w.wg.Wait()
}

// RunOnce evicts idle sessions and returns how many were closed.
func (w *SessionReaper) RunOnce() int {
	evicted := w.sessions.EvictIdle(w.IdleTimeout)
	if len(evicted) > 0 {
		w.log.Info("session reap closed idle sessions",
			"evicted", len(evicted), "active", w.sessions.Active())
	}
	return len(evicted)
}
