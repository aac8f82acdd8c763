package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/smartcity/roadwatch/internal/config"
	"github.com/smartcity/roadwatch/internal/domain"
	"github.com/smartcity/roadwatch/internal/signal"
)

// SessionSummary describes a ride session.
type SessionSummary struct {
	SessionID  string                    `json:"session_id"`
	UserID     string                    `json:"user_id"`
	StartedAt  time.Time                 `json:"started_at"`
	StoppedAt  *time.Time                `json:"stopped_at,omitempty"`
	Readings   int                       `json:"readings"`
	Windows    int                       `json:"windows"`
	Detections map[domain.DefectType]int `json:"detections"`
	Failures   int                       `json:"failures"`
}

// IngestResult counts what one batch of readings produced.
type IngestResult struct {
	Readings   int `json:"readings"`
	Windows    int `json:"windows"`
	Detections int `json:"detections"`
	Failures   int `json:"failures"`
}

// session owns one signal processor. mu serializes ingestion per session.
// lastActive (unix ms) is read without mu.
type session struct {
	mu         sync.Mutex
	summary    SessionSummary
	proc       *signal.Processor
	pending    []domain.ProcessedWindow
	lastActive atomic.Int64
}

// SessionService runs the per-ride pipeline: readings go through a signal
// processor, emitted windows through the classifier, and defects through the
// detection-save path.
type SessionService struct {
	detections *DetectionService
	classifier Classifier
	procCfg    config.ProcessorConfig
	log        *slog.Logger
	now        func() time.Time

	mu       sync.RWMutex
	sessions map[string]*session
}

// NewSessionService creates a new session service
func NewSessionService(detections *DetectionService, classifier Classifier, procCfg config.ProcessorConfig, log *slog.Logger) *SessionService {
	if log == nil {
		log = slog.Default()
	}
	return &SessionService{
		detections: detections,
		classifier: classifier,
		procCfg:    procCfg,
		log:        log,
		now:        time.Now,
		sessions:   make(map[string]*session),
	}
}

// Start opens a new session for userID.
func (s *SessionService) Start(userID string) (SessionSummary, error) {
	return s.Ensure(uuid.NewString(), userID)
}

// Ensure returns the session with the given id, opening it for userID if it
// does not exist yet.
func (s *SessionService) Ensure(sessionID, userID string) (SessionSummary, error) {
	if sessionID == "" || userID == "" {
		return SessionSummary{}, errors.New("session: session id and user id are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.sessions[sessionID]; ok {
		return existing.snapshot(), nil
	}

	sess := &session{
		summary: SessionSummary{
			SessionID:  sessionID,
			UserID:     userID,
			StartedAt:  s.now(),
			Detections: make(map[domain.DefectType]int),
		},
	}
	sess.proc = signal.NewProcessor(s.procCfg, func(w domain.ProcessedWindow) {
		sess.pending = append(sess.pending, w)
	})
	sess.proc.SetClock(func() int64 { return s.now().UnixMilli() })
	sess.lastActive.Store(s.now().UnixMilli())
	s.sessions[sessionID] = sess

	s.log.Info("session started", "session_id", sessionID, "user_id", userID)
	return sess.snapshot(), nil
}

// Get returns a session summary.
func (s *SessionService) Get(sessionID string) (SessionSummary, error) {
	sess, err := s.lookup(sessionID)
	if err != nil {
		return SessionSummary{}, err
	}
	return sess.snapshot(), nil
}

// Active returns the number of open sessions.
func (s *SessionService) Active() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Ingest feeds readings through the session pipeline. Classification and
// persistence problems are logged and counted; they never abort the batch.
func (s *SessionService) Ingest(ctx context.Context, sessionID string, readings []domain.SensorReading) (IngestResult, error) {
	sess, err := s.lookup(sessionID)
	if err != nil {
		return IngestResult{}, err
	}

	sess.lastActive.Store(s.now().UnixMilli())
	sess.mu.Lock()
	defer sess.mu.Unlock()
	defer func() { sess.lastActive.Store(s.now().UnixMilli()) }()

	var res IngestResult
	for _, r := range readings {
		sess.proc.AddReading(r)
		res.Readings++

		for _, w := range sess.pending {
			res.Windows++
			s.handleWindow(ctx, sess, w, &res)
		}
		sess.pending = sess.pending[:0]
	}

	sess.summary.Readings += res.Readings
	sess.summary.Windows += res.Windows
	sess.summary.Failures += res.Failures
	return res, nil
}

func (s *SessionService) handleWindow(ctx context.Context, sess *session, w domain.ProcessedWindow, res *IngestResult) {
	verdict, err := s.classifier.Classify(ctx, w)
	if err != nil {
		res.Failures++
		s.log.Warn("window classification failed", "session_id", sess.summary.SessionID, "error", err)
		return
	}
	if !verdict.DefectType.IsDefect() {
		return
	}

	d := &domain.Detection{
		SessionID:  sess.summary.SessionID,
		UserID:     sess.summary.UserID,
		Timestamp:  time.UnixMilli(w.EndTime),
		Location:   w.Centroid,
		DefectType: verdict.DefectType,
		Confidence: verdict.Confidence,
		Severity:   verdict.Severity,
		Window:     w,
	}
	if _, err := s.detections.Record(ctx, d); err != nil {
		res.Failures++
		s.log.Warn("failed to record detection, continuing ride",
			"session_id", sess.summary.SessionID, "type", d.DefectType, "error", err)
		return
	}

	res.Detections++
	sess.summary.Detections[d.DefectType]++
}

// Stop resets the session's processor, closes the session and returns its
// final summary.
func (s *SessionService) Stop(sessionID string) (SessionSummary, error) {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if ok {
		delete(s.sessions, sessionID)
	}
	s.mu.Unlock()
	if !ok {
		return SessionSummary{}, fmt.Errorf("session %s: %w", sessionID, domain.ErrNotFound)
	}

	summary := s.close(sess)
	s.log.Info("session stopped", "session_id", sessionID,
		"readings", summary.Readings, "windows", summary.Windows, "failures", summary.Failures)
	return summary, nil
}

// EvictIdle closes every session that has not ingested anything for maxIdle
// and returns their final summaries.
func (s *SessionService) EvictIdle(maxIdle time.Duration) []SessionSummary {
	cutoff := s.now().Add(-maxIdle).UnixMilli()

	s.mu.Lock()
	var idle []*session
	for id, sess := range s.sessions {
		if sess.lastActive.Load() < cutoff {
			idle = append(idle, sess)
			delete(s.sessions, id)
		}
	}
	s.mu.Unlock()

	out := make([]SessionSummary, 0, len(idle))
	for _, sess := range idle {
		summary := s.close(sess)
		s.log.Info("idle session evicted", "session_id", summary.SessionID,
			"user_id", summary.UserID, "readings", summary.Readings)
		out = append(out, summary)
	}
	return out
}

// close resets a session already removed from the map.
func (s *SessionService) close(sess *session) SessionSummary {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.proc.Reset()
	sess.pending = nil

	stopped := s.now()
	sess.summary.StoppedAt = &stopped
	return sess.snapshotLocked()
}

func (s *SessionService) lookup(sessionID string) (*session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, domain.ErrNotFound)
	}
	return sess, nil
}

func (ss *session) snapshot() SessionSummary {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.snapshotLocked()
}

func (ss *session) snapshotLocked() SessionSummary {
	out := ss.summary
	out.Detections = make(map[domain.DefectType]int, len(ss.summary.Detections))
	for k, v := range ss.summary.Detections {
		out.Detections[k] = v
	}
	return out
}
