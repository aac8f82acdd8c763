package http

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	jsoniter "github.com/json-iterator/go"
	"github.com/valyala/fasthttp"

	"github.com/smartcity/roadwatch/internal/domain"
	"github.com/smartcity/roadwatch/internal/service"
	"github.com/smartcity/roadwatch/pkg/geo"
)

const (
	defaultReportLimit = 100
	maxReportLimit     = 1000
	streamHeartbeat    = 15 * time.Second
)

// HealthChecker is anything that can report its own connectivity.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Services bundles what the handlers depend on. Remote may be nil when no
// remote classifier is configured.
type Services struct {
	Repo       service.DataRepository
	Sessions   *service.SessionService
	Detections *service.DetectionService
	Stats      *service.StatsService
	Feed       *service.ReportFeed
	Sweeper    *service.RetentionSweeper
	Classifier *service.HeuristicClassifier
	Remote     HealthChecker
	Log        *slog.Logger
}

// Handler contains all HTTP handlers
type Handler struct {
	svc Services
	log *slog.Logger
}

// NewHandler creates a new handler
func NewHandler(svc Services) *Handler {
	log := svc.Log
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, log: log}
}

// fail maps service errors onto HTTP statuses.
func (h *Handler) fail(err error, message string) error {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, "Not found")
	case errors.Is(err, domain.ErrStoreUnavailable), errors.Is(err, domain.ErrReportVanished):
		h.log.Error(message, "error", err)
		return fiber.NewError(fiber.StatusServiceUnavailable, "Storage temporarily unavailable, please retry")
	case errors.Is(err, service.ErrNotAggregatable):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	default:
		h.log.Error(message, "error", err)
		return fiber.NewError(fiber.StatusInternalServerError, message)
	}
}

// HealthCheck returns service health status. A failing store makes the
// service unavailable; a failing remote classifier only degrades it.
func (h *Handler) HealthCheck(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 2*time.Second)
	defer cancel()

	status := "ok"
	code := fiber.StatusOK
	store, remote := "ok", "disabled"

	if err := h.svc.Repo.Health(ctx); err != nil {
		status, code, store = "unavailable", fiber.StatusServiceUnavailable, err.Error()
	}
	if h.svc.Remote != nil {
		remote = "ok"
		if err := h.svc.Remote.Health(ctx); err != nil {
			remote = err.Error()
			if code == fiber.StatusOK {
				status = "degraded"
			}
		}
	}

	return c.Status(code).JSON(fiber.Map{
		"status":          status,
		"service":         "roadwatch",
		"version":         "1.0.0",
		"store":           store,
		"classifier":      remote,
		"active_sessions": h.svc.Sessions.Active(),
		"subscribers":     h.svc.Feed.Subscribers(),
	})
}

// GetStats returns the public counters.
func (h *Handler) GetStats(c *fiber.Ctx) error {
	stats, err := h.svc.Stats.GetStats(c.Context())
	if err != nil {
		return h.fail(err, "Failed to fetch stats")
	}
	return c.JSON(stats)
}

type startSessionRequest struct {
	UserID string `json:"user_id"`
}

// StartSession opens a ride session.
func (h *Handler) StartSession(c *fiber.Ctx) error {
	var req startSessionRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid request body")
	}
	if req.UserID == "" {
		return fiber.NewError(fiber.StatusBadRequest, "user_id is required")
	}

	sess, err := h.svc.Sessions.Start(req.UserID)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"success": true,
		"data":    sess,
	})
}

// GetSession returns a session summary.
func (h *Handler) GetSession(c *fiber.Ctx) error {
	sess, err := h.svc.Sessions.Get(c.Params("id"))
	if err != nil {
		return h.fail(err, "Failed to fetch session")
	}
	return c.JSON(fiber.Map{
		"success": true,
		"data":    sess,
	})
}

type ingestRequest struct {
	Readings []domain.SensorReading `json:"readings"`
}

// IngestReadings pushes a batch of sensor readings through a session.
func (h *Handler) IngestReadings(c *fiber.Ctx) error {
	var req ingestRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid request body")
	}

	res, err := h.svc.Sessions.Ingest(c.Context(), c.Params("id"), req.Readings)
	if err != nil {
		return h.fail(err, "Failed to ingest readings")
	}
	return c.JSON(fiber.Map{
		"success": true,
		"data":    res,
	})
}

// StopSession closes a session and returns its summary.
func (h *Handler) StopSession(c *fiber.Ctx) error {
	summary, err := h.svc.Sessions.Stop(c.Params("id"))
	if err != nil {
		return h.fail(err, "Failed to stop session")
	}
	return c.JSON(fiber.Map{
		"success": true,
		"data":    summary,
	})
}

type recordDetectionRequest struct {
	SessionID  string                  `json:"session_id"`
	UserID     string                  `json:"user_id"`
	Timestamp  int64                   `json:"timestamp"`
	Location   geo.Point               `json:"location"`
	DefectType domain.DefectType       `json:"defect_type"`
	Confidence float64                 `json:"confidence"`
	Severity   int                     `json:"severity"`
	Window     *domain.ProcessedWindow `json:"window,omitempty"`
}

func (r recordDetectionRequest) validate() error {
	if r.UserID == "" {
		return errors.New("user_id is required")
	}
	if r.Location.Latitude < -90 || r.Location.Latitude > 90 ||
		r.Location.Longitude < -180 || r.Location.Longitude > 180 {
		return errors.New("location out of range")
	}
	res := domain.DetectionResult{DefectType: r.DefectType, Confidence: r.Confidence, Severity: r.Severity}
	return res.Validate()
}

// RecordDetection accepts a detection classified on the device.
func (h *Handler) RecordDetection(c *fiber.Ctx) error {
	var req recordDetectionRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid request body")
	}
	if err := req.validate(); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	ts := time.Now()
	if req.Timestamp > 0 {
		ts = time.UnixMilli(req.Timestamp)
	}
	d := &domain.Detection{
		SessionID:  req.SessionID,
		UserID:     req.UserID,
		Timestamp:  ts,
		Location:   req.Location,
		DefectType: req.DefectType,
		Confidence: req.Confidence,
		Severity:   req.Severity,
	}
	if req.Window != nil {
		d.Window = *req.Window
	}

	report, err := h.svc.Detections.Record(c.Context(), d)
	if err != nil {
		return h.fail(err, "Failed to record detection")
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"success": true,
		"data": fiber.Map{
			"detection": d,
			"report":    report,
		},
	})
}

// parseReportFilter reads the map query. Bounds need all four corners.
func parseReportFilter(c *fiber.Ctx) (domain.ReportFilter, error) {
	filter := domain.ReportFilter{Limit: c.QueryInt("limit", defaultReportLimit)}
	if filter.Limit < 1 || filter.Limit > maxReportLimit {
		filter.Limit = defaultReportLimit
	}

	if t := c.Query("type"); t != "" {
		filter.DefectType = domain.DefectType(t)
		if !filter.DefectType.IsDefect() {
			return domain.ReportFilter{}, fmt.Errorf("unknown defect type %q", t)
		}
	}

	keys := []string{"min_lat", "min_lon", "max_lat", "max_lon"}
	given := 0
	for _, k := range keys {
		if c.Query(k) != "" {
			given++
		}
	}
	switch given {
	case 0:
		return filter, nil
	case len(keys):
	default:
		return domain.ReportFilter{}, errors.New("bounds need min_lat, min_lon, max_lat and max_lon")
	}

	b := domain.Bounds{
		MinLat: c.QueryFloat("min_lat"),
		MinLon: c.QueryFloat("min_lon"),
		MaxLat: c.QueryFloat("max_lat"),
		MaxLon: c.QueryFloat("max_lon"),
	}
	if b.MinLat > b.MaxLat || b.MinLon > b.MaxLon {
		return domain.ReportFilter{}, errors.New("empty bounding box")
	}
	filter.Bounds = &b
	return filter, nil
}

// ListReports returns reports for the map view, most credible first.
func (h *Handler) ListReports(c *fiber.Ctx) error {
	filter, err := parseReportFilter(c)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	reports, err := h.svc.Repo.ListReports(c.Context(), filter)
	if err != nil {
		return h.fail(err, "Failed to fetch reports")
	}
	if reports == nil {
		reports = []domain.AggregatedReport{}
	}
	return c.JSON(fiber.Map{
		"success": true,
		"data":    reports,
		"count":   len(reports),
	})
}

// GetReport returns one report.
func (h *Handler) GetReport(c *fiber.Ctx) error {
	report, err := h.svc.Repo.GetReport(c.Context(), c.Params("id"))
	if err != nil {
		return h.fail(err, "Failed to fetch report")
	}
	return c.JSON(fiber.Map{
		"success": true,
		"data":    report,
	})
}

// StreamReports pushes the current report set as server-sent events each
// time it changes.
func (h *Handler) StreamReports(c *fiber.Ctx) error {
	filter, err := parseReportFilter(c)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	ctx, cancel := context.WithCancel(context.Background())
	updates := make(chan []domain.AggregatedReport, 1)
	unsubscribe, err := h.svc.Feed.Subscribe(ctx, filter, func(reports []domain.AggregatedReport) {
		// keep only the newest set
		select {
		case <-updates:
		default:
		}
		updates <- reports
	})
	if err != nil {
		cancel()
		return h.fail(err, "Failed to subscribe to reports")
	}

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")

	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		defer cancel()
		defer unsubscribe()

		heartbeat := time.NewTicker(streamHeartbeat)
		defer heartbeat.Stop()

		for {
			select {
			case reports := <-updates:
				if err := writeEvent(w, "reports", reports); err != nil {
					return
				}
			case <-heartbeat.C:
				if _, err := w.WriteString(": ping\n\n"); err != nil {
					return
				}
				if err := w.Flush(); err != nil {
					return
				}
			}
		}
	}))
	return nil
}

func writeEvent(w *bufio.Writer, event string, v any) error {
	data, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	return w.Flush()
}

// Classify serves the server-side heuristic so another instance can use this
// one as its remote classifier.
func (h *Handler) Classify(c *fiber.Ctx) error {
	var req service.ClassifyRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid request body")
	}
	if req.Magnitude < 0 || req.PeakMagnitude < 0 || req.AverageSpeed < 0 {
		return fiber.NewError(fiber.StatusBadRequest, "statistics must be non-negative")
	}
	return c.JSON(h.svc.Classifier.Evaluate(req.Magnitude, req.PeakMagnitude, req.AverageSpeed))
}

// RunRetention runs one retention sweep for an external scheduler.
func (h *Handler) RunRetention(c *fiber.Ctx) error {
	deleted, err := h.svc.Sweeper.RunOnce(c.Context())
	if err != nil {
		return h.fail(err, "Retention sweep failed")
	}
	return c.JSON(fiber.Map{
		"success": true,
		"deleted": deleted,
	})
}
