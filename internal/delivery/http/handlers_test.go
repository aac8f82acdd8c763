package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartcity/roadwatch/internal/config"
	"github.com/smartcity/roadwatch/internal/domain"
	"github.com/smartcity/roadwatch/internal/repository/memory"
	"github.com/smartcity/roadwatch/internal/service"
)

type fakeRemote struct{ err error }

func (f fakeRemote) Health(context.Context) error { return f.err }

type testApp struct {
	app  *fiber.App
	repo *memory.Repository
	svc  Services
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	tuning := config.Default()
	repo := memory.NewRepository()

	agg := service.NewAggregationService(repo, tuning.Aggregation, log)
	detections := service.NewDetectionService(repo, agg, log)
	local := service.NewHeuristicClassifier(tuning.Classifier.Local)

	svc := Services{
		Repo:       repo,
		Sessions:   service.NewSessionService(detections, local, tuning.Processor, log),
		Detections: detections,
		Stats:      service.NewStatsService(repo, repo),
		Feed:       service.NewReportFeed(repo, log),
		Sweeper:    service.NewRetentionSweeper(repo, tuning.Retention, log),
		Classifier: service.NewHeuristicClassifier(tuning.Classifier.Remote),
		Log:        log,
	}

	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler})
	SetupRoutes(app, svc)
	return &testApp{app: app, repo: repo, svc: svc}
}

func (a *testApp) do(t *testing.T, method, path, body string) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

const potholeJSON = `{"user_id":"alice","session_id":"s1","timestamp":1767261600000,
	"location":{"lat":28.6139,"lon":77.2090},"defect_type":"pothole","confidence":0.8,"severity":7}`

func TestHealthCheck(t *testing.T) {
	a := newTestApp(t)

	code, body := a.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "disabled", body["classifier"])

	a = newTestApp(t)
	a.svc.Remote = fakeRemote{err: errors.New("connection refused")}
	a.app = fiber.New(fiber.Config{ErrorHandler: ErrorHandler})
	SetupRoutes(a.app, a.svc)
	code, body = a.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "degraded", body["status"])

	a.repo.FailWith(errors.New("connection refused"))
	code, body = a.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "unavailable", body["status"])
}

func TestRecordDetectionAndStats(t *testing.T) {
	a := newTestApp(t)

	code, body := a.do(t, http.MethodPost, "/api/v1/detections", potholeJSON)
	require.Equal(t, http.StatusCreated, code)
	data := body["data"].(map[string]any)
	report := data["report"].(map[string]any)
	assert.EqualValues(t, 1, report["report_count"])

	second := strings.Replace(potholeJSON, `"alice"`, `"bob"`, 1)
	code, _ = a.do(t, http.MethodPost, "/api/v1/detections", second)
	require.Equal(t, http.StatusCreated, code)

	code, body = a.do(t, http.MethodGet, "/api/v1/stats", "")
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 2, body["totalDetections"])
	assert.EqualValues(t, 1, body["verifiedReports"])
	assert.NotZero(t, body["timestamp"])
}

func TestRecordDetection_BadInput(t *testing.T) {
	a := newTestApp(t)

	tests := []struct {
		name string
		body string
	}{
		{"not json", `{`},
		{"missing user", strings.Replace(potholeJSON, `"alice"`, `""`, 1)},
		{"normal", strings.Replace(potholeJSON, `"pothole"`, `"normal"`, 1)},
		{"unknown type", strings.Replace(potholeJSON, `"pothole"`, `"crack"`, 1)},
		{"confidence", strings.Replace(potholeJSON, `0.8`, `1.8`, 1)},
		{"latitude", strings.Replace(potholeJSON, `28.6139`, `128.6`, 1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := a.do(t, http.MethodPost, "/api/v1/detections", tt.body)
			assert.Equal(t, http.StatusBadRequest, code)
			assert.Equal(t, true, body["error"])
		})
	}
}

func TestStoreUnavailable(t *testing.T) {
	a := newTestApp(t)
	a.repo.FailWith(errors.New("connection refused"))

	code, body := a.do(t, http.MethodPost, "/api/v1/detections", potholeJSON)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.NotContains(t, body["message"], "connection refused")

	code, _ = a.do(t, http.MethodGet, "/api/v1/stats", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestReports(t *testing.T) {
	a := newTestApp(t)
	code, body := a.do(t, http.MethodPost, "/api/v1/detections", potholeJSON)
	require.Equal(t, http.StatusCreated, code)
	id := body["data"].(map[string]any)["report"].(map[string]any)["id"].(string)

	code, body = a.do(t, http.MethodGet, "/api/v1/reports?min_lat=28&min_lon=77&max_lat=29&max_lon=78&type=pothole", "")
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["count"])

	code, body = a.do(t, http.MethodGet, "/api/v1/reports?min_lat=10&min_lon=10&max_lat=11&max_lon=11", "")
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 0, body["count"])
	assert.Equal(t, []any{}, body["data"])

	code, _ = a.do(t, http.MethodGet, "/api/v1/reports?min_lat=28", "")
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = a.do(t, http.MethodGet, "/api/v1/reports?type=normal", "")
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = a.do(t, http.MethodGet, "/api/v1/reports/"+id, "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, id, body["data"].(map[string]any)["id"])

	code, _ = a.do(t, http.MethodGet, "/api/v1/reports/does-not-exist", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestSessionLifecycle(t *testing.T) {
	a := newTestApp(t)

	code, body := a.do(t, http.MethodPost, "/api/v1/sessions", `{"user_id":"alice"}`)
	require.Equal(t, http.StatusCreated, code)
	id := body["data"].(map[string]any)["session_id"].(string)

	now := time.Now().UnixMilli()
	readings := `{"readings":[` +
		`{"timestamp":` + jsonInt(now) + `,"accelerometer":{"x":0,"y":0,"z":9.81},"gps":{"latitude":28.6,"longitude":77.2,"accuracy":5,"speed":10}},` +
		`{"timestamp":` + jsonInt(now+20) + `,"gps":{"latitude":28.6,"longitude":77.2,"accuracy":5,"speed":null}}]}`
	code, body = a.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/readings", readings)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 2, body["data"].(map[string]any)["readings"])

	code, body = a.do(t, http.MethodGet, "/api/v1/sessions/"+id, "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "alice", body["data"].(map[string]any)["user_id"])

	code, _ = a.do(t, http.MethodDelete, "/api/v1/sessions/"+id, "")
	assert.Equal(t, http.StatusOK, code)

	code, _ = a.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/readings", readings)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = a.do(t, http.MethodPost, "/api/v1/sessions", `{}`)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestClassifyEndpoint(t *testing.T) {
	a := newTestApp(t)

	code, body := a.do(t, http.MethodPost, "/api/v1/classify", `{"magnitude":4,"peak_magnitude":9,"average_speed":40}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "pothole", body["defect_type"])
	assert.EqualValues(t, 9, body["severity"])

	code, _ = a.do(t, http.MethodPost, "/api/v1/classify", `{"magnitude":-1,"peak_magnitude":9,"average_speed":40}`)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestClassifyEndpoint_AsRemote(t *testing.T) {
	a := newTestApp(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := httptest.NewRequest(r.Method, "/api/v1"+r.URL.Path, r.Body)
		req.Header = r.Header
		resp, err := a.app.Test(req, -1)
		if err != nil {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		defer resp.Body.Close()
		w.WriteHeader(resp.StatusCode)
		_, _ = io.Copy(w, resp.Body)
	}))
	defer srv.Close()

	bridge := service.NewMLBridge(srv.URL, time.Second)
	got, err := bridge.Classify(context.Background(), domain.ProcessedWindow{Magnitude: 4, PeakMagnitude: 9, AverageSpeed: 40})
	require.NoError(t, err)
	assert.Equal(t, domain.DefectPothole, got.DefectType)

	// a peer reached at {base}/api/v1 must also answer its health check there
	assert.NoError(t, bridge.Health(context.Background()))
}

func TestHealthCheck_UnderAPIPrefix(t *testing.T) {
	a := newTestApp(t)
	code, body := a.do(t, http.MethodGet, "/api/v1/health", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
}

func TestRunRetention(t *testing.T) {
	a := newTestApp(t)
	old := strings.Replace(potholeJSON, `1767261600000`, jsonInt(time.Now().Add(-40*24*time.Hour).UnixMilli()), 1)
	code, _ := a.do(t, http.MethodPost, "/api/v1/detections", old)
	require.Equal(t, http.StatusCreated, code)

	code, body := a.do(t, http.MethodPost, "/api/v1/maintenance/retention", "")
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["deleted"])
}

func TestErrorHandler_UnknownRoute(t *testing.T) {
	a := newTestApp(t)
	code, body := a.do(t, http.MethodGet, "/api/v1/nope", "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, true, body["error"])
}

func jsonInt(v int64) string {
	b, _ := json.Marshal(v)
	return string(b)
}
