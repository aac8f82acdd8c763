package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartcity/roadwatch/internal/config"
	"github.com/smartcity/roadwatch/internal/domain"
)

func TestHeuristicClassifier_Evaluate(t *testing.T) {
	local := NewHeuristicClassifier(config.LocalThresholds())

	tests := []struct {
		name       string
		magnitude  float64
		peak       float64
		speed      float64
		wantType   domain.DefectType
		wantConf   float64
		wantSevere int
	}{
		{"pothole", 4, 9, 40, domain.DefectPothole, 0.75, 9},
		{"pothole confidence capped", 8, 20, 40, domain.DefectPothole, 0.95, 10},
		{"speed breaker", 2.5, 5, 20, domain.DefectSpeedBreaker, 0.75, 5},
		{"speed breaker confidence capped", 5, 7, 20, domain.DefectSpeedBreaker, 0.9, 10},
		{"too fast for a speed breaker", 2.5, 5, 45, domain.DefectNormal, 0.9, 0},
		{"smooth road", 1, 3, 40, domain.DefectNormal, 0.9, 0},
		// peak and rms high enough for both rules, speed low: pothole wins
		{"pothole rule first", 3.5, 9, 10, domain.DefectPothole, 0.7, 9},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := local.Evaluate(tt.magnitude, tt.peak, tt.speed)
			assert.Equal(t, tt.wantType, got.DefectType)
			assert.InDelta(t, tt.wantConf, got.Confidence, 1e-9)
			assert.Equal(t, tt.wantSevere, got.Severity)
			assert.NoError(t, got.Validate())
		})
	}
}

func TestHeuristicClassifier_SeverityFloor(t *testing.T) {
	c := NewHeuristicClassifier(config.HeuristicThresholds{
		PotholePeak: 0.1, PotholeRMS: 0.1, PotholeConfidenceMax: 0.95,
	})
	got := c.Evaluate(0.2, 0.5, 10)
	assert.Equal(t, domain.DefectPothole, got.DefectType)
	assert.Equal(t, 1, got.Severity)
}

func TestHeuristicClassifier_RemoteThresholdsDiffer(t *testing.T) {
	local := NewHeuristicClassifier(config.LocalThresholds())
	remote := NewHeuristicClassifier(config.RemoteThresholds())

	// clears the local pothole rule but not the stricter remote one
	assert.Equal(t, domain.DefectPothole, local.Evaluate(3.2, 8.2, 40).DefectType)
	assert.Equal(t, domain.DefectNormal, remote.Evaluate(3.2, 8.2, 40).DefectType)
}

func classifyServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestMLBridge_Classify(t *testing.T) {
	srv := classifyServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/classify", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)

		var req ClassifyRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, 4.0, req.Magnitude)
		assert.Equal(t, 9.0, req.PeakMagnitude)
		assert.Equal(t, 36.0, req.AverageSpeed)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"defect_type":"pothole","confidence":0.8,"severity":7}`))
	})

	bridge := NewMLBridge(srv.URL, time.Second)
	got, err := bridge.Classify(context.Background(), domain.ProcessedWindow{Magnitude: 4, PeakMagnitude: 9, AverageSpeed: 36})
	require.NoError(t, err)
	assert.Equal(t, domain.DetectionResult{DefectType: domain.DefectPothole, Confidence: 0.8, Severity: 7}, got)
}

func TestMLBridge_Errors(t *testing.T) {
	t.Run("no url", func(t *testing.T) {
		_, err := NewMLBridge("", time.Second).Classify(context.Background(), domain.ProcessedWindow{})
		assert.Error(t, err)
	})

	t.Run("bad status", func(t *testing.T) {
		srv := classifyServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		})
		_, err := NewMLBridge(srv.URL, time.Second).Classify(context.Background(), domain.ProcessedWindow{})
		assert.ErrorContains(t, err, "status 500")
	})

	t.Run("invalid verdict", func(t *testing.T) {
		srv := classifyServer(t, func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"defect_type":"crack","confidence":0.8,"severity":7}`))
		})
		_, err := NewMLBridge(srv.URL, time.Second).Classify(context.Background(), domain.ProcessedWindow{})
		assert.ErrorContains(t, err, "invalid result")
	})

	t.Run("garbage body", func(t *testing.T) {
		srv := classifyServer(t, func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`not json`))
		})
		_, err := NewMLBridge(srv.URL, time.Second).Classify(context.Background(), domain.ProcessedWindow{})
		assert.ErrorContains(t, err, "decode")
	})
}

func TestMLBridge_Health(t *testing.T) {
	srv := classifyServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})
	assert.NoError(t, NewMLBridge(srv.URL, time.Second).Health(context.Background()))
	assert.Error(t, NewMLBridge("", time.Second).Health(context.Background()))
}
