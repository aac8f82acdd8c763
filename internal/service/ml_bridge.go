package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/smartcity/roadwatch/internal/domain"
)

// ClassifyRequest is the statistics tuple sent to the remote classifier.
type ClassifyRequest struct {
	Magnitude     float64 `json:"magnitude"`
	PeakMagnitude float64 `json:"peak_magnitude"`
	AverageSpeed  float64 `json:"average_speed"`
}

// MLBridge handles communication with the remote classification service
type MLBridge struct {
	serviceURL string
	httpClient *http.Client
}

// NewMLBridge creates a new ML bridge. timeout caps every request, on top of
// any deadline carried by the caller's context.
func NewMLBridge(serviceURL string, timeout time.Duration) *MLBridge {
	return &MLBridge{
		serviceURL: serviceURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Classify calls the remote service. Unlike the local heuristic it can fail;
// wrap it in a FallbackClassifier.
func (b *MLBridge) Classify(ctx context.Context, w domain.ProcessedWindow) (domain.DetectionResult, error) {
	if b.serviceURL == "" {
		return domain.DetectionResult{}, fmt.Errorf("ml_bridge: no service URL configured")
	}

	body, err := json.Marshal(ClassifyRequest{
		Magnitude:     w.Magnitude,
		PeakMagnitude: w.PeakMagnitude,
		AverageSpeed:  w.AverageSpeed,
	})
	if err != nil {
		return domain.DetectionResult{}, fmt.Errorf("ml_bridge: failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/classify", b.serviceURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return domain.DetectionResult{}, fmt.Errorf("ml_bridge: failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := b.httpClient.Do(httpReq)
	if err != nil {
		return domain.DetectionResult{}, fmt.Errorf("ml_bridge: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return domain.DetectionResult{}, fmt.Errorf("ml_bridge: classify returned status %d", resp.StatusCode)
	}

	var result domain.DetectionResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return domain.DetectionResult{}, fmt.Errorf("ml_bridge: failed to decode response: %w", err)
	}
	if err := result.Validate(); err != nil {
		return domain.DetectionResult{}, fmt.Errorf("ml_bridge: invalid result: %w", err)
	}

	return result, nil
}

// Health checks ML service connectivity
func (b *MLBridge) Health(ctx context.Context) error {
	if b.serviceURL == "" {
		return fmt.Errorf("ml_bridge: no service URL configured")
	}

	url := fmt.Sprintf("%s/health", b.serviceURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("ml_bridge: failed to create health request: %w", err)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ml_bridge: health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ml_bridge: health check returned status %d", resp.StatusCode)
	}

	return nil
}
