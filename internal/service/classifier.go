package service

import (
	"context"

	"github.com/smartcity/roadwatch/internal/config"
	"github.com/smartcity/roadwatch/internal/domain"
	"github.com/smartcity/roadwatch/pkg/utils"
)

// Classifier turns window statistics into a defect verdict.
type Classifier interface {
	Classify(ctx context.Context, w domain.ProcessedWindow) (domain.DetectionResult, error)
}

// HeuristicClassifier is the threshold-based strategy. The same code backs the
// local and the server variant; only the thresholds differ.
type HeuristicClassifier struct {
	th config.HeuristicThresholds
}

// NewHeuristicClassifier creates a heuristic classifier
func NewHeuristicClassifier(th config.HeuristicThresholds) *HeuristicClassifier {
	return &HeuristicClassifier{th: th}
}

// Classify never fails.
func (c *HeuristicClassifier) Classify(_ context.Context, w domain.ProcessedWindow) (domain.DetectionResult, error) {
	return c.Evaluate(w.Magnitude, w.PeakMagnitude, w.AverageSpeed), nil
}

// Evaluate applies the decision policy. The pothole branch is checked first,
// so a window satisfying both branches is a pothole.
func (c *HeuristicClassifier) Evaluate(magnitude, peakMagnitude, averageSpeed float64) domain.DetectionResult {
	th := c.th

	if peakMagnitude > th.PotholePeak && magnitude > th.PotholeRMS {
		confidence := 0.6 + (peakMagnitude-th.PotholePeak)*0.05 + (magnitude-th.PotholeRMS)*0.1
		return domain.DetectionResult{
			DefectType: domain.DefectPothole,
			Confidence: utils.RoundTo(utils.Clamp(confidence, 0, th.PotholeConfidenceMax), 2),
			Severity:   utils.ClampInt(peakMagnitude, 1, 10),
		}
	}

	if magnitude > th.SpeedBreakerRMS && peakMagnitude < th.SpeedBreakerPeakMax && averageSpeed < th.SpeedBreakerSpeedMax {
		confidence := 0.5 + magnitude*0.1
		return domain.DetectionResult{
			DefectType: domain.DefectSpeedBreaker,
			Confidence: utils.RoundTo(utils.Clamp(confidence, 0, th.SpeedBreakerConfidenceMax), 2),
			Severity:   utils.ClampInt(magnitude*2, 1, 10),
		}
	}

	return domain.DetectionResult{
		DefectType: domain.DefectNormal,
		Confidence: th.NormalConfidence,
		Severity:   0,
	}
}
