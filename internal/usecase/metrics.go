package usecase

import (
	"context"

	"github.com/example/face-verify/internal/logging"
)

// MetricsSummary represents aggregated verification insights.
type MetricsSummary struct {
	TotalRequests              int64            `json:"total_requests"`
	Matches                    int64            `json:"matches"`
	Rejections                 int64            `json:"rejections"`
	Failures                   int64            `json:"failures"`
	FailuresByCode             map[string]int64 `json:"failures_by_code"`
	MatchRate                  float64          `json:"match_rate"`
	AverageSimilarity          float64          `json:"average_similarity"`
	AverageProcessingLatencyMs float64          `json:"average_processing_latency_ms"`
	Threshold                  float64          `json:"threshold"`
	Model                      string           `json:"model"`
}

// GetMetricsSummary aggregates verification counters.
func (uc *VerificationUseCase) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	counters, err := uc.stats.Counters(ctx)
	if err != nil {
		return nil, logging.NewOperationError("usecase.metrics_summary", logging.RequestIDFromContext(ctx), err)
	}

	summary := &MetricsSummary{
		TotalRequests:  counters.Total,
		Matches:        counters.Matches,
		Rejections:     counters.Rejections,
		Failures:       counters.Failures,
		FailuresByCode: counters.FailureCodes,
		Threshold:      uc.rule.Threshold,
		Model:          uc.extractor.ModelID(),
	}

	if compared := counters.Matches + counters.Rejections; compared > 0 {
		summary.MatchRate = float64(counters.Matches) / float64(compared)
		summary.AverageSimilarity = counters.SimilaritySum / float64(compared)
	}
	if counters.Total > 0 {
		summary.AverageProcessingLatencyMs = counters.LatencyMsSum / float64(counters.Total)
	}

	return summary, nil
}
