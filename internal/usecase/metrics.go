package usecase

import "context"

// MetricsSummary represents aggregated liveness outcomes.
type MetricsSummary struct {
	TotalSessions     int64   `json:"total_sessions"`
	CompletedSessions int64   `json:"completed_sessions"`
	FailedSessions    int64   `json:"failed_sessions"`
	SystemErrors      int64   `json:"system_errors"`
	StoppedSessions   int64   `json:"stopped_sessions"`
	CompletionRate    float64 `json:"completion_rate"`
}

// GetMetricsSummary aggregates liveness outcomes from persisted sessions.
func (uc *LivenessUseCase) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	aggregation, err := uc.repo.AggregateOutcomes(ctx)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{
		TotalSessions:     aggregation.TotalCount,
		CompletedSessions: aggregation.CompletedCount,
		FailedSessions:    aggregation.FailedCount,
		SystemErrors:      aggregation.SystemErrorCount,
		StoppedSessions:   aggregation.StoppedCount,
	}

	if aggregation.TotalCount > 0 {
		summary.CompletionRate = float64(aggregation.CompletedCount) / float64(aggregation.TotalCount)
	}

	return summary, nil
}
