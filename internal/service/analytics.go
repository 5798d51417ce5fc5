package service

import (
	"context"
	"time"

	"github.com/aman-churiwal/edge-gateway/internal/models"
	"github.com/aman-churiwal/edge-gateway/internal/repository"
)

// RequestLogReader is the query side of the persisted request log.
type RequestLogReader interface {
	FindByTimeRange(ctx context.Context, from, to time.Time, limit, offset int) ([]models.RequestLog, error)
	FindByIdentity(ctx context.Context, identity string, from, to time.Time, limit, offset int) ([]models.RequestLog, error)
	CountByTimeRange(ctx context.Context, from, to time.Time) (int64, error)
	GetAverageResponseTime(ctx context.Context, from, to time.Time) (float64, error)
	GetPercentile(ctx context.Context, from, to time.Time, percentile float64) (float64, error)
	CountByStatusCodeRange(ctx context.Context, minStatusCode, maxStatusCode int, from, to time.Time) (int64, error)
	CountByStage(ctx context.Context, from, to time.Time) ([]repository.StageCount, error)
	GetTopEndpoints(ctx context.Context, from, to time.Time, limit int) ([]map[string]interface{}, error)
}

type AnalyticsService struct {
	repository RequestLogReader
}

func NewAnalyticsService(repo RequestLogReader) *AnalyticsService {
	return &AnalyticsService{repository: repo}
}

// Holds analytics summary data
type AnalyticsSummary struct {
	TotalRequests   int64                    `json:"total_requests"`
	AvgResponseTime float64                  `json:"avg_response_time_ms"`
	P50ResponseTime float64                  `json:"p50_response_time_ms"`
	P95ResponseTime float64                  `json:"p95_response_time_ms"`
	P99ResponseTime float64                  `json:"p99_response_time_ms"`
	ErrorRate       float64                  `json:"error_rate"`
	SuccessRate     float64                  `json:"success_rate"`
	ClientErrorRate float64                  `json:"client_error_rate"`
	ServerErrorRate float64                  `json:"server_error_rate"`
	Stages          []repository.StageCount  `json:"stages"`
	TopEndpoints    []map[string]interface{} `json:"top_endpoints"`
}

// Retrieves analytics summary for a time range
func (s *AnalyticsService) GetSummary(ctx context.Context, from, to time.Time) (*AnalyticsSummary, error) {
	summary := &AnalyticsSummary{}

	totalRequests, err := s.repository.CountByTimeRange(ctx, from, to)
	if err != nil {
		return nil, err
	}
	summary.TotalRequests = totalRequests

	if totalRequests == 0 {
		return summary, nil
	}

	avgResponseTime, err := s.repository.GetAverageResponseTime(ctx, from, to)
	if err != nil {
		return nil, err
	}
	summary.AvgResponseTime = avgResponseTime

	// Percentiles are best effort
	summary.P50ResponseTime, _ = s.repository.GetPercentile(ctx, from, to, 0.50)
	summary.P95ResponseTime, _ = s.repository.GetPercentile(ctx, from, to, 0.95)
	summary.P99ResponseTime, _ = s.repository.GetPercentile(ctx, from, to, 0.99)

	clientErrors, err := s.repository.CountByStatusCodeRange(ctx, 400, 499, from, to)
	if err != nil {
		return nil, err
	}

	serverErrors, err := s.repository.CountByStatusCodeRange(ctx, 500, 599, from, to)
	if err != nil {
		return nil, err
	}

	totalErrors := clientErrors + serverErrors
	summary.ErrorRate = (float64(totalErrors) / float64(totalRequests)) * 100
	summary.SuccessRate = 100 - summary.ErrorRate
	summary.ClientErrorRate = (float64(clientErrors) / float64(totalRequests)) * 100
	summary.ServerErrorRate = (float64(serverErrors) / float64(totalRequests)) * 100

	stages, err := s.repository.CountByStage(ctx, from, to)
	if err != nil {
		return nil, err
	}
	summary.Stages = stages

	topEndpoints, err := s.repository.GetTopEndpoints(ctx, from, to, 10)
	if err != nil {
		return nil, err
	}
	summary.TopEndpoints = topEndpoints

	return summary, nil
}

// Retrieves persisted request logs, optionally for a single client identity
func (s *AnalyticsService) GetLogs(ctx context.Context, from, to time.Time, identity string, limit, offset int) ([]models.RequestLog, error) {
	if identity != "" {
		return s.repository.FindByIdentity(ctx, identity, from, to, limit, offset)
	}
	return s.repository.FindByTimeRange(ctx, from, to, limit, offset)
}
