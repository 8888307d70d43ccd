package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// GPUUtilization is one GPU's live load as reported by the external
// telemetry collector.
type GPUUtilization struct {
	Index          int     `json:"index"`
	UtilizationPct float64 `json:"utilization_pct"`
	MemoryUsedMB   int64   `json:"memory_used_mb"`
}

// Source provides live GPU utilization for the allocator's ranking.
type Source interface {
	GetUtilization(ctx context.Context) ([]GPUUtilization, error)
}

// HTTPSource polls a DCGM-style collector endpoint returning a JSON array of
// per-GPU utilization records.
type HTTPSource struct {
	url    string
	client *http.Client
}

func NewHTTPSource(url string, timeout time.Duration) *HTTPSource {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPSource{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

func (s *HTTPSource) GetUtilization(ctx context.Context) ([]GPUUtilization, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to query gpu telemetry: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gpu telemetry returned status %d", resp.StatusCode)
	}

	var utilization []GPUUtilization
	if err := json.NewDecoder(resp.Body).Decode(&utilization); err != nil {
		return nil, fmt.Errorf("failed to decode gpu telemetry: %w", err)
	}
	return utilization, nil
}

// StaticSource reports zero utilization for a fixed GPU count. Used when no
// collector is configured, and in tests.
type StaticSource struct {
	Utilization []GPUUtilization
}

func NewStaticSource(gpuCount int) *StaticSource {
	utilization := make([]GPUUtilization, gpuCount)
	for i := range utilization {
		utilization[i] = GPUUtilization{Index: i}
	}
	return &StaticSource{Utilization: utilization}
}

func (s *StaticSource) GetUtilization(ctx context.Context) ([]GPUUtilization, error) {
	return s.Utilization, nil
}
