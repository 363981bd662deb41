package domain

// ============================================================
// Health & Metrics API Responses
// ============================================================

// HealthStatus is returned by GET /healthz.
type HealthStatus struct {
	Status   string          `json:"status"` // healthy, degraded, unhealthy
	Services []ServiceHealth `json:"services"`
}

// ServiceHealth represents the health of an individual dependency.
type ServiceHealth struct {
	Name        string `json:"name"`
	Status      string `json:"status"`
	LatencyMs   int64  `json:"latencyMs"`
	LastChecked string `json:"lastChecked"`
}

// CacheMetrics is returned by GET /v1/metrics/cache.
type CacheMetrics struct {
	Entries        int     `json:"entries"`
	Hits           float64 `json:"hits"`
	Misses         float64 `json:"misses"`
	HitRate        float64 `json:"hitRate"`
	Fetches        float64 `json:"fetches"`
	FetchErrors    float64 `json:"fetchErrors"`
	StaleDiscarded float64 `json:"staleDiscarded"`
	Invalidations  float64 `json:"invalidations"`
	Mutations      float64 `json:"mutations"`
	MutationErrors float64 `json:"mutationErrors"`
}

// ============================================================
// Generic API Response wrappers
// ============================================================

// ViewResponse wraps a cached collection view.
type ViewResponse[T any] struct {
	Key       string `json:"key"`
	Status    string `json:"status"`
	Data      []T    `json:"data"`
	Error     string `json:"error,omitempty"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

// SuccessResponse wraps a successful mutation response.
type SuccessResponse struct {
	Message string `json:"message"`
	ID      string `json:"id,omitempty"`
}
