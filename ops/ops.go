// Package ops defines the observability boundary: the snapshot the health
// endpoint serves and the sink the core pushes metrics into. Exporter
// formatting lives with whoever implements the sink.
package ops

import "context"

// Health is a point-in-time view of the serving core.
type Health struct {
	// CachedInstances is the count of live instances on this node.
	CachedInstances int `json:"cached_instances"`
	// Backend reports the shared backend probe, when one is configured.
	Backend *BackendHealth `json:"backend,omitempty"`
}

// BackendHealth is the result of probing a shared backend.
type BackendHealth struct {
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

// HealthSource is implemented by the serving core.
type HealthSource interface {
	Health(ctx context.Context) Health
}

// MetricsSink allows optional instrumentation without a hard dependency on
// any exporter. Implementations must be safe for concurrent use.
type MetricsSink interface {
	// IncCounter increments a named counter; one call per accepted operation.
	IncCounter(name string, tags map[string]string)
	// SetGauge records the current value of a named gauge.
	SetGauge(name string, value float64)
}

// NopMetrics discards all measurements.
type NopMetrics struct{}

func (NopMetrics) IncCounter(string, map[string]string) {}
func (NopMetrics) SetGauge(string, float64)             {}
