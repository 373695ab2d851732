package observability

import (
	"context"

	"go.opentelemetry.io/otel/metric"
)

// Metrics is the minimal counters/histograms surface components depend on.
// Kept small and interface-shaped so tests can supply NoopMetrics.
type Metrics interface {
	IncCounter(ctx context.Context, name string, labels map[string]string)
	ObserveHistogram(ctx context.Context, name string, value float64, labels map[string]string)
}

// NoopMetrics implements Metrics without side effects; the default in tests.
type NoopMetrics struct{}

func (NoopMetrics) IncCounter(context.Context, string, map[string]string)                {}
func (NoopMetrics) ObserveHistogram(context.Context, string, float64, map[string]string) {}

// OtelMetrics adapts an otel Meter to the Metrics interface, lazily creating
// one instrument per metric name.
type OtelMetrics struct {
	meter      metric.Meter
	counters   map[string]metric.Float64Counter
	histograms map[string]metric.Float64Histogram
}

func NewOtelMetrics(meter metric.Meter) *OtelMetrics {
	return &OtelMetrics{
		meter:      meter,
		counters:   make(map[string]metric.Float64Counter),
		histograms: make(map[string]metric.Float64Histogram),
	}
}

func (m *OtelMetrics) IncCounter(ctx context.Context, name string, labels map[string]string) {
	c, ok := m.counters[name]
	if !ok {
		var err error
		c, err = m.meter.Float64Counter(name)
		if err != nil {
			return
		}
		m.counters[name] = c
	}
	c.Add(ctx, 1, metric.WithAttributes(attrsFromMap(labels)...))
}

func (m *OtelMetrics) ObserveHistogram(ctx context.Context, name string, value float64, labels map[string]string) {
	h, ok := m.histograms[name]
	if !ok {
		var err error
		h, err = m.meter.Float64Histogram(name)
		if err != nil {
			return
		}
		m.histograms[name] = h
	}
	h.Record(ctx, value, metric.WithAttributes(attrsFromMap(labels)...))
}
