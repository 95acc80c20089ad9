package promadapters

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"github.com/AntonStoeckl/transactional-entitymanager-go/entitymanager"
)

const (
	exemplarTraceID = "trace_id"
	helpDuration    = "Entity manager operation duration in seconds"
	helpCounter     = "Entity manager operation counter"
	helpGauge       = "Entity manager current value"
)

// ErrorHandler receives registration and label errors, the affected measurement is dropped.
type ErrorHandler func(metric string, err error)

// MetricsCollector implements entitymanager.MetricsCollector and entitymanager.ContextualMetricsCollector
// on Prometheus vectors.
type MetricsCollector struct {
	registerer   prometheus.Registerer
	buckets      []float64
	errorHandler ErrorHandler

	mu         sync.Mutex
	histograms map[string]*prometheus.HistogramVec
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
}

// Option defines a functional option for configuring MetricsCollector.
type Option func(*MetricsCollector)

// WithBuckets sets the histogram buckets in seconds, prometheus.DefBuckets otherwise.
func WithBuckets(buckets []float64) Option {
	return func(m *MetricsCollector) {
		m.buckets = buckets
	}
}

// WithErrorHandler sets the handler for dropped measurements.
func WithErrorHandler(handler ErrorHandler) Option {
	return func(m *MetricsCollector) {
		m.errorHandler = handler
	}
}

// NewMetricsCollector creates a collector registering its vectors with registerer,
// prometheus.DefaultRegisterer if nil.
func NewMetricsCollector(registerer prometheus.Registerer, options ...Option) *MetricsCollector {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &MetricsCollector{
		registerer: registerer,
		buckets:    prometheus.DefBuckets,
		histograms: make(map[string]*prometheus.HistogramVec),
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
	}

	for _, option := range options {
		option(m)
	}

	return m
}

// RecordDuration observes a duration in seconds.
func (m *MetricsCollector) RecordDuration(metric string, duration time.Duration, labels map[string]string) {
	m.RecordDurationContext(context.Background(), metric, duration, labels)
}

// RecordDurationContext observes a duration in seconds with a trace exemplar if possible.
func (m *MetricsCollector) RecordDurationContext(ctx context.Context, metric string, duration time.Duration, labels map[string]string) {
	vec, err := m.histogramVec(metric, labels)
	if err != nil {
		m.handleError(metric, err)
		return
	}

	observer, err := vec.GetMetricWith(labels)
	if err != nil {
		m.handleError(metric, err)
		return
	}

	exemplar := exemplarFrom(ctx)
	if exemplarObserver, ok := observer.(prometheus.ExemplarObserver); ok && exemplar != nil {
		exemplarObserver.ObserveWithExemplar(duration.Seconds(), exemplar)
		return
	}

	observer.Observe(duration.Seconds())
}

// IncrementCounter increments a counter by one.
func (m *MetricsCollector) IncrementCounter(metric string, labels map[string]string) {
	m.IncrementCounterContext(context.Background(), metric, labels)
}

// IncrementCounterContext increments a counter by one with a trace exemplar if possible.
func (m *MetricsCollector) IncrementCounterContext(ctx context.Context, metric string, labels map[string]string) {
	vec, err := m.counterVec(metric, labels)
	if err != nil {
		m.handleError(metric, err)
		return
	}

	counter, err := vec.GetMetricWith(labels)
	if err != nil {
		m.handleError(metric, err)
		return
	}

	exemplar := exemplarFrom(ctx)
	if exemplarAdder, ok := counter.(prometheus.ExemplarAdder); ok && exemplar != nil {
		exemplarAdder.AddWithExemplar(1, exemplar)
		return
	}

	counter.Inc()
}

// RecordValue sets a gauge.
func (m *MetricsCollector) RecordValue(metric string, value float64, labels map[string]string) {
	m.RecordValueContext(context.Background(), metric, value, labels)
}

// RecordValueContext sets a gauge, gauges carry no exemplars.
func (m *MetricsCollector) RecordValueContext(_ context.Context, metric string, value float64, labels map[string]string) {
	vec, err := m.gaugeVec(metric, labels)
	if err != nil {
		m.handleError(metric, err)
		return
	}

	gauge, err := vec.GetMetricWith(labels)
	if err != nil {
		m.handleError(metric, err)
		return
	}

	gauge.Set(value)
}

func (m *MetricsCollector) histogramVec(metric string, labels map[string]string) (*prometheus.HistogramVec, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if vec, exists := m.histograms[metric]; exists {
		return vec, nil
	}

	vec := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: metric, Help: helpDuration, Buckets: m.buckets},
		labelNames(labels),
	)

	registered, err := register(m.registerer, vec)
	if err != nil {
		return nil, err
	}

	m.histograms[metric] = registered

	return registered, nil
}

func (m *MetricsCollector) counterVec(metric string, labels map[string]string) (*prometheus.CounterVec, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if vec, exists := m.counters[metric]; exists {
		return vec, nil
	}

	registered, err := register(m.registerer, prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: metric, Help: helpCounter},
		labelNames(labels),
	))
	if err != nil {
		return nil, err
	}

	m.counters[metric] = registered

	return registered, nil
}

func (m *MetricsCollector) gaugeVec(metric string, labels map[string]string) (*prometheus.GaugeVec, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if vec, exists := m.gauges[metric]; exists {
		return vec, nil
	}

	registered, err := register(m.registerer, prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: metric, Help: helpGauge},
		labelNames(labels),
	))
	if err != nil {
		return nil, err
	}

	m.gauges[metric] = registered

	return registered, nil
}

func (m *MetricsCollector) handleError(metric string, err error) {
	if m.errorHandler != nil {
		m.errorHandler(metric, err)
	}
}

// register registers the vector or returns the equal vector registered before, e.g. by another collector
// sharing the registry.
func register[V prometheus.Collector](registerer prometheus.Registerer, vec V) (V, error) {
	err := registerer.Register(vec)
	if err == nil {
		return vec, nil
	}

	var alreadyRegistered prometheus.AlreadyRegisteredError
	if errors.As(err, &alreadyRegistered) {
		if existing, ok := alreadyRegistered.ExistingCollector.(V); ok {
			return existing, nil
		}
	}

	var zero V

	return zero, err
}

func labelNames(labels map[string]string) []string {
	return slices.Sorted(maps.Keys(labels))
}

func exemplarFrom(ctx context.Context) prometheus.Labels {
	spanContext := trace.SpanContextFromContext(ctx)
	if !spanContext.IsSampled() {
		return nil
	}

	return prometheus.Labels{exemplarTraceID: spanContext.TraceID().String()}
}

var (
	_ entitymanager.MetricsCollector           = (*MetricsCollector)(nil)
	_ entitymanager.ContextualMetricsCollector = (*MetricsCollector)(nil)
)
