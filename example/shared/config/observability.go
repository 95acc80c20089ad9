package config

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/AntonStoeckl/transactional-entitymanager-go/entitymanager"
	"github.com/AntonStoeckl/transactional-entitymanager-go/entitymanager/oteladapters"
	"github.com/AntonStoeckl/transactional-entitymanager-go/entitymanager/promadapters"
)

const metricsReadHeaderTimeout = 5 * time.Second

var ErrInvalidLogLevel = errors.New("invalid log level")

// Observability holds the logger and, if enabled, the tracing and metrics backends of an application.
type Observability struct {
	Logger           *slog.Logger
	ContextualLogger entitymanager.ContextualLogger
	MetricsCollector entitymanager.MetricsCollector
	TracingCollector entitymanager.TracingCollector
	Registry         *prometheus.Registry
	TracerProvider   *sdktrace.TracerProvider

	metricsAddr string
	server      *http.Server
}

// NewObservability creates a JSON logger on stdout. With observability enabled it adds an OpenTelemetry
// tracer provider, trace correlated logging and Prometheus metrics with trace exemplars.
func NewObservability(cfg ObservabilityConfig) (*Observability, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		return nil, errors.Join(ErrInvalidLogLevel, err)
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	o := &Observability{Logger: slog.New(handler)}

	if !cfg.Enabled {
		return o, nil
	}

	o.TracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", cfg.ServiceName))),
	)

	o.Registry = prometheus.NewRegistry()
	o.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	o.ContextualLogger = oteladapters.NewSlogBridgeLoggerWithHandler(handler)
	o.TracingCollector = oteladapters.NewTracingCollector(o.TracerProvider.Tracer(cfg.ServiceName))
	o.MetricsCollector = promadapters.NewMetricsCollector(o.Registry, promadapters.WithErrorHandler(
		func(metric string, err error) {
			o.Logger.Warn("dropped metric measurement", "metric", metric, "error", err.Error())
		},
	))
	o.metricsAddr = cfg.MetricsAddr

	return o, nil
}

// ManagerOptions returns the entitymanager options wiring the configured backends.
func (o *Observability) ManagerOptions() []entitymanager.Option {
	options := []entitymanager.Option{entitymanager.WithLogger(o.Logger)}

	if o.ContextualLogger != nil {
		options = append(options, entitymanager.WithContextualLogger(o.ContextualLogger))
	}

	if o.MetricsCollector != nil {
		options = append(options, entitymanager.WithMetrics(o.MetricsCollector))
	}

	if o.TracingCollector != nil {
		options = append(options, entitymanager.WithTracing(o.TracingCollector))
	}

	return options
}

// ServeMetrics exposes the registry on /metrics in the background, a no-op without metrics.
func (o *Observability) ServeMetrics() {
	if o.Registry == nil || o.metricsAddr == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(o.Registry, promhttp.HandlerOpts{EnableOpenMetrics: true}))

	o.server = &http.Server{Addr: o.metricsAddr, Handler: mux, ReadHeaderTimeout: metricsReadHeaderTimeout}

	go func() {
		if err := o.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			o.Logger.Error("metrics endpoint failed", "error", err.Error())
		}
	}()
}

// Shutdown stops the metrics endpoint and flushes the tracer provider.
func (o *Observability) Shutdown(ctx context.Context) error {
	var err error

	if o.server != nil {
		err = errors.Join(err, o.server.Shutdown(ctx))
	}

	if o.TracerProvider != nil {
		err = errors.Join(err, o.TracerProvider.Shutdown(ctx))
	}

	return err
}
