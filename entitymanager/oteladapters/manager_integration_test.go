package oteladapters_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/AntonStoeckl/transactional-entitymanager-go/entitymanager"
	"github.com/AntonStoeckl/transactional-entitymanager-go/entitymanager/oteladapters"
	. "github.com/AntonStoeckl/transactional-entitymanager-go/testutil/helper" //nolint:revive
)

func Test_TransactionalManager_WithOTelAdapters_Should_EmitCorrelatedTelemetry(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	exporter := tracetest.NewInMemoryExporter()
	tracerProvider := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	metricsCollector, reader := givenMetricsCollector()
	recorder := &recordingLogger{}

	manager, _ := GivenMemoryManager(t,
		entitymanager.WithTracing(oteladapters.NewTracingCollector(tracerProvider.Tracer("entitymanager"))),
		entitymanager.WithMetrics(metricsCollector),
		entitymanager.WithContextualLogger(oteladapters.NewSlogBridgeLogger(
			"entitymanager",
			otelslog.WithLoggerProvider(&recordingLoggerProvider{logger: recorder}),
		)),
	)

	// arrange
	a, _, _ := GivenSampleTripleWasPersisted(t, ctxWithTimeout, manager)

	// act
	require.NoError(t, manager.BeginTransaction(ctxWithTimeout))
	a.Foo = "sadipscing"
	require.NoError(t, manager.RollbackEntities(ctxWithTimeout))
	rollbackErr := manager.Rollback(ctxWithTimeout)

	// assert
	assert.ErrorIs(t, rollbackErr, entitymanager.ErrNoActiveTransaction)
	assert.Equal(t, "Lorem ipsum", a.Foo)

	spansByName := make(map[string][]tracetest.SpanStub)
	for _, span := range exporter.GetSpans() {
		spansByName[span.Name] = append(spansByName[span.Name], span)
	}

	require.Len(t, spansByName["entitymanager.begin"], 1)
	assert.Equal(t, codes.Ok, spansByName["entitymanager.begin"][0].Status.Code)
	require.Len(t, spansByName["entitymanager.rollback"], 2)
	assert.Equal(t, codes.Error, spansByName["entitymanager.rollback"][1].Status.Code)
	assertSpanHasAttribute(t, spansByName["entitymanager.rollback"][1], "error_type", "no_active_transaction")

	counter := findCounterMetric(t, collect(t, reader), "entitymanager_errors_total")
	require.Len(t, counter.DataPoints, 1)
	assert.Equal(t, int64(1), counter.DataPoints[0].Value)

	beginSpanID := spansByName["entitymanager.begin"][0].SpanContext.SpanID()
	correlated := false
	for _, emitted := range recorder.emitted() {
		if emitted.record.Body().AsString() == "entitymanager operation: begin" {
			correlated = emitted.spanContext.SpanID() == beginSpanID
		}
	}
	assert.True(t, correlated, "the begin log record should carry the span of the begin operation")
}
