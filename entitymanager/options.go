package entitymanager

// Option defines a functional option for configuring TransactionalManager.
type Option func(*TransactionalManager) error

// WithLogger sets the logger for the TransactionalManager.
// The logger will receive messages at different levels based on the logger's configured level:
//
// Debug level: flush statistics per level
// Info level: begin, commit and rollback with depth and duration (production-safe)
// Warn level: failed database rollbacks whose level was discarded anyway
// Error level: failures that are returned to the caller.
func WithLogger(logger Logger) Option {
	return func(tm *TransactionalManager) error {
		tm.logger = logger
		return nil
	}
}

// WithContextualLogger sets the contextual logger for the TransactionalManager.
// Log messages carry the context, so trace and span ids are correlated when tracing is enabled.
func WithContextualLogger(logger ContextualLogger) Option {
	return func(tm *TransactionalManager) error {
		tm.contextualLogger = logger
		return nil
	}
}

// WithMetrics sets the metrics collector for the TransactionalManager.
// The collector receives operation durations and counts, errors, the transaction depth and the
// number of restored and managed entities.
func WithMetrics(collector MetricsCollector) Option {
	return func(tm *TransactionalManager) error {
		tm.metricsCollector = collector
		return nil
	}
}

// WithTracing sets the tracing collector for the TransactionalManager.
// Spans are created for begin, commit, rollback, flush and find operations.
func WithTracing(collector TracingCollector) Option {
	return func(tm *TransactionalManager) error {
		tm.tracingCollector = collector
		return nil
	}
}

// WithSnapshotFactory replaces the DefaultSnapshotFactory.
func WithSnapshotFactory(factory SnapshotFactory) Option {
	return func(tm *TransactionalManager) error {
		if factory == nil {
			return ErrNilSnapshotFactory
		}

		tm.snapshotFactory = factory

		return nil
	}
}
