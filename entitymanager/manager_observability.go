package entitymanager

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

const (
	logMsgOperation      = "entitymanager operation: "
	logMsgOperationError = "entitymanager operation failed: "
	logMsgFlushed        = "unit of work flushed"
	logMsgRollbackFailed = "database rollback failed, the transaction level is discarded anyway"
	logAttrError         = "error"
	logAttrErrorType     = "error_type"
	logAttrDepth         = "depth"
	logAttrDurationMS    = "duration_ms"
	logAttrManaged       = "managed_entities"
	logAttrInserted      = "inserted"
	logAttrUpdated       = "updated"
	logAttrDeleted       = "deleted"
	logAttrWrites        = "writes"
	logAttrRestored      = "restored_entities"
	logAttrDetached      = "detached_entities"

	operationBegin            = "begin"
	operationCommit           = "commit"
	operationCommitAndDetach  = "commit_and_detach"
	operationRollback         = "rollback"
	operationRollbackEntities = "rollback_entities"
	operationFlush            = "flush"
	operationFind             = "find"

	spanNameBegin    = "entitymanager.begin"
	spanNameCommit   = "entitymanager.commit"
	spanNameRollback = "entitymanager.rollback"
	spanNameFlush    = "entitymanager.flush"
	spanNameFind     = "entitymanager.find"

	spanAttrOperation  = "operation"
	spanAttrDepth      = "depth"
	spanAttrErrorType  = "error_type"
	spanAttrDurationMS = "duration_ms"

	metricOperationDuration = "entitymanager_operation_duration_seconds"
	metricOperations        = "entitymanager_operations_total"
	metricErrors            = "entitymanager_errors_total"
	metricTransactionDepth  = "entitymanager_transaction_depth"
	metricRestoredEntities  = "entitymanager_restored_entities"
	metricManagedEntities   = "entitymanager_managed_entities"

	labelStatus = "status"

	statusSuccess = "success"
	statusError   = "error"

	errorTypeNoActiveTransaction = "no_active_transaction"
	errorTypeOptimisticLock      = "optimistic_lock"
	errorTypeTransactionRequired = "transaction_required"
	errorTypeNotFound            = "not_found"
	errorTypeInvalidIdentifier   = "invalid_identifier"
	errorTypeDatabase            = "database"
	errorTypeMetadata            = "metadata"
	errorTypeOther               = "other"
)

// classifyError maps an error to a low-cardinality label value.
func classifyError(err error) string {
	switch {
	case errors.Is(err, ErrNoActiveTransaction), errors.Is(err, ErrStackUnderflow), errors.Is(err, ErrCannotRollbackRoot):
		return errorTypeNoActiveTransaction
	case errors.Is(err, ErrOptimisticLockFailed):
		return errorTypeOptimisticLock
	case errors.Is(err, ErrTransactionRequired):
		return errorTypeTransactionRequired
	case errors.Is(err, ErrEntityNotFound):
		return errorTypeNotFound
	case errors.Is(err, ErrInvalidIdentifier), errors.Is(err, ErrIdentityConflict):
		return errorTypeInvalidIdentifier
	case errors.Is(err, ErrUnknownEntityType), errors.Is(err, ErrInvalidMetadata), errors.Is(err, ErrNotVersioned):
		return errorTypeMetadata
	case errors.Is(err, ErrBeginTransactionFailed), errors.Is(err, ErrCommitFailed),
		errors.Is(err, ErrRollbackFailed), errors.Is(err, ErrFlushFailed):
		return errorTypeDatabase
	default:
		return errorTypeOther
	}
}

// === Operation Observer Pattern ===
// An operationObserver bundles timing, the tracing span, metrics and logging of one manager operation.

type operationObserver struct {
	tm        *TransactionalManager
	ctx       context.Context
	operation string
	start     time.Time
	span      SpanContext
}

// startOperation starts the span of an operation and returns the context carrying it.
func (tm *TransactionalManager) startOperation(ctx context.Context, operation, spanName string) (*operationObserver, context.Context) {
	newCtx, span := tm.startTraceSpan(ctx, spanName, map[string]string{
		spanAttrOperation: operation,
		spanAttrDepth:     fmt.Sprintf("%d", tm.stack.Depth()),
	})

	return &operationObserver{
		tm:        tm,
		ctx:       newCtx,
		operation: operation,
		start:     time.Now(),
		span:      span,
	}, newCtx
}

// finishSuccess records the operation as successful. Lifecycle operations are logged at info level with
// the resulting depth, args are appended to the log line.
func (oo *operationObserver) finishSuccess(args ...any) {
	duration := time.Since(oo.start)
	depth := oo.tm.stack.Depth()

	oo.tm.recordDurationMetrics(oo.ctx, duration, oo.operation, statusSuccess)
	oo.tm.incrementOperationCounter(oo.ctx, oo.operation, statusSuccess)

	if oo.operation != operationFlush && oo.operation != operationFind {
		oo.tm.observeDepth(oo.ctx, oo.operation)

		logArgs := []any{
			logAttrDepth, depth,
			logAttrManaged, oo.tm.stack.Current().Size(),
			logAttrDurationMS, oo.tm.toMilliseconds(duration),
		}
		oo.tm.logInfo(oo.ctx, logMsgOperation+oo.operation, append(logArgs, args...)...)
	}

	attrs := map[string]string{
		spanAttrDepth:      fmt.Sprintf("%d", depth),
		spanAttrDurationMS: fmt.Sprintf("%.2f", oo.tm.toMilliseconds(duration)),
	}
	for i := 0; i+1 < len(args); i += 2 {
		attrs[fmt.Sprint(args[i])] = fmt.Sprint(args[i+1])
	}

	if oo.span != nil {
		oo.span.SetStatus(statusSuccess)
	}

	oo.tm.finishTraceSpan(oo.span, statusSuccess, attrs)
}

// finishError records the operation as failed.
func (oo *operationObserver) finishError(err error) {
	duration := time.Since(oo.start)
	errorType := classifyError(err)

	oo.tm.recordDurationMetrics(oo.ctx, duration, oo.operation, statusError)
	oo.tm.incrementOperationCounter(oo.ctx, oo.operation, statusError)
	oo.tm.recordErrorMetrics(oo.ctx, oo.operation, errorType)

	oo.tm.logError(
		oo.ctx,
		logMsgOperationError+oo.operation,
		err,
		logAttrErrorType, errorType,
		logAttrDepth, oo.tm.stack.Depth(),
		logAttrDurationMS, oo.tm.toMilliseconds(duration),
	)

	if oo.span != nil {
		oo.span.SetStatus(statusError)
		oo.span.AddAttribute(spanAttrErrorType, errorType)
	}

	oo.tm.finishTraceSpan(oo.span, statusError, map[string]string{spanAttrErrorType: errorType})
}

// === Logging ===

func (tm *TransactionalManager) logDebug(ctx context.Context, msg string, args ...any) {
	if tm.logger != nil {
		tm.logger.Debug(msg, args...)
	}

	if tm.contextualLogger != nil {
		tm.contextualLogger.DebugContext(ctx, msg, args...)
	}
}

func (tm *TransactionalManager) logInfo(ctx context.Context, msg string, args ...any) {
	if tm.logger != nil {
		tm.logger.Info(msg, args...)
	}

	if tm.contextualLogger != nil {
		tm.contextualLogger.InfoContext(ctx, msg, args...)
	}
}

func (tm *TransactionalManager) logWarn(ctx context.Context, msg string, args ...any) {
	if tm.logger != nil {
		tm.logger.Warn(msg, args...)
	}

	if tm.contextualLogger != nil {
		tm.contextualLogger.WarnContext(ctx, msg, args...)
	}
}

func (tm *TransactionalManager) logError(ctx context.Context, msg string, err error, args ...any) {
	allArgs := []any{logAttrError, err.Error()}
	allArgs = append(allArgs, args...)

	if tm.logger != nil {
		tm.logger.Error(msg, allArgs...)
	}

	if tm.contextualLogger != nil {
		tm.contextualLogger.ErrorContext(ctx, msg, allArgs...)
	}
}

// toMilliseconds converts a time.Duration to float64 milliseconds with 3 decimal places.
func (tm *TransactionalManager) toMilliseconds(d time.Duration) float64 {
	return math.Round(float64(d.Nanoseconds())/1e6*1000) / 1000
}

// === Metrics ===

func (tm *TransactionalManager) recordDurationMetrics(ctx context.Context, duration time.Duration, operation, status string) {
	if tm.metricsCollector == nil {
		return
	}

	labels := map[string]string{spanAttrOperation: operation, labelStatus: status}

	if contextualCollector, ok := tm.metricsCollector.(ContextualMetricsCollector); ok {
		contextualCollector.RecordDurationContext(ctx, metricOperationDuration, duration, labels)
	} else {
		tm.metricsCollector.RecordDuration(metricOperationDuration, duration, labels)
	}
}

func (tm *TransactionalManager) incrementOperationCounter(ctx context.Context, operation, status string) {
	if tm.metricsCollector == nil {
		return
	}

	labels := map[string]string{spanAttrOperation: operation, labelStatus: status}

	if contextualCollector, ok := tm.metricsCollector.(ContextualMetricsCollector); ok {
		contextualCollector.IncrementCounterContext(ctx, metricOperations, labels)
	} else {
		tm.metricsCollector.IncrementCounter(metricOperations, labels)
	}
}

func (tm *TransactionalManager) recordErrorMetrics(ctx context.Context, operation, errorType string) {
	if tm.metricsCollector == nil {
		return
	}

	labels := map[string]string{spanAttrOperation: operation, labelStatus: statusError, spanAttrErrorType: errorType}

	if contextualCollector, ok := tm.metricsCollector.(ContextualMetricsCollector); ok {
		contextualCollector.IncrementCounterContext(ctx, metricErrors, labels)
	} else {
		tm.metricsCollector.IncrementCounter(metricErrors, labels)
	}
}

func (tm *TransactionalManager) recordValueMetrics(ctx context.Context, metric string, value float64, operation string) {
	if tm.metricsCollector == nil {
		return
	}

	labels := map[string]string{spanAttrOperation: operation}

	if contextualCollector, ok := tm.metricsCollector.(ContextualMetricsCollector); ok {
		contextualCollector.RecordValueContext(ctx, metric, value, labels)
	} else {
		tm.metricsCollector.RecordValue(metric, value, labels)
	}
}

func (tm *TransactionalManager) observeDepth(ctx context.Context, operation string) {
	tm.recordValueMetrics(ctx, metricTransactionDepth, float64(tm.stack.Depth()), operation)
	tm.recordValueMetrics(ctx, metricManagedEntities, float64(tm.stack.Current().Size()), operation)
}

// === Tracing ===

func (tm *TransactionalManager) startTraceSpan(ctx context.Context, name string, attrs map[string]string) (context.Context, SpanContext) {
	if tm.tracingCollector != nil {
		return tm.tracingCollector.StartSpan(ctx, name, attrs)
	}

	return ctx, nil
}

func (tm *TransactionalManager) finishTraceSpan(spanCtx SpanContext, status string, attrs map[string]string) {
	if tm.tracingCollector != nil && spanCtx != nil {
		tm.tracingCollector.FinishSpan(spanCtx, status, attrs)
	}
}
