// Package oteladapters provides OpenTelemetry adapters for the entitymanager observability interfaces.
//
// MetricsCollector maps durations to histograms, counters to counters and values to gauges.
// TracingCollector creates one span per manager operation. SlogBridgeLogger and OTelLogger implement
// entitymanager.ContextualLogger, both correlate log records with the active span through the context.
package oteladapters
