// Package promadapters provides a Prometheus implementation of the entitymanager metrics interfaces.
//
// Vectors are created and registered on first use, their label names are taken from the first
// measurement. Durations become histograms, counters become counters and values become gauges. When the
// context carries a sampled span, histogram observations and counter increments get a trace_id exemplar.
package promadapters
