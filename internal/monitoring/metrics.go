// Package monitoring - metrics.go provides simple counters.
//
// DESIGN: Lightweight in-memory counters for operational metrics:
//   - requests/successes:   Total and successful request counts
//   - relays:               Upstream streaming calls started
//   - upstream_failures:    Upstream rejections and interrupted streams
//   - truncated_turns:      History turns silently dropped by the window
//
// The window policy never tells the model or the user that history was cut;
// the truncated_turns counter is the operator-visible trace of it.
// For production, export these to Prometheus or similar.
package monitoring

import (
	"sync/atomic"
	"time"
)

// MetricsCollector collects operational metrics.
type MetricsCollector struct {
	requests         atomic.Int64
	successes        atomic.Int64
	relays           atomic.Int64
	upstreamFailures atomic.Int64
	truncatedTurns   atomic.Int64
}

// NewMetricsCollector creates a new metrics collector.
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{}
}

// RecordRequest records an HTTP request.
func (mc *MetricsCollector) RecordRequest(success bool, _ time.Duration) {
	mc.requests.Add(1)
	if success {
		mc.successes.Add(1)
	}
}

// RecordRelay records an upstream streaming call.
func (mc *MetricsCollector) RecordRelay() { mc.relays.Add(1) }

// RecordUpstreamFailure records a rejected or interrupted upstream call.
func (mc *MetricsCollector) RecordUpstreamFailure() { mc.upstreamFailures.Add(1) }

// RecordTruncation records history turns dropped by the sliding window.
func (mc *MetricsCollector) RecordTruncation(droppedTurns int) {
	if droppedTurns > 0 {
		mc.truncatedTurns.Add(int64(droppedTurns))
	}
}

// Stats returns current metrics.
func (mc *MetricsCollector) Stats() map[string]int64 {
	return map[string]int64{
		"requests":          mc.requests.Load(),
		"successes":         mc.successes.Load(),
		"relays":            mc.relays.Load(),
		"upstream_failures": mc.upstreamFailures.Load(),
		"truncated_turns":   mc.truncatedTurns.Load(),
	}
}
