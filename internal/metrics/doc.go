// Package metrics provides Prometheus metrics for monitoring.
//
// Key metrics:
//   - Realtime connection state, reconnect attempts and circuit breaks
//   - Close codes observed on the socket
//   - Event Router throughput, parse errors and handler panics
//   - Relay publishes and journal writer flushes
//
// All methods are safe to call on a nil *Metrics so components can run
// without instrumentation in tests.
package metrics
