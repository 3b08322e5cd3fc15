// Package metrics exposes Prometheus counters and histograms for agent tasks,
// tool calls, approval decisions, model latency and the HTTP API.
package metrics
