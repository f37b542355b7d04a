// Package metrics exposes apwatch counters and gauges to Prometheus.
package metrics
