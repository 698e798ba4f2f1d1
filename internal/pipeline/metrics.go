// Package pipeline implements pipeline metrics.
package pipeline

import (
	"go.uber.org/atomic"

	promMetrics "firestige.xyz/otus/internal/metrics"
)

// Metrics contains per-pipeline counters. Overflowed is the "OverflowCounter"
// named in spec.md §5, incremented atomically from possibly-concurrent
// writers. Prometheus series are incremented alongside the local atomics so
// both local Stats() and `/metrics` stay consistent without double-counting.
type Metrics struct {
	label      string
	Persisted  atomic.Uint64
	Overflowed atomic.Uint64
}

// NewMetrics creates a new metrics instance labeled for the process-wide
// Prometheus vectors (spec_full.md domain stack).
func NewMetrics(label string) *Metrics {
	return &Metrics{label: label}
}

func (m *Metrics) addPersisted(n uint64) {
	m.Persisted.Add(n)
	promMetrics.PipelinePersistedTotal.WithLabelValues(m.label).Add(float64(n))
}

func (m *Metrics) addOverflowed(n uint64) {
	m.Overflowed.Add(n)
	promMetrics.PipelineOverflowTotal.WithLabelValues(m.label).Add(float64(n))
}
