package pipeline

import "firestige.xyz/otus/internal/store"

// Builder provides a fluent interface for building a Pipeline.
// This is an alternative to constructing a Config directly.
type Builder struct {
	config Config
}

// NewBuilder creates a new pipeline builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// WithLabel sets the Prometheus label attached to this pipeline's series.
func (b *Builder) WithLabel(label string) *Builder {
	b.config.Label = label
	return b
}

// WithCapacity sets the bounded queue size.
func (b *Builder) WithCapacity(capacity int) *Builder {
	b.config.Capacity = capacity
	return b
}

// WithBatch sets the batch-writer's size and max-latency triggers.
func (b *Builder) WithBatch(size, flushMs int) *Builder {
	b.config.BatchSize = size
	b.config.BatchFlushMs = flushMs
	return b
}

// WithStore sets the persistence target.
func (b *Builder) WithStore(s store.Store) *Builder {
	b.config.Store = s
	return b
}

// WithOverflow sets the best-effort sink for dropped/failed samples.
func (b *Builder) WithOverflow(o OverflowExporter) *Builder {
	b.config.Overflow = o
	return b
}

// WithDispatcher sets the fan-out target for persisted samples.
func (b *Builder) WithDispatcher(d Dispatcher) *Builder {
	b.config.Dispatcher = d
	return b
}

// Build creates the Pipeline. Callers still need to call Start.
func (b *Builder) Build() *Pipeline {
	return New(b.config)
}
