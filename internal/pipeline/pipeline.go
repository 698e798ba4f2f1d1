// Package pipeline implements the bounded, batching telemetry pipeline
// described in spec.md §4.1: a single-reader bounded queue with a
// DropOldest overflow policy feeds a batch writer that persists to Store
// and then fans each sample out to the Dispatcher.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"firestige.xyz/otus/internal/model"
	"firestige.xyz/otus/internal/store"
)

// WriteResult is the outcome of Pipeline.Write.
type WriteResult int

const (
	// Accepted means the sample is durably en-route: queued, or already
	// persisted.
	Accepted WriteResult = iota
	// Dropped means the overflow policy discarded it.
	Dropped
)

// OverflowExporter is a best-effort, non-blocking sink for samples the
// pipeline could not queue or persist (spec.md §6). Implementations must
// never panic or block the caller.
type OverflowExporter interface {
	Export(points []model.TelemetryPoint)
}

// Dispatcher is the fan-out interface the pipeline publishes persisted
// samples to. internal/dispatcher.Dispatcher satisfies this.
type Dispatcher interface {
	Publish(p model.TelemetryPoint)
}

// Config configures a Pipeline instance. Zero values fall back to the
// spec's documented defaults.
type Config struct {
	Label        string // Prometheus label, e.g. "default"
	Capacity     int    // default 10_000
	BatchSize    int    // default 500
	BatchFlushMs int    // default 100
	Store        store.Store
	Overflow     OverflowExporter
	Dispatcher   Dispatcher
}

const (
	defaultCapacity     = 10_000
	defaultBatchSize    = 500
	defaultBatchFlushMs = 100
	maxRetryAttempts    = 5
	baseBackoff         = 50 * time.Millisecond
	maxBackoff          = 5 * time.Second
)

// Pipeline is the bounded async queue of samples described in spec.md §4.1.
type Pipeline struct {
	cap        int
	batchSize  int
	flushEvery time.Duration
	store      store.Store
	overflow   OverflowExporter
	dispatcher Dispatcher
	metrics    *Metrics

	mu     sync.Mutex // guards the queue slice below
	queue  []model.TelemetryPoint
	notify chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed bool
}

// New creates a Pipeline. Call Start to begin the batch-writer loop and
// Stop to drain and shut it down (spec.md §5 shutdown stages (b)/(c)).
func New(cfg Config) *Pipeline {
	if cfg.Capacity <= 0 {
		cfg.Capacity = defaultCapacity
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.BatchFlushMs <= 0 {
		cfg.BatchFlushMs = defaultBatchFlushMs
	}
	if cfg.Label == "" {
		cfg.Label = "default"
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		cap:        cfg.Capacity,
		batchSize:  cfg.BatchSize,
		flushEvery: time.Duration(cfg.BatchFlushMs) * time.Millisecond,
		store:      cfg.Store,
		overflow:   cfg.Overflow,
		dispatcher: cfg.Dispatcher,
		metrics:    NewMetrics(cfg.Label),
		queue:      make([]model.TelemetryPoint, 0, cfg.Capacity),
		notify:     make(chan struct{}, 1),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start launches the single-reader batch-writer loop.
func (p *Pipeline) Start() {
	p.wg.Add(1)
	go p.writerLoop()
}

// Write enqueues a sample. Under overload it applies DropOldest: the
// oldest queued sample is evicted and exported, then the new sample is
// inserted; if that race still fails the new sample itself is exported and
// counted as dropped (spec.md §4.1).
func (p *Pipeline) Write(point model.TelemetryPoint) WriteResult {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.exportDropped(point)
		return Dropped
	}
	if len(p.queue) >= p.cap {
		oldest := p.queue[0]
		p.queue = p.queue[1:]
		p.metrics.addOverflowed(1)
		p.mu.Unlock()
		p.exportDropped(oldest)

		p.mu.Lock()
		if len(p.queue) >= p.cap {
			// Still full (a concurrent writer raced us) — the new sample
			// itself is dropped rather than retried indefinitely.
			p.mu.Unlock()
			p.metrics.addOverflowed(1)
			p.exportDropped(point)
			return Dropped
		}
		p.queue = append(p.queue, point)
		p.mu.Unlock()
		p.signal()
		return Accepted
	}
	p.queue = append(p.queue, point)
	p.mu.Unlock()
	p.signal()
	return Accepted
}

func (p *Pipeline) signal() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

func (p *Pipeline) exportDropped(point model.TelemetryPoint) {
	if p.overflow != nil {
		p.overflow.Export([]model.TelemetryPoint{point})
	}
}

// QueueDepth returns a non-authoritative current depth for health
// reporting (spec.md §4.1).
func (p *Pipeline) QueueDepth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// writerLoop is the single reader: it persists and dispatches a batch as
// soon as batchSize samples are queued, and on every flushEvery tick it
// drains whatever is queued (up to batchSize). A partial batch therefore
// waits at most flushEvery, counted from the previous tick rather than
// from the arrival of its first sample.
func (p *Pipeline) writerLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.flushEvery)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			p.flushRemaining()
			return
		case <-ticker.C:
			p.drainAndPersist(p.batchSize)
		case <-p.notify:
			for p.QueueDepth() >= p.batchSize {
				p.drainAndPersist(p.batchSize)
			}
		}
	}
}

func (p *Pipeline) flushRemaining() {
	for {
		n := p.drainAndPersist(p.batchSize)
		if n == 0 {
			return
		}
	}
}

// drainAndPersist pops up to max samples off the queue and persists +
// dispatches them. Returns the number of samples drained.
func (p *Pipeline) drainAndPersist(max int) int {
	p.mu.Lock()
	if len(p.queue) == 0 {
		p.mu.Unlock()
		return 0
	}
	n := max
	if n > len(p.queue) {
		n = len(p.queue)
	}
	batch := make([]model.TelemetryPoint, n)
	copy(batch, p.queue[:n])
	p.queue = p.queue[n:]
	p.mu.Unlock()

	p.persistAndDispatch(batch)
	return n
}

// persistAndDispatch writes the batch with exponential backoff retry; on
// exhaustion the whole batch is exported to OverflowExporter and dropped
// (spec.md §4.1). Persistence failures never block producers beyond the
// queue-full backpressure already provided.
func (p *Pipeline) persistAndDispatch(batch []model.TelemetryPoint) {
	var err error
	backoff := baseBackoff
	for attempt := 0; attempt < maxRetryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
			case <-p.ctx.Done():
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
		err = p.store.AppendBatch(batch)
		if err == nil {
			p.metrics.addPersisted(uint64(len(batch)))
			p.publishAll(batch)
			return
		}
		if !errors.Is(err, store.ErrTransient) {
			break
		}
	}
	slog.Error("pipeline: persistence failed, exporting batch to overflow", "error", err, "batch_size", len(batch))
	p.metrics.addOverflowed(uint64(len(batch)))
	if p.overflow != nil {
		p.overflow.Export(batch)
	}
}

func (p *Pipeline) publishAll(batch []model.TelemetryPoint) {
	if p.dispatcher == nil {
		return
	}
	for _, pt := range batch {
		p.dispatcher.Publish(pt)
	}
}

// Stop closes the writer side, flushes the final batch, and returns. The
// caller (internal/daemon) is responsible for enforcing the shutdown grace
// period (spec.md §5).
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
}

// Stats exposes pipeline counters for health reporting.
type Stats struct {
	QueueDepth int
	Persisted  uint64
	Overflowed uint64
}

func (p *Pipeline) Stats() Stats {
	return Stats{
		QueueDepth: p.QueueDepth(),
		Persisted:  p.metrics.Persisted.Load(),
		Overflowed: p.metrics.Overflowed.Load(),
	}
}
