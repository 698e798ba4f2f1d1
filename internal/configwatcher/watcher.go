// Package configwatcher implements the revision-polling hot reload loop of
// spec.md §4.6: it polls the config store's revision counter and, when it
// advances, calls the registered callbacks with the new revision, in the
// dependency order they were registered; each callback re-reads the part
// of the config it needs.
//
// Grounded on the teacher's internal/plugin.Manager health-check loop
// (context.Context + time.Ticker + sync.WaitGroup).
package configwatcher

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"firestige.xyz/otus/internal/metrics"
	"firestige.xyz/otus/internal/store"
)

// Callback is invoked with the new revision after it has been observed.
// Callbacks run in registration order; a callback's own reload logic must
// decide whether anything actually changed (e.g. by diffing). A callback
// returning an error does not prevent the remaining callbacks from running.
type Callback struct {
	Name string
	Fn   func(revision int64) error
}

// Watcher polls store.GetRevision on an interval and notifies callbacks
// whenever it advances.
type Watcher struct {
	store        store.Store
	pollInterval time.Duration

	mu        sync.Mutex
	callbacks []Callback

	lastRevision int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Watcher. pollInterval must be > 0.
func New(st store.Store, pollInterval time.Duration) *Watcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		store:        st,
		pollInterval: pollInterval,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Register adds a callback. Registration order is the order callbacks run
// in on every observed revision change. Call before Start.
func (w *Watcher) Register(cb Callback) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, cb)
}

// Start primes the baseline revision and launches the poll loop. It does
// not invoke callbacks for the baseline revision.
func (w *Watcher) Start() error {
	rev, err := w.store.GetRevision()
	if err != nil {
		return err
	}
	w.lastRevision = rev
	metrics.ConfigRevisionCurrent.Set(float64(rev))

	w.wg.Add(1)
	go w.pollLoop()
	return nil
}

// Stop halts the poll loop and waits for it to exit.
func (w *Watcher) Stop() {
	w.cancel()
	w.wg.Wait()
}

func (w *Watcher) pollLoop() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.pollOnce()
		}
	}
}

func (w *Watcher) pollOnce() {
	rev, err := w.store.GetRevision()
	if err != nil {
		slog.Error("configwatcher: failed to read revision", "error", err)
		metrics.ConfigReloadErrorsTotal.WithLabelValues("read-revision").Inc()
		return
	}
	if rev == w.lastRevision {
		return
	}
	slog.Info("configwatcher: revision changed, reloading", "from", w.lastRevision, "to", rev)
	w.lastRevision = rev
	metrics.ConfigRevisionCurrent.Set(float64(rev))

	w.mu.Lock()
	callbacks := make([]Callback, len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.Unlock()

	for _, cb := range callbacks {
		if err := cb.Fn(rev); err != nil {
			slog.Error("configwatcher: callback failed", "callback", cb.Name, "revision", rev, "error", err)
			metrics.ConfigReloadErrorsTotal.WithLabelValues(cb.Name).Inc()
		}
	}
}
