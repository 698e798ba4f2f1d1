package dispatcher

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/otus/internal/model"
)

type recordingSink struct {
	name string
	mu   sync.Mutex
	got  []model.TelemetryPoint
	wg   *sync.WaitGroup
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Feed(p model.TelemetryPoint) {
	s.mu.Lock()
	s.got = append(s.got, p)
	s.mu.Unlock()
	if s.wg != nil {
		s.wg.Done()
	}
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.got)
}

type blockingSink struct {
	name   string
	block  chan struct{}
}

func (s *blockingSink) Name() string { return s.name }

func (s *blockingSink) Feed(p model.TelemetryPoint) {
	<-s.block
}

func pt(seq uint64) model.TelemetryPoint {
	return model.NewFloat64Point("dev-1", "tag-1", int64(seq), seq, float64(seq))
}

func TestDispatcher_FanOutToAllSinks(t *testing.T) {
	d := New()
	var wg sync.WaitGroup
	wg.Add(4)
	a := &recordingSink{name: "a", wg: &wg}
	b := &recordingSink{name: "b", wg: &wg}
	d.Register(a, 10)
	d.Register(b, 10)
	defer d.Stop()

	d.Publish(pt(1))
	d.Publish(pt(2))

	wg.Wait()
	assert.Equal(t, 2, a.count())
	assert.Equal(t, 2, b.count())
}

func TestDispatcher_SlowSinkDoesNotStarveOthers(t *testing.T) {
	d := New()
	blocked := &blockingSink{name: "blocked", block: make(chan struct{})}
	var wg sync.WaitGroup
	wg.Add(1)
	fast := &recordingSink{name: "fast", wg: &wg}
	d.Register(blocked, 1)
	d.Register(fast, 10)
	defer func() {
		close(blocked.block)
		d.Stop()
	}()

	d.Publish(pt(1))

	require.True(t, waitFor(&wg, time.Second), "fast sink did not receive its sample while the other sink was blocked")
}

func TestDispatcher_DropOldestIsolatedPerSink(t *testing.T) {
	d := New()
	blocked := &blockingSink{name: "blocked", block: make(chan struct{})}
	d.Register(blocked, 2)
	defer func() {
		close(blocked.block)
		d.Stop()
	}()

	// First Feed call consumes one slot and blocks forever until close();
	// the remaining writes overflow the length-2 channel and must apply
	// DropOldest without panicking or blocking Publish.
	for i := uint64(0); i < 10; i++ {
		d.Publish(pt(i))
	}

	assert.Eventually(t, func() bool {
		d.mu.RLock()
		defer d.mu.RUnlock()
		q := d.sinks["blocked"]
		return q.dropped.Load() > 0
	}, time.Second, 10*time.Millisecond)
}

func TestDispatcher_UnregisterStopsConsumer(t *testing.T) {
	d := New()
	a := &recordingSink{name: "a"}
	d.Register(a, 10)
	d.Unregister("a")

	d.Publish(pt(1))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, a.count())

	depths := d.QueueDepths()
	_, ok := depths["a"]
	assert.False(t, ok)
}

func waitFor(wg *sync.WaitGroup, timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
