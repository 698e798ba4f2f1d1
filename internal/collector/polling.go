package collector

import (
	"log/slog"
	"sync"
	"time"

	"firestige.xyz/otus/internal/metrics"
	"firestige.xyz/otus/internal/model"
)

// Dialer opens a live protocol session for a device. Collectors without a
// registered Dialer run simulation-only; Connect always fails for a
// non-simulated device in that case, which exercises the reconnect
// backoff loop the same way a genuinely unreachable device would.
type Dialer interface {
	Connect(d model.Device) error
	Close()
}

// pollingCollector implements the tag-protocol acquisition model of
// spec.md §4.3: each enabled tag is read on its own ScanIntervalMs
// cadence; a missed deadline is logged but does not abort the loop.
type pollingCollector struct {
	dialer Dialer

	mu     sync.RWMutex
	state  State
	device model.Device
	tags   map[string]model.Tag

	sim   map[string]*simulator
	start time.Time

	sink Sink

	stop    chan struct{}
	wg      sync.WaitGroup
	backoff backoff
}

// NewPolling constructs a polling Collector. dialer may be nil, in which
// case only simulated devices will ever reach Connected.
func NewPolling(dialer Dialer) Collector {
	return &pollingCollector{dialer: dialer, tags: make(map[string]model.Tag)}
}

func (c *pollingCollector) DeviceId() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.device.DeviceId
}

func (c *pollingCollector) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *pollingCollector) ApplyTags(tags []model.Tag) {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := make(map[string]model.Tag, len(tags))
	for _, t := range tags {
		next[t.TagId] = t
		if _, ok := c.sim[t.TagId]; !ok {
			if c.sim == nil {
				c.sim = make(map[string]*simulator)
			}
			c.sim[t.TagId] = newSimulator(t)
		}
	}
	c.tags = next
}

func (c *pollingCollector) Start(device model.Device, tags []model.Tag, sink Sink) error {
	c.mu.Lock()
	c.device = device
	c.sink = sink
	c.start = time.Now()
	c.stop = make(chan struct{})
	c.sim = make(map[string]*simulator, len(tags))
	c.tags = make(map[string]model.Tag, len(tags))
	for _, t := range tags {
		c.tags[t.TagId] = t
		c.sim[t.TagId] = newSimulator(t)
	}
	c.state = Connecting
	c.mu.Unlock()

	metrics.CollectorStatus.WithLabelValues(device.DeviceId).Set(float64(metrics.CollectorStatusConnecting))

	c.wg.Add(1)
	go c.run()
	return nil
}

func (c *pollingCollector) Stop() {
	c.mu.Lock()
	if c.state == Stopped {
		c.mu.Unlock()
		return
	}
	c.state = Stopped
	stopCh := c.stop
	c.mu.Unlock()

	close(stopCh)
	c.wg.Wait()
	if c.dialer != nil {
		c.dialer.Close()
	}
	metrics.CollectorStatus.WithLabelValues(c.DeviceId()).Set(float64(metrics.CollectorStatusStopped))
}

func (c *pollingCollector) run() {
	defer c.wg.Done()

	for {
		if !c.connectWithBackoff() {
			return
		}

		c.setState(Connected)
		metrics.CollectorStatus.WithLabelValues(c.DeviceId()).Set(float64(metrics.CollectorStatusConnected))
		c.backoff.reset()

		if !c.acquireUntilDisconnect() {
			return
		}

		c.setState(Reconnecting)
		metrics.CollectorReconnectsTotal.WithLabelValues(c.DeviceId()).Inc()
		metrics.CollectorStatus.WithLabelValues(c.DeviceId()).Set(float64(metrics.CollectorStatusReconnecting))
	}
}

// connectWithBackoff attempts to connect, retrying per spec.md §4.3's
// backoff policy until it succeeds or Stop is called. Returns false if
// Stop fired while waiting.
func (c *pollingCollector) connectWithBackoff() bool {
	for {
		if c.tryConnect() {
			return true
		}
		select {
		case <-c.stop:
			return false
		case <-time.After(c.backoff.next()):
		}
	}
}

func (c *pollingCollector) tryConnect() bool {
	device := c.deviceSnapshot()
	if device.Simulated {
		return true
	}
	if c.dialer == nil {
		slog.Warn("collector: no dialer registered for non-simulated device", "device", device.DeviceId)
		return false
	}
	if err := c.dialer.Connect(device); err != nil {
		slog.Warn("collector: connect failed", "device", device.DeviceId, "error", err)
		return false
	}
	return true
}

func (c *pollingCollector) deviceSnapshot() model.Device {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.device
}

// acquireUntilDisconnect polls each enabled tag on its own ticker until
// Stop is called, then returns false. The loop has no session-loss check,
// so it does not return for any other reason.
func (c *pollingCollector) acquireUntilDisconnect() bool {
	tickers := make(map[string]*time.Ticker)
	defer func() {
		for _, t := range tickers {
			t.Stop()
		}
	}()

	refresh := time.NewTicker(time.Second)
	defer refresh.Stop()

	for {
		c.mu.RLock()
		for id, t := range c.tags {
			if !t.Enabled {
				continue
			}
			if _, ok := tickers[id]; !ok {
				interval := time.Duration(t.ScanIntervalMs) * time.Millisecond
				if interval <= 0 {
					interval = time.Second
				}
				tickers[id] = time.NewTicker(interval)
			}
		}
		c.mu.RUnlock()

		cases := make([]string, 0, len(tickers))
		for id := range tickers {
			cases = append(cases, id)
		}

		select {
		case <-c.stop:
			return false
		case <-refresh.C:
			continue
		default:
		}

		fired := false
		for _, id := range cases {
			select {
			case <-tickers[id].C:
				c.pollTag(id)
				fired = true
			default:
			}
		}
		if !fired {
			time.Sleep(10 * time.Millisecond)
		}
	}
}

func (c *pollingCollector) pollTag(tagId string) {
	c.mu.RLock()
	tag, ok := c.tags[tagId]
	sim := c.sim[tagId]
	device := c.device
	sink := c.sink
	c.mu.RUnlock()
	if !ok || !tag.Enabled || sim == nil {
		return
	}

	value := sim.next(simulatedNowMs(c.start))
	p := model.NewFloat64Point(device.DeviceId, tag.TagId, time.Now().UTC().UnixMilli(), 0, value)
	if err := sink.Write(p); err != nil {
		slog.Warn("collector: write to pipeline failed, missed deadline", "device", device.DeviceId, "tag", tag.TagId, "error", err)
	}
}

func (c *pollingCollector) setState(s State) {
	c.mu.Lock()
	if c.state != Stopped {
		c.state = s
	}
	c.mu.Unlock()
}

// AcquisitionPolling and its siblings name the acquisition-model keys the
// supervisor resolves CollectorConfig.Protocol against (spec.md §4.3);
// distinct from model.Device.Protocol, which names the device's wire
// protocol and only matters once a real Dialer is wired in.
const AcquisitionPolling = "polling"

// AcquisitionSimulation forces simulation mode regardless of the Device's
// own Simulated flag, for development and integration tests (spec.md
// §4.3).
const AcquisitionSimulation = "simulation"

// simulationCollector wraps pollingCollector, forcing every device it
// starts into simulated mode.
type simulationCollector struct {
	*pollingCollector
}

func (c *simulationCollector) Start(device model.Device, tags []model.Tag, sink Sink) error {
	device.Simulated = true
	return c.pollingCollector.Start(device, tags, sink)
}

func init() {
	Register(AcquisitionPolling, func() Collector { return NewPolling(nil) })
	Register(AcquisitionSimulation, func() Collector {
		return &simulationCollector{pollingCollector: NewPolling(nil).(*pollingCollector)}
	})
}
