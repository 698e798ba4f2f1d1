package collector

import (
	"log/slog"
	"sync"
	"time"

	"firestige.xyz/otus/internal/metrics"
	"firestige.xyz/otus/internal/model"
)

// subscriptionCollector implements the OPC UA-like acquisition model of
// spec.md §4.3: one subscription per tag, change notifications pushed by
// the session; on disconnect every subscription is torn down and
// recreated on reconnect.
type subscriptionCollector struct {
	dialer Dialer

	mu     sync.RWMutex
	state  State
	device model.Device
	tags   map[string]model.Tag
	subs   map[string]*subscription

	sink  Sink
	start time.Time

	stop    chan struct{}
	wg      sync.WaitGroup
	backoff backoff
}

type subscription struct {
	tag  model.Tag
	sim  *simulator
	stop chan struct{}
}

// NewSubscription constructs a subscription-model Collector.
func NewSubscription(dialer Dialer) Collector {
	return &subscriptionCollector{dialer: dialer, tags: make(map[string]model.Tag), subs: make(map[string]*subscription)}
}

func (c *subscriptionCollector) DeviceId() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.device.DeviceId
}

func (c *subscriptionCollector) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// ApplyTags recreates subscriptions for the new tag set in place, without
// a reconnect, per spec.md §4.3.
func (c *subscriptionCollector) ApplyTags(tags []model.Tag) {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := make(map[string]model.Tag, len(tags))
	for _, t := range tags {
		next[t.TagId] = t
	}
	c.tags = next

	if c.state != Connected {
		return
	}
	for id, sub := range c.subs {
		if _, ok := next[id]; !ok {
			close(sub.stop)
			delete(c.subs, id)
		}
	}
	for id, t := range next {
		if _, ok := c.subs[id]; !ok && t.Enabled {
			c.startSubscriptionLocked(t)
		}
	}
}

func (c *subscriptionCollector) Start(device model.Device, tags []model.Tag, sink Sink) error {
	c.mu.Lock()
	c.device = device
	c.sink = sink
	c.start = time.Now()
	c.stop = make(chan struct{})
	c.tags = make(map[string]model.Tag, len(tags))
	for _, t := range tags {
		c.tags[t.TagId] = t
	}
	c.state = Connecting
	c.mu.Unlock()

	metrics.CollectorStatus.WithLabelValues(device.DeviceId).Set(float64(metrics.CollectorStatusConnecting))

	c.wg.Add(1)
	go c.run()
	return nil
}

func (c *subscriptionCollector) Stop() {
	c.mu.Lock()
	if c.state == Stopped {
		c.mu.Unlock()
		return
	}
	c.state = Stopped
	c.teardownSubscriptionsLocked()
	stopCh := c.stop
	c.mu.Unlock()

	close(stopCh)
	c.wg.Wait()
	if c.dialer != nil {
		c.dialer.Close()
	}
	metrics.CollectorStatus.WithLabelValues(c.DeviceId()).Set(float64(metrics.CollectorStatusStopped))
}

func (c *subscriptionCollector) run() {
	defer c.wg.Done()

	for {
		if !c.connectWithBackoff() {
			return
		}

		c.mu.Lock()
		c.state = Connected
		for _, t := range c.tags {
			if t.Enabled {
				c.startSubscriptionLocked(t)
			}
		}
		c.mu.Unlock()

		metrics.CollectorStatus.WithLabelValues(c.DeviceId()).Set(float64(metrics.CollectorStatusConnected))
		c.backoff.reset()

		if !c.waitForSessionLoss() {
			c.mu.Lock()
			c.teardownSubscriptionsLocked()
			c.mu.Unlock()
			return
		}

		c.mu.Lock()
		c.teardownSubscriptionsLocked()
		if c.state != Stopped {
			c.state = Reconnecting
		}
		c.mu.Unlock()
		metrics.CollectorReconnectsTotal.WithLabelValues(c.DeviceId()).Inc()
		metrics.CollectorStatus.WithLabelValues(c.DeviceId()).Set(float64(metrics.CollectorStatusReconnecting))
	}
}

func (c *subscriptionCollector) connectWithBackoff() bool {
	for {
		device := c.deviceSnapshot()
		ok := device.Simulated
		if !ok && c.dialer != nil {
			if err := c.dialer.Connect(device); err == nil {
				ok = true
			} else {
				slog.Warn("collector: connect failed", "device", device.DeviceId, "error", err)
			}
		}
		if ok {
			return true
		}
		select {
		case <-c.stop:
			return false
		case <-time.After(c.backoff.next()):
		}
	}
}

func (c *subscriptionCollector) deviceSnapshot() model.Device {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.device
}

// startSubscriptionLocked must be called with c.mu held.
func (c *subscriptionCollector) startSubscriptionLocked(t model.Tag) {
	sub := &subscription{tag: t, sim: newSimulator(t), stop: make(chan struct{})}
	c.subs[t.TagId] = sub
	go c.notifyLoop(sub)
}

func (c *subscriptionCollector) teardownSubscriptionsLocked() {
	for id, sub := range c.subs {
		close(sub.stop)
		delete(c.subs, id)
	}
}

// notifyLoop simulates the push-notification cadence of an OPC UA
// subscription at the tag's configured sampling interval.
func (c *subscriptionCollector) notifyLoop(sub *subscription) {
	interval := time.Duration(sub.tag.ScanIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-sub.stop:
			return
		case <-c.stop:
			return
		case <-ticker.C:
			c.mu.RLock()
			device := c.device
			sink := c.sink
			c.mu.RUnlock()

			value := sub.sim.next(simulatedNowMs(c.start))
			p := model.NewFloat64Point(device.DeviceId, sub.tag.TagId, time.Now().UTC().UnixMilli(), 0, value)
			if err := sink.Write(p); err != nil {
				slog.Warn("collector: subscription write failed", "device", device.DeviceId, "tag", sub.tag.TagId, "error", err)
			}
		}
	}
}

func (c *subscriptionCollector) waitForSessionLoss() bool {
	<-c.stop
	return false
}

const AcquisitionSubscription = "subscription"

func init() {
	Register(AcquisitionSubscription, func() Collector { return NewSubscription(nil) })
}
