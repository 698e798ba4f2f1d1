// Package broadcast implements the LiveBroadcast sink of spec.md §4.2: the
// only dispatcher sink allowed to filter by a per-subscriber group selector
// (all / by-device). The actual delivery transport (websocket, SSE, gRPC
// stream) is out of scope — this package is the in-process subscriber
// registry and fan-out a transport layer would sit behind, grounded on the
// teacher's internal/eventbus topic-subscriber bookkeeping
// (internal/eventbus/bus.go's Subscribe/subscribers map and GetStats), here
// keyed by device group instead of CallID partition.
package broadcast

import (
	"sync"
	"sync/atomic"

	"firestige.xyz/otus/internal/model"
)

// Group selects which subscribers a message is fanned out to: every
// subscriber in groupAll receives everything; a by-device subscriber only
// receives points/alarms for the device it registered for.
const groupAll = "*"

// Handler receives a forwarded sample or alarm. It must not block; slow
// consumers should buffer internally, mirroring the dispatcher.Sink
// contract this package sits downstream of.
type Handler func(msg Message)

// Message wraps either a TelemetryPoint or an AlarmRecord for delivery to a
// subscriber, tagged by topic so a single Handler can distinguish them.
type Message struct {
	Topic string
	Point *model.TelemetryPoint
	Alarm *model.AlarmRecord
}

const (
	TopicSample = "sample"
	TopicAlarm  = "alarm.created"
)

type subscriber struct {
	id      string
	group   string // groupAll or a DeviceId
	handler Handler
}

// Hub is the subscriber registry. It satisfies dispatcher.Sink (Name, Feed)
// so it can be registered directly as a fan-out consumer, and alarm.Sink
// (Notify) so AlarmEngine can re-broadcast alarm.created without knowing
// anything about subscriber delivery.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]subscriber

	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// New creates an empty Hub.
func New() *Hub {
	return &Hub{subscribers: make(map[string]subscriber)}
}

// Name identifies this sink to the dispatcher.
func (h *Hub) Name() string { return "live-broadcast" }

// Subscribe registers handler under id for messages matching group (groupAll
// or a DeviceId via SubscribeDevice). Re-subscribing the same id replaces
// the prior registration.
func (h *Hub) Subscribe(id string, handler Handler) {
	h.subscribe(id, groupAll, handler)
}

// SubscribeDevice registers handler under id for messages about deviceId
// only.
func (h *Hub) SubscribeDevice(id, deviceId string, handler Handler) {
	h.subscribe(id, deviceId, handler)
}

func (h *Hub) subscribe(id, group string, handler Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subscribers[id] = subscriber{id: id, group: group, handler: handler}
}

// Unsubscribe removes a subscriber. No-op if id is not registered.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subscribers, id)
}

// Feed forwards a persisted sample to every subscriber whose group matches
// (all, or this device).
func (h *Hub) Feed(p model.TelemetryPoint) {
	h.publish(p.DeviceId, Message{Topic: TopicSample, Point: &p})
}

// Notify forwards an alarm.created event the same way Feed forwards
// samples, so AlarmEngine can call a Hub as its alarm.Sink (spec.md §4.4).
func (h *Hub) Notify(a model.AlarmRecord) {
	h.publish(a.DeviceId, Message{Topic: TopicAlarm, Alarm: &a})
}

func (h *Hub) publish(deviceId string, msg Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.subscribers) == 0 {
		return
	}
	for _, sub := range h.subscribers {
		if sub.group != groupAll && sub.group != deviceId {
			continue
		}
		h.safeDeliver(sub, msg)
	}
}

func (h *Hub) safeDeliver(sub subscriber, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			h.dropped.Add(1)
		}
	}()
	sub.handler(msg)
	h.delivered.Add(1)
}

// Stats reports cumulative delivery counters for health reporting.
type Stats struct {
	Subscribers int
	Delivered   uint64
	Dropped     uint64
}

func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Stats{
		Subscribers: len(h.subscribers),
		Delivered:   h.delivered.Load(),
		Dropped:     h.dropped.Load(),
	}
}
