// Package collector implements the Collector framework of spec.md §4.3: a
// per-device state machine driving a protocol-specific acquisition loop
// that feeds TelemetryPoint samples into the pipeline.
//
// Grounded on the teacher's pkg/plugin.Capturer lifecycle (Init/Start/Stop)
// and internal/plugin.Manager's state tracking.
package collector

import (
	"math/rand"
	"time"

	"firestige.xyz/otus/internal/model"
)

// State is a Collector's connection lifecycle phase.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
	Stopped
)

func (s State) String() string {
	return [...]string{"Disconnected", "Connecting", "Connected", "Reconnecting", "Stopped"}[s]
}

// Sink receives samples produced by a Collector's acquisition loop.
type Sink interface {
	Write(p model.TelemetryPoint) error
}

// Collector drives one Device's connection lifecycle and acquisition loop.
type Collector interface {
	// DeviceId identifies the device this instance serves.
	DeviceId() string
	// Start begins the connect/acquire/reconnect loop. Returns once the
	// first connection attempt has been dispatched; acquisition continues
	// on an internal goroutine until Stop is called.
	Start(device model.Device, tags []model.Tag, sink Sink) error
	// ApplyTags updates the enabled tag set / scan intervals in place,
	// without a reconnect, when the protocol permits it (§4.3).
	ApplyTags(tags []model.Tag)
	// State reports the current connection state.
	State() State
	// Stop transitions to Stopped and halts acquisition. Terminal.
	Stop()
}

// Factory constructs a new, unstarted Collector for one protocol.
type Factory func() Collector

// backoff implements spec.md §4.3's reconnect policy: exponential from
// 1s, doubling to a 30s cap, with ±20% jitter.
type backoff struct {
	attempt int
}

const (
	backoffStart = time.Second
	backoffCap   = 30 * time.Second
)

func (b *backoff) next() time.Duration {
	d := backoffStart << b.attempt
	if d > backoffCap || d <= 0 {
		d = backoffCap
	}
	b.attempt++
	jitter := 1 + (rand.Float64()*0.4 - 0.2)
	return time.Duration(float64(d) * jitter)
}

func (b *backoff) reset() {
	b.attempt = 0
}
