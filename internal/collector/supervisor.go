package collector

import (
	"fmt"
	"log/slog"
	"sync"

	"firestige.xyz/otus/internal/model"
	"firestige.xyz/otus/internal/sharding"
	"firestige.xyz/otus/internal/store"
)

// AcquisitionConfig is the static, startup-time wiring for one device:
// which acquisition model to run. The Device/Tag rows themselves (enabled
// flags, tag sets, connection fields) come from the Store and are
// hot-reloadable.
type AcquisitionConfig struct {
	DeviceId string
	Model    string // "polling" | "subscription" | "simulation"
}

// Supervisor owns one running Collector per configured device and diffs
// the durable (Device, Tag) set against it on every ConfigRevision change
// (spec.md §4.3).
type Supervisor struct {
	store store.Store
	sink  Sink

	router *sharding.Router // nil means this process owns every device

	mu          sync.Mutex
	acqByDevice map[string]AcquisitionConfig
	running     map[string]Collector
	lastSeen    map[string]model.Device
}

// SetRouter restricts the devices this Supervisor starts collectors for
// to those it owns on the given ring, for horizontally sharded
// deployments (spec.md §1).
func (s *Supervisor) SetRouter(r *sharding.Router) { s.router = r }

// NewSupervisor constructs a Supervisor. acquisitions maps each device to
// its configured acquisition model; a device with no entry defaults to
// polling.
func NewSupervisor(st store.Store, sink Sink, acquisitions []AcquisitionConfig) *Supervisor {
	acqByDevice := make(map[string]AcquisitionConfig, len(acquisitions))
	for _, a := range acquisitions {
		acqByDevice[a.DeviceId] = a
	}
	return &Supervisor{
		store:       st,
		sink:        sink,
		acqByDevice: acqByDevice,
		running:     make(map[string]Collector),
		lastSeen:    make(map[string]model.Device),
	}
}

// Reload implements the OnChanged callback registered with
// internal/configwatcher: added devices are started, removed devices are
// stopped, devices whose ConnectionFingerprint changed are restarted, and
// everything else has its tag set applied in place.
func (s *Supervisor) Reload(_ int64) error {
	devices, err := s.store.ListDevices()
	if err != nil {
		return fmt.Errorf("supervisor: list devices: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool, len(devices))
	for _, d := range devices {
		seen[d.DeviceId] = true
		if !d.Enabled || (s.router != nil && !s.router.Owns(d.DeviceId)) {
			s.stopLocked(d.DeviceId)
			continue
		}

		tags, err := s.store.ListTags(d.DeviceId)
		if err != nil {
			slog.Error("supervisor: list tags failed", "device", d.DeviceId, "error", err)
			continue
		}

		if _, running := s.running[d.DeviceId]; !running {
			s.startLocked(d, tags)
			continue
		}
		s.reconcileLocked(d, tags)
	}

	for deviceId := range s.running {
		if !seen[deviceId] {
			s.stopLocked(deviceId)
		}
	}
	return nil
}

func (s *Supervisor) startLocked(d model.Device, tags []model.Tag) {
	acq, ok := s.acqByDevice[d.DeviceId]
	if !ok {
		acq = AcquisitionConfig{DeviceId: d.DeviceId, Model: AcquisitionPolling}
	}
	factory, err := Get(acq.Model)
	if err != nil {
		slog.Error("supervisor: no collector factory", "device", d.DeviceId, "model", acq.Model, "error", err)
		return
	}
	c := factory()
	if err := c.Start(d, enabledOnly(tags), s.sink); err != nil {
		slog.Error("supervisor: collector start failed", "device", d.DeviceId, "error", err)
		return
	}
	s.running[d.DeviceId] = c
	s.lastSeen[d.DeviceId] = d
}

func (s *Supervisor) stopLocked(deviceId string) {
	c, ok := s.running[deviceId]
	if !ok {
		return
	}
	c.Stop()
	delete(s.running, deviceId)
	delete(s.lastSeen, deviceId)
}

// reconcileLocked applies spec.md §4.3's hot-reload rule: a changed
// ConnectionFingerprint forces stop+restart; otherwise tags are applied
// in place.
func (s *Supervisor) reconcileLocked(d model.Device, tags []model.Tag) {
	prev, ok := s.lastSeen[d.DeviceId]
	if ok && prev.ConnectionFingerprint() != d.ConnectionFingerprint() {
		s.stopLocked(d.DeviceId)
		s.startLocked(d, tags)
		return
	}
	s.lastSeen[d.DeviceId] = d
	if c, ok := s.running[d.DeviceId]; ok {
		c.ApplyTags(enabledOnly(tags))
	}
}

func enabledOnly(tags []model.Tag) []model.Tag {
	out := make([]model.Tag, 0, len(tags))
	for _, t := range tags {
		if t.Enabled {
			out = append(out, t)
		}
	}
	return out
}

// Stop halts every running collector.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for deviceId := range s.running {
		s.stopLocked(deviceId)
	}
}
