package collector

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/otus/internal/model"
	"firestige.xyz/otus/internal/sharding"
	"firestige.xyz/otus/internal/store"
)

type recordingSink struct {
	signal chan struct{}
	got    []model.TelemetryPoint
}

func newRecordingSink() *recordingSink {
	return &recordingSink{signal: make(chan struct{}, 1000)}
}

func (s *recordingSink) Write(p model.TelemetryPoint) error {
	s.got = append(s.got, p)
	select {
	case s.signal <- struct{}{}:
	default:
	}
	return nil
}

func TestBackoff_DoublesUntilCapWithJitter(t *testing.T) {
	var b backoff
	for i := 0; i < 10; i++ {
		expected := backoffStart << i
		if expected > backoffCap {
			expected = backoffCap
		}
		d := b.next()
		assert.True(t, d >= expected*8/10, "attempt %d: backoff below the jittered floor of %v, got %v", i, expected, d)
		assert.True(t, d <= expected*12/10, "attempt %d: backoff above the jittered ceiling of %v, got %v", i, expected, d)
	}
}

func TestSimulator_SineIsDeterministicForSameElapsed(t *testing.T) {
	tag := model.Tag{TagId: "t1", Name: "pressure", ScanIntervalMs: 1000}
	s1 := newSimulator(tag)
	s2 := newSimulator(tag)
	assert.Equal(t, s1.next(5000), s2.next(5000))
}

func TestSimulator_CounterIsMonotonic(t *testing.T) {
	tag := model.Tag{TagId: "t1", Name: "part_count", ScanIntervalMs: 1000}
	s := newSimulator(tag)
	prev := s.next(0)
	for _, elapsed := range []int64{1000, 2000, 5000, 10000} {
		v := s.next(elapsed)
		assert.GreaterOrEqual(t, v, prev)
		prev = v
	}
}

func TestWaveformFor_MetadataOverridesNameHeuristic(t *testing.T) {
	tag := model.Tag{Name: "speed", Metadata: map[string]string{"waveform": "step"}}
	assert.Equal(t, WaveStep, waveformFor(tag))
}

func TestWaveformFor_NameHeuristics(t *testing.T) {
	assert.Equal(t, WaveCounter, waveformFor(model.Tag{Name: "part_count"}))
	assert.Equal(t, WaveStep, waveformFor(model.Tag{Name: "run_state"}))
	assert.Equal(t, WaveRandomWalk, waveformFor(model.Tag{Name: "vibration_x"}))
	assert.Equal(t, WaveSawtooth, waveformFor(model.Tag{Name: "ramp_position"}))
	assert.Equal(t, WaveSine, waveformFor(model.Tag{Name: "temperature"}))
}

func TestPollingCollector_SimulatedDeviceReachesConnectedAndEmits(t *testing.T) {
	c := NewPolling(nil)
	sink := newRecordingSink()
	device := model.Device{DeviceId: "dev-1", Simulated: true, Enabled: true}
	tags := []model.Tag{{TagId: "t1", DeviceId: "dev-1", Name: "speed", Enabled: true, ScanIntervalMs: 10}}

	require.NoError(t, c.Start(device, tags, sink))
	defer c.Stop()

	select {
	case <-sink.signal:
	case <-time.After(2 * time.Second):
		t.Fatal("expected at least one sample from the simulated collector")
	}
	assert.Equal(t, Connected, c.State())
}

func TestPollingCollector_NonSimulatedWithoutDialerNeverConnects(t *testing.T) {
	c := NewPolling(nil)
	sink := newRecordingSink()
	device := model.Device{DeviceId: "dev-2", Simulated: false, Enabled: true}
	tags := []model.Tag{{TagId: "t1", DeviceId: "dev-2", Enabled: true, ScanIntervalMs: 10}}

	require.NoError(t, c.Start(device, tags, sink))
	defer c.Stop()

	time.Sleep(50 * time.Millisecond)
	assert.NotEqual(t, Connected, c.State())
}

func TestSupervisor_StartsStopsAndRestartsOnFingerprintChange(t *testing.T) {
	mem := store.NewMemStore()
	sink := newRecordingSink()
	sup := NewSupervisor(mem, sink, []AcquisitionConfig{{DeviceId: "dev-1", Model: AcquisitionSimulation}})

	require.NoError(t, mem.UpsertDevice(model.Device{DeviceId: "dev-1", Enabled: true, Host: "a"}))
	require.NoError(t, mem.UpsertTag(model.Tag{TagId: "t1", DeviceId: "dev-1", Enabled: true, ScanIntervalMs: 10}))

	require.NoError(t, sup.Reload(1))
	sup.mu.Lock()
	_, running := sup.running["dev-1"]
	sup.mu.Unlock()
	assert.True(t, running)

	// Host change alters ConnectionFingerprint -> forces restart.
	require.NoError(t, mem.UpsertDevice(model.Device{DeviceId: "dev-1", Enabled: true, Host: "b"}))
	require.NoError(t, sup.Reload(2))
	sup.mu.Lock()
	_, stillRunning := sup.running["dev-1"]
	sup.mu.Unlock()
	assert.True(t, stillRunning)

	// Disabling the device stops its collector.
	require.NoError(t, mem.UpsertDevice(model.Device{DeviceId: "dev-1", Enabled: false, Host: "b"}))
	require.NoError(t, sup.Reload(3))
	sup.mu.Lock()
	_, stoppedRunning := sup.running["dev-1"]
	sup.mu.Unlock()
	assert.False(t, stoppedRunning)

	sup.Stop()
}

func TestSupervisor_RouterGatesWhichDevicesItStarts(t *testing.T) {
	mem := store.NewMemStore()
	sink := newRecordingSink()
	sup := NewSupervisor(mem, sink, []AcquisitionConfig{{DeviceId: "dev-1", Model: AcquisitionSimulation}})

	router := sharding.New("node-a", []string{"node-a", "node-b"})
	sup.SetRouter(router)
	owner := router.Owner("dev-1")

	require.NoError(t, mem.UpsertDevice(model.Device{DeviceId: "dev-1", Enabled: true}))
	require.NoError(t, mem.UpsertTag(model.Tag{TagId: "t1", DeviceId: "dev-1", Enabled: true, ScanIntervalMs: 10}))

	require.NoError(t, sup.Reload(1))
	sup.mu.Lock()
	_, running := sup.running["dev-1"]
	sup.mu.Unlock()

	if owner == "node-a" {
		assert.True(t, running, "a device this node owns must be started locally")
	} else {
		assert.False(t, running, "a device owned by another ring member must not be started locally")
	}

	sup.Stop()
}
