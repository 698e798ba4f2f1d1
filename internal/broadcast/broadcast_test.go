package broadcast

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/otus/internal/model"
)

func TestHubFeedFansOutToAllSubscribers(t *testing.T) {
	h := New()

	var mu sync.Mutex
	var got []Message
	h.Subscribe("sub-1", func(msg Message) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, msg)
	})

	h.Feed(model.TelemetryPoint{DeviceId: "dev-1", TagId: "tag-1", Ts: 1})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, TopicSample, got[0].Topic)
	assert.Equal(t, "dev-1", got[0].Point.DeviceId)
}

func TestHubSubscribeDeviceFiltersByDevice(t *testing.T) {
	h := New()

	var mu sync.Mutex
	var got []Message
	h.SubscribeDevice("sub-dev-1", "dev-1", func(msg Message) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, msg)
	})

	h.Feed(model.TelemetryPoint{DeviceId: "dev-2", TagId: "tag-1", Ts: 1})
	h.Feed(model.TelemetryPoint{DeviceId: "dev-1", TagId: "tag-1", Ts: 2})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, "dev-1", got[0].Point.DeviceId)
}

func TestHubNotifyForwardsAlarms(t *testing.T) {
	h := New()

	received := make(chan model.AlarmRecord, 1)
	h.Subscribe("sub-1", func(msg Message) {
		if msg.Topic == TopicAlarm {
			received <- *msg.Alarm
		}
	})

	h.Notify(model.AlarmRecord{AlarmId: "a-1", DeviceId: "dev-1"})

	select {
	case a := <-received:
		assert.Equal(t, "a-1", a.AlarmId)
	default:
		t.Fatal("expected alarm.created to be delivered")
	}
}

func TestHubUnsubscribeStopsDelivery(t *testing.T) {
	h := New()

	count := 0
	h.Subscribe("sub-1", func(msg Message) { count++ })
	h.Unsubscribe("sub-1")

	h.Feed(model.TelemetryPoint{DeviceId: "dev-1"})

	assert.Equal(t, 0, count)
}

func TestHubStatsTracksDeliveries(t *testing.T) {
	h := New()
	h.Subscribe("sub-1", func(msg Message) {})
	h.Subscribe("sub-2", func(msg Message) {})

	h.Feed(model.TelemetryPoint{DeviceId: "dev-1"})

	stats := h.Stats()
	assert.Equal(t, 2, stats.Subscribers)
	assert.EqualValues(t, 2, stats.Delivered)
}

func TestHubFeedWithNoSubscribersIsNoop(t *testing.T) {
	h := New()
	require.NotPanics(t, func() {
		h.Feed(model.TelemetryPoint{DeviceId: "dev-1"})
	})
}
