package command

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/otus/internal/model"
	"firestige.xyz/otus/internal/store"
)

func mustParams(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func TestHandler_DeviceUpsertAndList(t *testing.T) {
	h := NewCommandHandler(store.NewMemStore())
	ctx := context.Background()

	resp := h.Handle(ctx, Command{
		ID:     "1",
		Method: "device.upsert",
		Params: mustParams(t, model.Device{DeviceId: "dev-1", Name: "boiler", Protocol: model.ProtocolModbus, Enabled: true}),
	})
	require.Nil(t, resp.Error)

	resp = h.Handle(ctx, Command{ID: "2", Method: "device.list"})
	require.Nil(t, resp.Error)
	result := resp.Result.(map[string]interface{})
	assert.Equal(t, 1, result["count"])
}

func TestHandler_DeviceUpsertRejectsMissingId(t *testing.T) {
	h := NewCommandHandler(store.NewMemStore())
	resp := h.Handle(context.Background(), Command{
		ID:     "1",
		Method: "device.upsert",
		Params: mustParams(t, model.Device{Name: "no-id"}),
	})
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeInvalidParams, resp.Error.Code)
}

func TestHandler_DeviceDelete(t *testing.T) {
	st := store.NewMemStore()
	h := NewCommandHandler(st)
	require.NoError(t, st.UpsertDevice(model.Device{DeviceId: "dev-1", Enabled: true}))

	resp := h.Handle(context.Background(), Command{
		ID:     "1",
		Method: "device.delete",
		Params: mustParams(t, deviceIdParams{DeviceId: "dev-1"}),
	})
	require.Nil(t, resp.Error)

	devices, err := st.ListDevices()
	require.NoError(t, err)
	assert.Empty(t, devices)
}

func TestHandler_TagUpsertRequiresDeviceAndTagId(t *testing.T) {
	h := NewCommandHandler(store.NewMemStore())
	resp := h.Handle(context.Background(), Command{
		ID:     "1",
		Method: "tag.upsert",
		Params: mustParams(t, model.Tag{Name: "no-ids"}),
	})
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeInvalidParams, resp.Error.Code)
}

func TestHandler_AlarmRuleUpsertAndDelete(t *testing.T) {
	st := store.NewMemStore()
	h := NewCommandHandler(st)
	ctx := context.Background()

	resp := h.Handle(ctx, Command{
		ID:     "1",
		Method: "alarmrule.upsert",
		Params: mustParams(t, model.AlarmRule{RuleId: "r1", TagId: "t1", ConditionType: model.CondGT, Threshold: 90, Severity: 2, Enabled: true}),
	})
	require.Nil(t, resp.Error)

	rules, err := st.ListAlarmRules()
	require.NoError(t, err)
	require.Len(t, rules, 1)

	resp = h.Handle(ctx, Command{
		ID:     "2",
		Method: "alarmrule.delete",
		Params: mustParams(t, ruleIdParams{RuleId: "r1"}),
	})
	require.Nil(t, resp.Error)

	rules, err = st.ListAlarmRules()
	require.NoError(t, err)
	assert.Empty(t, rules)
}

func TestHandler_CollectionRuleUpsertRejectsInvalidCondition(t *testing.T) {
	h := NewCommandHandler(store.NewMemStore())
	resp := h.Handle(context.Background(), Command{
		ID:     "1",
		Method: "collectionrule.upsert",
		Params: mustParams(t, model.CollectionRule{
			RuleId:   "r1",
			DeviceId: "dev-1",
			StartCondition: model.Condition{
				Logic:      model.LogicAND,
				Conditions: []model.SubCondition{{Kind: model.ConditionKindDuration, Seconds: 5}},
			},
			StopCondition: model.Condition{
				Logic:      model.LogicAND,
				Conditions: []model.SubCondition{{Kind: model.ConditionKindTag, TagId: "run", Operator: model.CondLE, Value: 0}},
			},
		}),
	})
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeInvalidParams, resp.Error.Code)
}

func TestHandler_AlarmAckThenClose(t *testing.T) {
	st := store.NewMemStore()
	h := NewCommandHandler(st)
	ctx := context.Background()

	require.NoError(t, st.CreateAlarm(model.AlarmRecord{AlarmId: "a1", RuleId: "r1", DeviceId: "dev-1", TagId: "t1", Ts: 1000, Severity: 2}))

	resp := h.Handle(ctx, Command{
		ID:     "1",
		Method: "alarm.ack",
		Params: mustParams(t, alarmAckParams{AlarmId: "a1", AckedBy: "operator-1", Note: "investigating"}),
	})
	require.Nil(t, resp.Error)

	resp = h.Handle(ctx, Command{
		ID:     "2",
		Method: "alarm.close",
		Params: mustParams(t, alarmIdParams{AlarmId: "a1"}),
	})
	require.Nil(t, resp.Error)

	alarms, err := st.ListAlarms(nil)
	require.NoError(t, err)
	require.Len(t, alarms, 1)
	assert.Equal(t, model.AlarmClosed, alarms[0].Status)
}

func TestHandler_UnknownMethod(t *testing.T) {
	h := NewCommandHandler(store.NewMemStore())
	resp := h.Handle(context.Background(), Command{ID: "1", Method: "bogus.method"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeMethodNotFound, resp.Error.Code)
}

func TestHandler_WritesAdvanceConfigRevision(t *testing.T) {
	st := store.NewMemStore()
	h := NewCommandHandler(st)

	before, err := st.GetRevision()
	require.NoError(t, err)

	resp := h.Handle(context.Background(), Command{
		ID:     "1",
		Method: "device.upsert",
		Params: mustParams(t, model.Device{DeviceId: "dev-1", Enabled: true}),
	})
	require.Nil(t, resp.Error)

	after, err := st.GetRevision()
	require.NoError(t, err)
	assert.Greater(t, after, before)
}

func TestHandler_DaemonShutdownInvokesCallback(t *testing.T) {
	h := NewCommandHandler(store.NewMemStore())
	done := make(chan struct{})
	h.SetShutdownFunc(func() { close(done) })

	resp := h.Handle(context.Background(), Command{ID: "1", Method: "daemon.shutdown"})
	require.Nil(t, resp.Error)

	<-done
}

func TestHandler_DaemonShutdownWithoutCallbackErrors(t *testing.T) {
	h := NewCommandHandler(store.NewMemStore())
	resp := h.Handle(context.Background(), Command{ID: "1", Method: "daemon.shutdown"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeInternalError, resp.Error.Code)
}
