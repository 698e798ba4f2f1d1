package collectionrule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/otus/internal/clock"
	"firestige.xyz/otus/internal/model"
	"firestige.xyz/otus/internal/store"
)

func pt(ts int64, tagId string, val float64) model.TelemetryPoint {
	return model.NewFloat64Point("dev-1", tagId, ts, uint64(ts), val)
}

// runningRule: start when "run" > 0, stop when "run" <= 0, 2s pre-buffer,
// 3s post-buffer, capturing tag "run" and "speed".
func runningRule() model.CollectionRule {
	return model.CollectionRule{
		RuleId:   "rule-s3",
		DeviceId: "dev-1",
		Enabled:  true,
		StartCondition: model.Condition{
			Logic: model.LogicAND,
			Conditions: []model.SubCondition{
				{Kind: model.ConditionKindTag, TagId: "run", Operator: model.CondGT, Value: 0},
			},
		},
		StopCondition: model.Condition{
			Logic: model.LogicAND,
			Conditions: []model.SubCondition{
				{Kind: model.ConditionKindTag, TagId: "run", Operator: model.CondLE, Value: 0},
			},
		},
		Collection: model.CollectionConfig{
			TagIds:            []string{"run", "speed"},
			PreBufferSeconds:  2,
			PostBufferSeconds: 3,
		},
	}
}

func newTestEngine(t *testing.T, mem *store.MemStore) (*Engine, *clock.Fixed) {
	t.Helper()
	e := New(mem)
	c := &clock.Fixed{Ms: 0}
	e.SetClock(c)
	e.ReloadRules([]model.CollectionRule{runningRule()})
	return e, c
}

func TestEngine_IdleStaysIdleWhileStartConditionFalse(t *testing.T) {
	mem := store.NewMemStore()
	e, _ := newTestEngine(t, mem)

	e.Feed(pt(0, "run", 0))
	e.Feed(pt(1000, "speed", 10))

	segs, err := mem.ListSegments("rule-s3")
	require.NoError(t, err)
	assert.Empty(t, segs)
}

func TestEngine_StartConditionOpensSegmentWithPreBuffer(t *testing.T) {
	mem := store.NewMemStore()
	e, _ := newTestEngine(t, mem)

	// Pre-buffer samples before the start condition fires.
	e.Feed(pt(0, "speed", 5))
	e.Feed(pt(1000, "speed", 6))
	e.Feed(pt(1900, "run", 0))

	e.Feed(pt(2000, "run", 1)) // StartCondition fires at Ts=2000

	segs, err := mem.ListSegments("rule-s3")
	require.NoError(t, err)
	require.Len(t, segs, 1)
	assert.Equal(t, model.SegmentActive, segs[0].Status)
	assert.Equal(t, int64(2000), segs[0].StartTs)

	// Pre-buffer window is [0, 2000); both speed samples fall inside it.
	var speedCount int
	for _, s := range segs[0].Samples {
		if s.TagId == "speed" {
			speedCount++
		}
	}
	assert.Equal(t, 2, speedCount)
}

func TestEngine_CollectingAppendsOnlyTrackedTags(t *testing.T) {
	mem := store.NewMemStore()
	e, _ := newTestEngine(t, mem)

	e.Feed(pt(0, "run", 1)) // start fires immediately (no pre-buffer samples)
	e.Feed(pt(100, "speed", 42))
	e.Feed(pt(200, "untracked", 99))

	segs, err := mem.ListSegments("rule-s3")
	require.NoError(t, err)
	require.Len(t, segs, 1)
	for _, s := range segs[0].Samples {
		assert.NotEqual(t, "untracked", s.TagId)
	}
}

func TestEngine_StopConditionEntersPostBufferThenCompletes(t *testing.T) {
	mem := store.NewMemStore()
	e, c := newTestEngine(t, mem)

	e.Feed(pt(0, "run", 1))
	e.Feed(pt(1000, "run", 0)) // StopCondition fires, StopDetectedTs=1000

	// A sample within the post-buffer window is still appended.
	e.Feed(pt(2000, "speed", 77))

	c.Ms = 1000 + 3000 + 1 // past StopDetectedTs + PostBufferSeconds
	e.tick()

	segs, err := mem.ListSegments("rule-s3")
	require.NoError(t, err)
	require.Len(t, segs, 1)
	assert.Equal(t, model.SegmentCompleted, segs[0].Status)

	var found bool
	for _, s := range segs[0].Samples {
		if s.TagId == "speed" && s.Ts == 2000 {
			found = true
		}
	}
	assert.True(t, found, "sample inside the post-buffer window must be retained")
}

func TestEngine_SampleAfterPostBufferWindowIsDropped(t *testing.T) {
	mem := store.NewMemStore()
	e, c := newTestEngine(t, mem)

	e.Feed(pt(0, "run", 1))
	e.Feed(pt(1000, "run", 0)) // StopDetectedTs=1000, window ends at 4000
	e.Feed(pt(5000, "speed", 99))

	c.Ms = 10000
	e.tick()

	segs, err := mem.ListSegments("rule-s3")
	require.NoError(t, err)
	require.Len(t, segs, 1)
	for _, s := range segs[0].Samples {
		assert.NotEqual(t, int64(5000), s.Ts)
	}
}

func TestEngine_AbortCeilingFinalizesStuckCollection(t *testing.T) {
	mem := store.NewMemStore()
	e, c := newTestEngine(t, mem)
	e.SetAbortCeiling(time.Minute)

	e.Feed(pt(0, "run", 1)) // enters Collecting, never stops

	c.Ms = int64(time.Minute.Milliseconds()) + 1
	e.tick()

	segs, err := mem.ListSegments("rule-s3")
	require.NoError(t, err)
	require.Len(t, segs, 1)
	assert.Equal(t, model.SegmentAborted, segs[0].Status)
}

func TestEngine_ReloadRulesResetsStateOnFingerprintChange(t *testing.T) {
	mem := store.NewMemStore()
	e, _ := newTestEngine(t, mem)

	e.Feed(pt(0, "run", 1)) // enters Collecting

	changed := runningRule()
	changed.Collection.PostBufferSeconds = 10 // fingerprint changes
	e.ReloadRules([]model.CollectionRule{changed})

	// The old in-flight segment is abandoned; the rule restarts Idle.
	e.Feed(pt(100, "run", 1))

	segs, err := mem.ListSegments("rule-s3")
	require.NoError(t, err)
	require.Len(t, segs, 2, "the pre-reload segment is left abandoned and a fresh one opens post-reload")
	assert.NotEqual(t, segs[0].Id, segs[1].Id)
}

func TestEngine_DisabledRuleNeverCollects(t *testing.T) {
	mem := store.NewMemStore()
	e := New(mem)
	e.SetClock(&clock.Fixed{Ms: 0})
	disabled := runningRule()
	disabled.Enabled = false
	e.ReloadRules([]model.CollectionRule{disabled})

	e.Feed(pt(0, "run", 1))

	segs, err := mem.ListSegments("rule-s3")
	require.NoError(t, err)
	assert.Empty(t, segs)
}
