package model

import (
	"fmt"
	"time"
)

// Logic is the boolean combinator for a compound Condition.
type Logic string

const (
	LogicAND Logic = "AND"
	LogicOR  Logic = "OR"
)

// ConditionKind distinguishes a tag-value sub-condition from a
// duration-since-other-branch-became-true sub-condition.
type ConditionKind string

const (
	ConditionKindTag      ConditionKind = "tag"
	ConditionKindDuration ConditionKind = "duration"
)

// SubCondition is one leaf of a Condition tree.
type SubCondition struct {
	Kind     ConditionKind
	TagId    string        // ConditionKindTag
	Operator ConditionType // ConditionKindTag
	Value    float64       // ConditionKindTag
	Seconds  int           // ConditionKindDuration
}

// Condition is a compound boolean expression over SubConditions, parsed
// once at config-load time from the persisted JSON/YAML blob (spec.md §9).
type Condition struct {
	Logic      Logic
	Conditions []SubCondition
}

// Validate enforces spec.md §4.5: a bare `duration` condition is invalid;
// duration sub-conditions must be combined in a compound AND together with
// at least one non-duration branch.
func (c Condition) Validate() error {
	if len(c.Conditions) == 0 {
		return fmt.Errorf("condition has no sub-conditions")
	}
	hasDuration := false
	hasOther := false
	for _, sc := range c.Conditions {
		switch sc.Kind {
		case ConditionKindDuration:
			hasDuration = true
			if sc.Seconds < 0 {
				return fmt.Errorf("duration condition seconds must be >= 0")
			}
		case ConditionKindTag:
			hasOther = true
			if sc.TagId == "" {
				return fmt.Errorf("tag condition requires a tag id")
			}
		default:
			return fmt.Errorf("unknown condition kind %q", sc.Kind)
		}
	}
	if hasDuration && c.Logic != LogicAND {
		return fmt.Errorf("duration condition must be combined with AND, got logic %q", c.Logic)
	}
	if hasDuration && !hasOther {
		return fmt.Errorf("bare duration condition is invalid, must pair with a tag condition")
	}
	if len(c.Conditions) == 1 && c.Conditions[0].Kind == ConditionKindDuration {
		return fmt.Errorf("bare duration condition is invalid")
	}
	return nil
}

// CollectionConfig names the tags to capture and the pre/post buffer
// windows, in seconds.
type CollectionConfig struct {
	TagIds            []string
	PreBufferSeconds  int
	PostBufferSeconds int
}

// CollectionRule is a per-device start/stop condition pair that produces
// bounded CollectionSegments.
type CollectionRule struct {
	RuleId          string
	DeviceId        string
	Enabled         bool
	StartCondition  Condition
	StopCondition   Condition
	Collection      CollectionConfig
	TriggerCount    int64
	LastTriggerUtc  *time.Time
}

// Fingerprint captures the evaluative fields whose change resets the
// per-rule state machine on hot reload.
func (r CollectionRule) Fingerprint() string {
	return fmt.Sprintf("%v|%v|%v", r.StartCondition, r.StopCondition, r.Collection)
}

// SegmentStatus is the lifecycle state of a CollectionSegment.
type SegmentStatus string

const (
	SegmentActive    SegmentStatus = "active"
	SegmentCompleted SegmentStatus = "completed"
	SegmentAborted   SegmentStatus = "aborted"
)

// CollectionSegment is a bounded time-window capture produced by a
// CollectionRule. The sample set is restricted to Collection.TagIds and is
// immutable once Status == Completed.
type CollectionSegment struct {
	Id       string
	RuleId   string
	DeviceId string
	StartTs  int64
	EndTs    int64
	Status   SegmentStatus
	Samples  []TelemetryPoint
}
