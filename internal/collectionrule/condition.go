package collectionrule

import "firestige.xyz/otus/internal/model"

// conditionTracker holds the "otherSinceTs" timestamp a duration
// sub-condition measures against: the moment the compound condition's
// non-duration branches most recently became continuously true.
type conditionTracker struct {
	otherSinceTs int64 // 0 means "not currently true"
}

// evaluate implements spec.md §4.5's condition semantics:
//   - tag sub-condition: compare the latest known value of TagId using
//     Operator; an unknown tag value is always false.
//   - duration sub-condition: true iff the condition's other (non-duration)
//     branches have been continuously true for >= Seconds. Only valid
//     combined with AND and at least one tag sub-condition
//     (model.Condition.Validate enforces this at config-load time).
//   - plain compound: AND (all true) or OR (any true).
func evaluate(c model.Condition, latest map[string]float64, nowTs int64, tracker *conditionTracker) bool {
	var tagConds, durationConds []model.SubCondition
	for _, sc := range c.Conditions {
		if sc.Kind == model.ConditionKindDuration {
			durationConds = append(durationConds, sc)
		} else {
			tagConds = append(tagConds, sc)
		}
	}

	if len(durationConds) == 0 {
		return evaluateLogic(c.Logic, tagConds, latest)
	}

	otherTrue := evaluateLogic(model.LogicAND, tagConds, latest)
	if !otherTrue {
		tracker.otherSinceTs = 0
		return false
	}
	if tracker.otherSinceTs == 0 {
		tracker.otherSinceTs = nowTs
	}
	for _, dc := range durationConds {
		if nowTs-tracker.otherSinceTs < int64(dc.Seconds)*1000 {
			return false
		}
	}
	return true
}

func evaluateLogic(logic model.Logic, conds []model.SubCondition, latest map[string]float64) bool {
	if len(conds) == 0 {
		return false
	}
	if logic == model.LogicOR {
		for _, sc := range conds {
			if evaluateTag(sc, latest) {
				return true
			}
		}
		return false
	}
	for _, sc := range conds {
		if !evaluateTag(sc, latest) {
			return false
		}
	}
	return true
}

func evaluateTag(sc model.SubCondition, latest map[string]float64) bool {
	v, ok := latest[sc.TagId]
	if !ok {
		return false
	}
	return sc.Operator.Evaluate(v, sc.Value)
}
