// Package alarm implements the AlarmEngine described in spec.md §4.4: it
// converts the telemetry stream into AlarmRecord events by evaluating a
// hot-reloadable rule set against each sample, tracking per-rule threshold
// and duration state the way the teacher's internal/task tracks per-task
// hot-reload state across config changes.
package alarm

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/tevino/abool"
	uuid "github.com/satori/go.uuid"

	"firestige.xyz/otus/internal/clock"
	"firestige.xyz/otus/internal/metrics"
	"firestige.xyz/otus/internal/model"
	"firestige.xyz/otus/internal/sharding"
	"firestige.xyz/otus/internal/store"
)

// Sink receives newly created alarms. internal/broadcast.Hub implements
// this to forward "alarm.created" to operator-facing subscribers.
type Sink interface {
	Notify(a model.AlarmRecord)
}

// ruleState is the per-(rule,device,tag) mutable evaluator state of
// spec.md §4.4: { above, aboveSinceTs, openAlarmId }.
type ruleState struct {
	mu sync.Mutex

	above        abool.AtomicBool
	aboveSinceTs int64
	openAlarmId  string
}

// Engine evaluates telemetry samples against a hot-reloadable AlarmRule
// set. It satisfies internal/dispatcher.Sink so it can be registered
// directly as a fan-out consumer.
type Engine struct {
	store  store.Store
	notify Sink
	clock  clock.Clock

	rulesMu     sync.RWMutex
	rules       map[string]model.AlarmRule
	fingerprint map[string]string
	tagsEnabled map[string]bool

	router *sharding.Router // nil means this process owns every device

	stateMu sync.Mutex
	states  map[string]*ruleState
}

// New creates an Engine. notify may be nil if nothing needs alarm.created
// events.
func New(st store.Store, notify Sink) *Engine {
	return &Engine{
		store:       st,
		notify:      notify,
		clock:       clock.Real{},
		rules:       make(map[string]model.AlarmRule),
		fingerprint: make(map[string]string),
		tagsEnabled: make(map[string]bool),
		states:      make(map[string]*ruleState),
	}
}

// Name identifies this sink to the dispatcher.
func (e *Engine) Name() string { return "alarm-engine" }

// SetClock overrides the engine's time source. Intended for tests.
func (e *Engine) SetClock(c clock.Clock) { e.clock = c }

// SetRouter restricts evaluation to devices this process owns on the
// given ring, for horizontally sharded deployments (spec.md §1).
func (e *Engine) SetRouter(r *sharding.Router) { e.router = r }

// ReloadRules performs the key-preserving replace of spec.md §4.4: state
// survives for any RuleId whose evaluative fingerprint (condition,
// threshold, duration, tag, device) is unchanged; every other rule's state
// is dropped so it re-arms from scratch.
func (e *Engine) ReloadRules(rules []model.AlarmRule) {
	e.rulesMu.Lock()
	defer e.rulesMu.Unlock()

	next := make(map[string]model.AlarmRule, len(rules))
	nextFp := make(map[string]string, len(rules))
	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		next[r.RuleId] = r
		nextFp[r.RuleId] = r.Fingerprint()
	}

	for ruleId, oldFp := range e.fingerprint {
		newFp, stillPresent := nextFp[ruleId]
		if !stillPresent || newFp != oldFp {
			e.resetStateForRule(ruleId)
		}
	}

	e.rules = next
	e.fingerprint = nextFp
}

// ReloadTags refreshes which tags are currently enabled. A disabled Tag
// must not fire any rule (spec.md §3).
func (e *Engine) ReloadTags(tags []model.Tag) {
	e.rulesMu.Lock()
	defer e.rulesMu.Unlock()
	next := make(map[string]bool, len(tags))
	for _, t := range tags {
		next[t.TagId] = t.Enabled
	}
	e.tagsEnabled = next
}

func (e *Engine) resetStateForRule(ruleId string) {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	prefix := ruleId + "|"
	for key := range e.states {
		if strings.HasPrefix(key, prefix) {
			delete(e.states, key)
		}
	}
}

// Feed evaluates a sample against every rule matching its TagId (and
// DeviceId, if the rule pins one).
func (e *Engine) Feed(p model.TelemetryPoint) {
	if e.router != nil && !e.router.Owns(p.DeviceId) {
		return
	}

	e.rulesMu.RLock()
	if !e.tagsEnabled[p.TagId] {
		e.rulesMu.RUnlock()
		return
	}
	var matches []model.AlarmRule
	for _, r := range e.rules {
		if r.TagId != p.TagId {
			continue
		}
		if r.DeviceId != "" && r.DeviceId != p.DeviceId {
			continue
		}
		matches = append(matches, r)
	}
	e.rulesMu.RUnlock()

	for _, r := range matches {
		e.evaluate(r, p)
	}
}

func (e *Engine) evaluate(rule model.AlarmRule, p model.TelemetryPoint) {
	value, ok := p.AsFloat64()
	if !ok {
		return
	}
	metrics.AlarmEvaluationsTotal.WithLabelValues(rule.RuleId).Inc()

	c := rule.ConditionType.Evaluate(value, rule.Threshold)
	key := stateKey(rule.RuleId, p.DeviceId, p.TagId)
	st := e.stateFor(key)

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.openAlarmId != "" {
		rec, err := e.store.GetOpenAlarm(rule.RuleId, p.DeviceId, p.TagId)
		if err == nil && rec == nil {
			st.openAlarmId = ""
		}
	}

	if !c {
		if st.above.IsSet() {
			st.above.UnSet()
			st.aboveSinceTs = 0
		}
		return
	}

	if !st.above.IsSet() {
		st.above.Set()
		st.aboveSinceTs = p.Ts
	}

	if st.openAlarmId != "" {
		return
	}
	if p.Ts-st.aboveSinceTs < rule.DurationMs {
		return
	}

	alarmId := uuid.NewV4().String()
	record := model.AlarmRecord{
		AlarmId:  alarmId,
		RuleId:   rule.RuleId,
		DeviceId: p.DeviceId,
		TagId:    p.TagId,
		Ts:       p.Ts,
		Severity: rule.Severity,
		Code:     rule.RuleId,
		Message:  renderMessage(rule.MessageTemplate, value, rule.Threshold, p.TagId, p.DeviceId),
		Status:   model.AlarmOpen,
	}
	if err := e.store.CreateAlarm(record); err != nil {
		slog.Error("alarm: failed to persist new alarm", "rule", rule.RuleId, "error", err)
		return
	}
	st.openAlarmId = alarmId
	metrics.AlarmTransitionsTotal.WithLabelValues(rule.RuleId, "open").Inc()

	if e.notify != nil {
		e.notify.Notify(record)
	}
}

func (e *Engine) stateFor(key string) *ruleState {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	st, ok := e.states[key]
	if !ok {
		st = &ruleState{}
		e.states[key] = st
	}
	return st
}

func stateKey(ruleId, deviceId, tagId string) string {
	return ruleId + "|" + deviceId + "|" + tagId
}

func renderMessage(template string, value, threshold float64, tagId, deviceId string) string {
	r := strings.NewReplacer(
		"{value}", strconv.FormatFloat(value, 'g', -1, 64),
		"{threshold}", strconv.FormatFloat(threshold, 'g', -1, 64),
		"{tagId}", tagId,
		"{deviceId}", deviceId,
	)
	out := r.Replace(template)
	if out == "" {
		return fmt.Sprintf("tag %s on device %s crossed threshold %v (value=%v)", tagId, deviceId, threshold, value)
	}
	return out
}
