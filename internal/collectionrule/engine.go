// Package collectionrule implements the CollectionRuleEngine described in
// spec.md §4.5: a per-rule state machine (Idle/Collecting/PostBuffer) that
// detects device work events and assembles bounded CollectionSegments,
// grounded on the teacher's internal/task per-task state machine and
// internal/core/decoder's time-windowed buffering idiom.
package collectionrule

import (
	"log/slog"
	"sync"
	"time"

	uuid "github.com/satori/go.uuid"

	"firestige.xyz/otus/internal/clock"
	"firestige.xyz/otus/internal/metrics"
	"firestige.xyz/otus/internal/model"
	"firestige.xyz/otus/internal/sharding"
	"firestige.xyz/otus/internal/store"
)

// State is a CollectionRule's state machine phase.
type State int

const (
	Idle State = iota
	Collecting
	PostBuffer
)

const defaultAbortCeiling = time.Hour
const defaultTickInterval = time.Second

// ruleRuntime is the per-rule mutable state: the state machine phase, its
// ring buffers, condition trackers, and the segment under assembly.
type ruleRuntime struct {
	mu sync.Mutex

	rule model.CollectionRule
	state State

	rings map[string]*ring // tagId -> ring buffer, for Collection.TagIds only

	startTracker conditionTracker
	stopTracker  conditionTracker

	segment        *model.CollectionSegment
	stopDetectedTs int64
	phaseEnteredTs int64
}

// Engine evaluates the telemetry stream against a hot-reloadable
// CollectionRule set. It satisfies internal/dispatcher.Sink.
type Engine struct {
	store        store.Store
	clock        clock.Clock
	abortCeiling time.Duration
	tickEvery    time.Duration

	latestMu sync.RWMutex
	latest   map[string]float64 // tagId -> latest numeric value, any device

	rulesMu     sync.RWMutex
	rules       map[string]*ruleRuntime
	fingerprint map[string]string

	router *sharding.Router // nil means this process owns every device

	ctx    chan struct{}
	wg     sync.WaitGroup
	closed bool
}

// New creates an Engine with the default 1h abort ceiling and 1s tick.
func New(st store.Store) *Engine {
	return &Engine{
		store:        st,
		clock:        clock.Real{},
		abortCeiling: defaultAbortCeiling,
		tickEvery:    defaultTickInterval,
		latest:       make(map[string]float64),
		rules:        make(map[string]*ruleRuntime),
		fingerprint:  make(map[string]string),
		ctx:          make(chan struct{}),
	}
}

// SetClock overrides the engine's time source. Intended for tests.
func (e *Engine) SetClock(c clock.Clock) { e.clock = c }

// SetAbortCeiling overrides the default 1h abort ceiling. Intended for
// tests and for operators tuning very short or very long work events.
func (e *Engine) SetAbortCeiling(d time.Duration) { e.abortCeiling = d }

// SetRouter restricts evaluation to devices this process owns on the
// given ring, for horizontally sharded deployments (spec.md §1). Leaving
// the router unset keeps the engine's single-process behavior of
// evaluating every configured rule.
func (e *Engine) SetRouter(r *sharding.Router) { e.router = r }

// Name identifies this sink to the dispatcher.
func (e *Engine) Name() string { return "collection-rule-engine" }

// Start launches the tick loop driving timer-based transitions (PostBuffer
// completion, abort ceiling, ring pruning).
func (e *Engine) Start() {
	e.wg.Add(1)
	go e.tickLoop()
}

// Stop halts the tick loop.
func (e *Engine) Stop() {
	e.rulesMu.Lock()
	if e.closed {
		e.rulesMu.Unlock()
		return
	}
	e.closed = true
	e.rulesMu.Unlock()
	close(e.ctx)
	e.wg.Wait()
}

func (e *Engine) tickLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.tickEvery)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx:
			return
		case <-ticker.C:
			e.tick()
		}
	}
}

// ReloadRules performs the key-preserving replace of spec.md §4.5: state
// is reset for any RuleId whose Fingerprint (condition shape / collection
// config) changed, or that no longer exists.
func (e *Engine) ReloadRules(rules []model.CollectionRule) {
	e.rulesMu.Lock()
	defer e.rulesMu.Unlock()

	nextFp := make(map[string]string, len(rules))
	for _, r := range rules {
		if r.Enabled {
			nextFp[r.RuleId] = r.Fingerprint()
		}
	}
	for ruleId, oldFp := range e.fingerprint {
		if newFp, ok := nextFp[ruleId]; !ok || newFp != oldFp {
			delete(e.rules, ruleId)
		}
	}

	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		if rt, ok := e.rules[r.RuleId]; ok {
			rt.mu.Lock()
			rt.rule = r
			rt.mu.Unlock()
			continue
		}
		rings := make(map[string]*ring, len(r.Collection.TagIds))
		preBufferMs := int64(r.Collection.PreBufferSeconds) * 1000
		for _, tagId := range r.Collection.TagIds {
			rings[tagId] = newRing(preBufferMs)
		}
		e.rules[r.RuleId] = &ruleRuntime{rule: r, state: Idle, rings: rings}
	}
	e.fingerprint = nextFp
}

// Feed updates the latest-value table and steps every rule scoped to the
// sample's device through its state machine.
func (e *Engine) Feed(p model.TelemetryPoint) {
	if v, ok := p.AsFloat64(); ok {
		e.latestMu.Lock()
		e.latest[p.TagId] = v
		e.latestMu.Unlock()
	}

	if e.router != nil && !e.router.Owns(p.DeviceId) {
		return
	}

	e.rulesMu.RLock()
	var matches []*ruleRuntime
	for _, rt := range e.rules {
		if rt.rule.DeviceId == p.DeviceId {
			matches = append(matches, rt)
		}
	}
	e.rulesMu.RUnlock()

	e.latestMu.RLock()
	latestSnapshot := make(map[string]float64, len(e.latest))
	for k, v := range e.latest {
		latestSnapshot[k] = v
	}
	e.latestMu.RUnlock()

	for _, rt := range matches {
		e.onSample(rt, p, latestSnapshot)
	}
}

func (e *Engine) onSample(rt *ruleRuntime, p model.TelemetryPoint, latest map[string]float64) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if r, ok := rt.rings[p.TagId]; ok {
		r.add(p)
	}

	switch rt.state {
	case Idle:
		if evaluate(rt.rule.StartCondition, latest, p.Ts, &rt.startTracker) {
			e.enterCollecting(rt, p.Ts)
		}
	case Collecting:
		e.appendIfTracked(rt, p)
		if evaluate(rt.rule.StopCondition, latest, p.Ts, &rt.stopTracker) {
			rt.state = PostBuffer
			rt.stopDetectedTs = p.Ts
			rt.phaseEnteredTs = p.Ts
			metrics.CollectionRuleState.WithLabelValues(rt.rule.RuleId).Set(metrics.CollectionRuleStatePostBuffer)
		}
	case PostBuffer:
		postBufferMs := int64(rt.rule.Collection.PostBufferSeconds) * 1000
		if p.Ts <= rt.stopDetectedTs+postBufferMs {
			e.appendIfTracked(rt, p)
		}
	}
}

func (e *Engine) enterCollecting(rt *ruleRuntime, startTs int64) {
	preBufferMs := int64(rt.rule.Collection.PreBufferSeconds) * 1000
	var preSeeded []model.TelemetryPoint
	for _, r := range rt.rings {
		preSeeded = append(preSeeded, r.since(startTs-preBufferMs, startTs)...)
	}
	rt.segment = &model.CollectionSegment{
		Id:       uuid.NewV4().String(),
		RuleId:   rt.rule.RuleId,
		DeviceId: rt.rule.DeviceId,
		StartTs:  startTs,
		Status:   model.SegmentActive,
		Samples:  preSeeded,
	}
	if err := e.store.AppendSegment(*rt.segment); err != nil {
		slog.Error("collectionrule: failed to persist new segment", "rule", rt.rule.RuleId, "error", err)
	}
	rt.state = Collecting
	rt.phaseEnteredTs = startTs
	metrics.CollectionRuleState.WithLabelValues(rt.rule.RuleId).Set(metrics.CollectionRuleStateCollecting)
}

func (e *Engine) appendIfTracked(rt *ruleRuntime, p model.TelemetryPoint) {
	if rt.segment == nil {
		return
	}
	for _, tagId := range rt.rule.Collection.TagIds {
		if tagId == p.TagId {
			rt.segment.Samples = append(rt.segment.Samples, p)
			return
		}
	}
}

// tick drives the On-tick column of spec.md §4.5's state table: ring
// pruning in Idle, PostBuffer completion, and the abort ceiling.
func (e *Engine) tick() {
	now := e.clock.NowMs()

	e.rulesMu.RLock()
	var runtimes []*ruleRuntime
	for _, rt := range e.rules {
		runtimes = append(runtimes, rt)
	}
	e.rulesMu.RUnlock()

	for _, rt := range runtimes {
		e.tickRule(rt, now)
	}
}

func (e *Engine) tickRule(rt *ruleRuntime, now int64) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	switch rt.state {
	case Idle:
		// ring.prune already subtracts its own maxAgeMs (== PreBufferSeconds)
		// from nowTs, so pass now as-is — subtracting preBufferMs again here
		// would double the retention window.
		for _, r := range rt.rings {
			r.prune(now)
		}
		return
	case Collecting, PostBuffer:
		if now-rt.phaseEnteredTs > e.abortCeiling.Milliseconds() {
			e.finalize(rt, now, model.SegmentAborted)
			return
		}
	}

	if rt.state == PostBuffer {
		postBufferMs := int64(rt.rule.Collection.PostBufferSeconds) * 1000
		if now > rt.stopDetectedTs+postBufferMs {
			e.finalize(rt, rt.stopDetectedTs+postBufferMs, model.SegmentCompleted)
		}
	}
}

func (e *Engine) finalize(rt *ruleRuntime, endTs int64, status model.SegmentStatus) {
	if rt.segment != nil {
		if err := e.store.FinalizeSegment(rt.segment.Id, endTs, status, rt.segment.Samples); err != nil {
			slog.Error("collectionrule: failed to finalize segment", "rule", rt.rule.RuleId, "segment", rt.segment.Id, "error", err)
		}
		metrics.CollectionSegmentsTotal.WithLabelValues(rt.rule.RuleId, string(status)).Inc()
	}
	rt.segment = nil
	rt.state = Idle
	rt.startTracker = conditionTracker{}
	rt.stopTracker = conditionTracker{}
	metrics.CollectionRuleState.WithLabelValues(rt.rule.RuleId).Set(metrics.CollectionRuleStateIdle)
}
