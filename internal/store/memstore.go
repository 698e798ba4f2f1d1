package store

import (
	"sort"
	"sync"
	"time"

	cache "github.com/patrickmn/go-cache"

	"firestige.xyz/otus/internal/model"
)

// MemStore is an in-memory Store implementation. It satisfies every
// invariant the spec requires (append-only raw table, per-table write
// locks, status-transition guards) without committing to any particular
// row-oriented schema (spec.md §1 non-goal).
//
// GetLatest is served from a github.com/patrickmn/go-cache TTL cache rather
// than a raw scan, per spec.md §6 ("implementations SHOULD satisfy from the
// latest-value ... table, not from a raw scan").
type MemStore struct {
	rawMu sync.Mutex // serializes writes to the raw telemetry table
	raw   []model.TelemetryPoint

	latest *cache.Cache // key "device|tag" -> model.TelemetryPoint

	aggMu sync.Mutex
	agg   map[string][]store1mRow // table -> rows

	alarmMu sync.Mutex
	alarms  map[string]model.AlarmRecord // alarmId -> record

	deviceMu sync.RWMutex
	devices  map[string]model.Device
	tags     map[string]model.Tag

	ruleMu        sync.RWMutex
	alarmRules    map[string]model.AlarmRule
	collectRules  map[string]model.CollectionRule

	segMu    sync.Mutex
	segments map[string]model.CollectionSegment

	baselineMu sync.RWMutex
	baselines  map[string][]byte

	revMu      sync.Mutex
	revision   int64

	watermarkMu sync.Mutex
	watermarks  map[string]int64

	nextAlarmSeq uint64
}

type store1mRow struct {
	row AggregateRow
}

// NewMemStore creates an empty in-memory Store.
func NewMemStore() *MemStore {
	return &MemStore{
		latest:       cache.New(5*time.Minute, 10*time.Minute),
		agg:          make(map[string][]store1mRow),
		alarms:       make(map[string]model.AlarmRecord),
		devices:      make(map[string]model.Device),
		tags:         make(map[string]model.Tag),
		alarmRules:   make(map[string]model.AlarmRule),
		collectRules: make(map[string]model.CollectionRule),
		segments:     make(map[string]model.CollectionSegment),
		baselines:    make(map[string][]byte),
		watermarks:   make(map[string]int64),
	}
}

func latestKey(deviceId, tagId string) string {
	return deviceId + "|" + tagId
}

// AppendBatch is atomic: either every point is appended and the latest-value
// cache updated, or none are (MemStore never partially fails).
func (s *MemStore) AppendBatch(points []model.TelemetryPoint) error {
	if len(points) == 0 {
		return nil
	}
	s.rawMu.Lock()
	defer s.rawMu.Unlock()

	s.raw = append(s.raw, points...)
	for _, p := range points {
		prev, found := s.latest.Get(latestKey(p.DeviceId, p.TagId))
		if !found {
			s.latest.Set(latestKey(p.DeviceId, p.TagId), p, cache.DefaultExpiration)
			continue
		}
		pp := prev.(model.TelemetryPoint)
		if p.Ts > pp.Ts || (p.Ts == pp.Ts && p.Seq > pp.Seq) {
			s.latest.Set(latestKey(p.DeviceId, p.TagId), p, cache.DefaultExpiration)
		}
	}
	return nil
}

func (s *MemStore) GetLatest(deviceId, tagId string) ([]model.TelemetryPoint, error) {
	if deviceId != "" && tagId != "" {
		v, ok := s.latest.Get(latestKey(deviceId, tagId))
		if !ok {
			return nil, nil
		}
		return []model.TelemetryPoint{v.(model.TelemetryPoint)}, nil
	}
	var out []model.TelemetryPoint
	for k, v := range s.latest.Items() {
		_ = k
		p := v.Object.(model.TelemetryPoint)
		if deviceId != "" && p.DeviceId != deviceId {
			continue
		}
		if tagId != "" && p.TagId != tagId {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *MemStore) QueryRange(deviceId, tagId string, startTs, endTs int64, limit int, cursor *Cursor) ([]model.TelemetryPoint, *Cursor, error) {
	s.rawMu.Lock()
	snapshot := make([]model.TelemetryPoint, len(s.raw))
	copy(snapshot, s.raw)
	s.rawMu.Unlock()

	sort.Slice(snapshot, func(i, j int) bool {
		if snapshot[i].Ts != snapshot[j].Ts {
			return snapshot[i].Ts < snapshot[j].Ts
		}
		return snapshot[i].Seq < snapshot[j].Seq
	})

	var filtered []model.TelemetryPoint
	for _, p := range snapshot {
		if deviceId != "" && p.DeviceId != deviceId {
			continue
		}
		if tagId != "" && p.TagId != tagId {
			continue
		}
		if startTs != 0 && p.Ts < startTs {
			continue
		}
		if endTs != 0 && p.Ts > endTs {
			continue
		}
		if cursor != nil {
			if p.Ts < cursor.Ts || (p.Ts == cursor.Ts && p.Seq <= cursor.Seq) {
				continue
			}
		}
		filtered = append(filtered, p)
	}

	if limit <= 0 || limit > len(filtered) {
		limit = len(filtered)
	}
	page := filtered[:limit]

	var next *Cursor
	if limit < len(filtered) && limit > 0 {
		last := page[len(page)-1]
		next = &Cursor{Ts: last.Ts, Seq: last.Seq}
	}
	return page, next, nil
}

func (s *MemStore) Aggregate(deviceId, tagId string, startTs, endTs, bucketMs int64, fn AggregateFn) ([]Bucket, error) {
	points, _, err := s.QueryRange(deviceId, tagId, startTs, endTs, 0, nil)
	if err != nil {
		return nil, err
	}
	if bucketMs <= 0 {
		bucketMs = 60_000
	}
	type acc struct {
		sum   float64
		min   float64
		max   float64
		count int64
		init  bool
	}
	buckets := make(map[int64]*acc)
	var order []int64
	for _, p := range points {
		v, ok := p.AsFloat64()
		if !ok {
			continue
		}
		bucketTs := (p.Ts / bucketMs) * bucketMs
		a, ok := buckets[bucketTs]
		if !ok {
			a = &acc{min: v, max: v}
			buckets[bucketTs] = a
			order = append(order, bucketTs)
		}
		if !a.init {
			a.min, a.max, a.init = v, v, true
		}
		if v < a.min {
			a.min = v
		}
		if v > a.max {
			a.max = v
		}
		a.sum += v
		a.count++
	}
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })
	out := make([]Bucket, 0, len(order))
	for _, bt := range order {
		a := buckets[bt]
		var val float64
		switch fn {
		case AggMin:
			val = a.min
		case AggMax:
			val = a.max
		case AggSum:
			val = a.sum
		case AggCount:
			val = float64(a.count)
		default: // avg
			if a.count > 0 {
				val = a.sum / float64(a.count)
			}
		}
		out = append(out, Bucket{DeviceId: deviceId, TagId: tagId, BucketTs: bt, Value: val, Count: a.count})
	}
	return out, nil
}

func (s *MemStore) AppendAggregates(table string, rows []AggregateRow) error {
	s.aggMu.Lock()
	defer s.aggMu.Unlock()
	for _, r := range rows {
		existing := s.agg[table]
		replaced := false
		for i, e := range existing {
			if e.row.DeviceId == r.DeviceId && e.row.TagId == r.TagId && e.row.BucketTs == r.BucketTs {
				existing[i] = store1mRow{row: r}
				replaced = true
				break
			}
		}
		if !replaced {
			existing = append(existing, store1mRow{row: r})
		}
		s.agg[table] = existing
	}
	return nil
}

func (s *MemStore) QueryAggregates(table, deviceId, tagId string, startTs, endTs int64) ([]AggregateRow, error) {
	s.aggMu.Lock()
	defer s.aggMu.Unlock()
	var out []AggregateRow
	for _, e := range s.agg[table] {
		r := e.row
		if deviceId != "" && r.DeviceId != deviceId {
			continue
		}
		if tagId != "" && r.TagId != tagId {
			continue
		}
		if startTs != 0 && r.BucketTs < startTs {
			continue
		}
		if endTs != 0 && r.BucketTs > endTs {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BucketTs < out[j].BucketTs })
	return out, nil
}
