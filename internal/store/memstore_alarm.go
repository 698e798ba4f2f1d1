package store

import (
	"fmt"
	"time"

	uuid "github.com/satori/go.uuid"

	"firestige.xyz/otus/internal/model"
)

// CreateAlarm enforces "at most one Open alarm per (RuleId, DeviceId,
// TagId)" (spec.md §3) and assigns an id if the caller left it blank.
func (s *MemStore) CreateAlarm(a model.AlarmRecord) error {
	s.alarmMu.Lock()
	defer s.alarmMu.Unlock()

	for _, existing := range s.alarms {
		if existing.Status == model.AlarmOpen &&
			existing.RuleId == a.RuleId && existing.DeviceId == a.DeviceId && existing.TagId == a.TagId {
			return fmt.Errorf("alarm for rule %s device %s tag %s already open: %w", a.RuleId, a.DeviceId, a.TagId, ErrLogicViolation)
		}
	}
	if a.AlarmId == "" {
		a.AlarmId = uuid.NewV4().String()
	}
	if a.Status == 0 && a.AlarmId != "" {
		a.Status = model.AlarmOpen
	}
	s.alarms[a.AlarmId] = a
	return nil
}

func (s *MemStore) GetOpenAlarm(ruleId, deviceId, tagId string) (*model.AlarmRecord, error) {
	s.alarmMu.Lock()
	defer s.alarmMu.Unlock()
	for _, a := range s.alarms {
		if a.Status == model.AlarmOpen && a.RuleId == ruleId && a.DeviceId == deviceId && a.TagId == tagId {
			cp := a
			return &cp, nil
		}
	}
	return nil, nil
}

// AckAlarm transitions Open -> Acknowledged. A Closed alarm cannot be
// acknowledged (spec.md §3, §7).
func (s *MemStore) AckAlarm(alarmId, ackedBy, note string) error {
	s.alarmMu.Lock()
	defer s.alarmMu.Unlock()
	a, ok := s.alarms[alarmId]
	if !ok {
		return ErrNotFound
	}
	if a.Status == model.AlarmClosed {
		return fmt.Errorf("cannot acknowledge closed alarm %s: %w", alarmId, ErrLogicViolation)
	}
	now := time.Now().UTC()
	a.Status = model.AlarmAcknowledged
	a.AckedBy = ackedBy
	a.AckedUtc = &now
	a.AckNote = note
	s.alarms[alarmId] = a
	return nil
}

// CloseAlarm transitions Open or Acknowledged -> Closed.
func (s *MemStore) CloseAlarm(alarmId string) error {
	s.alarmMu.Lock()
	defer s.alarmMu.Unlock()
	a, ok := s.alarms[alarmId]
	if !ok {
		return ErrNotFound
	}
	if a.Status == model.AlarmClosed {
		return nil
	}
	a.Status = model.AlarmClosed
	s.alarms[alarmId] = a
	return nil
}

func (s *MemStore) ListAlarms(status *model.AlarmStatus) ([]model.AlarmRecord, error) {
	s.alarmMu.Lock()
	defer s.alarmMu.Unlock()
	var out []model.AlarmRecord
	for _, a := range s.alarms {
		if status != nil && a.Status != *status {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

// ─── Device / Tag ───

func (s *MemStore) UpsertDevice(d model.Device) error {
	s.deviceMu.Lock()
	defer s.deviceMu.Unlock()
	now := time.Now().UTC()
	if existing, ok := s.devices[d.DeviceId]; ok {
		d.CreatedUtc = existing.CreatedUtc
	} else {
		d.CreatedUtc = now
	}
	d.UpdatedUtc = now
	s.devices[d.DeviceId] = d
	if _, err := s.IncrementRevision(); err != nil {
		return err
	}
	return nil
}

// DeleteDevice cascades to owned Tags and refuses deletion while any
// CollectionRule still references the device (spec.md §3).
func (s *MemStore) DeleteDevice(deviceId string) error {
	s.ruleMu.RLock()
	for _, r := range s.collectRules {
		if r.DeviceId == deviceId {
			s.ruleMu.RUnlock()
			return fmt.Errorf("device %s still referenced by collection rule %s: %w", deviceId, r.RuleId, ErrLogicViolation)
		}
	}
	s.ruleMu.RUnlock()

	s.deviceMu.Lock()
	delete(s.devices, deviceId)
	for id, t := range s.tags {
		if t.DeviceId == deviceId {
			delete(s.tags, id)
		}
	}
	s.deviceMu.Unlock()
	_, err := s.IncrementRevision()
	return err
}

func (s *MemStore) GetDevice(deviceId string) (*model.Device, error) {
	s.deviceMu.RLock()
	defer s.deviceMu.RUnlock()
	d, ok := s.devices[deviceId]
	if !ok {
		return nil, ErrNotFound
	}
	return &d, nil
}

func (s *MemStore) ListDevices() ([]model.Device, error) {
	s.deviceMu.RLock()
	defer s.deviceMu.RUnlock()
	out := make([]model.Device, 0, len(s.devices))
	for _, d := range s.devices {
		out = append(out, d)
	}
	return out, nil
}

func (s *MemStore) UpsertTag(t model.Tag) error {
	s.deviceMu.Lock()
	s.tags[t.TagId] = t
	s.deviceMu.Unlock()
	_, err := s.IncrementRevision()
	return err
}

func (s *MemStore) DeleteTag(tagId string) error {
	s.deviceMu.Lock()
	delete(s.tags, tagId)
	s.deviceMu.Unlock()
	_, err := s.IncrementRevision()
	return err
}

func (s *MemStore) ListTags(deviceId string) ([]model.Tag, error) {
	s.deviceMu.RLock()
	defer s.deviceMu.RUnlock()
	var out []model.Tag
	for _, t := range s.tags {
		if deviceId != "" && t.DeviceId != deviceId {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// ─── AlarmRule / CollectionRule ───

func (s *MemStore) UpsertAlarmRule(r model.AlarmRule) error {
	s.ruleMu.Lock()
	now := time.Now().UTC()
	if existing, ok := s.alarmRules[r.RuleId]; ok {
		r.CreatedUtc = existing.CreatedUtc
	} else {
		r.CreatedUtc = now
	}
	r.UpdatedUtc = now
	s.alarmRules[r.RuleId] = r
	s.ruleMu.Unlock()
	_, err := s.IncrementRevision()
	return err
}

func (s *MemStore) DeleteAlarmRule(ruleId string) error {
	s.ruleMu.Lock()
	delete(s.alarmRules, ruleId)
	s.ruleMu.Unlock()
	_, err := s.IncrementRevision()
	return err
}

func (s *MemStore) ListAlarmRules() ([]model.AlarmRule, error) {
	s.ruleMu.RLock()
	defer s.ruleMu.RUnlock()
	out := make([]model.AlarmRule, 0, len(s.alarmRules))
	for _, r := range s.alarmRules {
		out = append(out, r)
	}
	return out, nil
}

// UpsertCollectionRule validates referential integrity against Device
// before accepting the write (spec.md §6).
func (s *MemStore) UpsertCollectionRule(r model.CollectionRule) error {
	if _, err := s.GetDevice(r.DeviceId); err != nil {
		return fmt.Errorf("collection rule references unknown device %s: %w", r.DeviceId, err)
	}
	s.ruleMu.Lock()
	s.collectRules[r.RuleId] = r
	s.ruleMu.Unlock()
	_, err := s.IncrementRevision()
	return err
}

func (s *MemStore) DeleteCollectionRule(ruleId string) error {
	s.ruleMu.Lock()
	delete(s.collectRules, ruleId)
	s.ruleMu.Unlock()
	_, err := s.IncrementRevision()
	return err
}

func (s *MemStore) ListCollectionRules() ([]model.CollectionRule, error) {
	s.ruleMu.RLock()
	defer s.ruleMu.RUnlock()
	out := make([]model.CollectionRule, 0, len(s.collectRules))
	for _, r := range s.collectRules {
		out = append(out, r)
	}
	return out, nil
}

// ─── CollectionSegment ───

func (s *MemStore) AppendSegment(seg model.CollectionSegment) error {
	s.segMu.Lock()
	defer s.segMu.Unlock()
	if seg.Id == "" {
		seg.Id = uuid.NewV4().String()
	}
	s.segments[seg.Id] = seg
	return nil
}

func (s *MemStore) FinalizeSegment(id string, endTs int64, status model.SegmentStatus, samples []model.TelemetryPoint) error {
	s.segMu.Lock()
	defer s.segMu.Unlock()
	seg, ok := s.segments[id]
	if !ok {
		return ErrNotFound
	}
	seg.EndTs = endTs
	seg.Status = status
	seg.Samples = samples
	s.segments[id] = seg
	return nil
}

func (s *MemStore) ListSegments(ruleId string) ([]model.CollectionSegment, error) {
	s.segMu.Lock()
	defer s.segMu.Unlock()
	var out []model.CollectionSegment
	for _, seg := range s.segments {
		if ruleId != "" && seg.RuleId != ruleId {
			continue
		}
		out = append(out, seg)
	}
	return out, nil
}

// ─── Baseline ───

func (s *MemStore) PutBaseline(deviceId, baselineType string, blob []byte) error {
	s.baselineMu.Lock()
	defer s.baselineMu.Unlock()
	s.baselines[deviceId+"|"+baselineType] = blob
	return nil
}

func (s *MemStore) GetBaseline(deviceId, baselineType string) ([]byte, error) {
	s.baselineMu.RLock()
	defer s.baselineMu.RUnlock()
	b, ok := s.baselines[deviceId+"|"+baselineType]
	if !ok {
		return nil, ErrNotFound
	}
	return b, nil
}

// ─── Revision / Watermark / Retention ───

func (s *MemStore) GetRevision() (int64, error) {
	s.revMu.Lock()
	defer s.revMu.Unlock()
	return s.revision, nil
}

func (s *MemStore) IncrementRevision() (int64, error) {
	s.revMu.Lock()
	defer s.revMu.Unlock()
	s.revision++
	return s.revision, nil
}

func (s *MemStore) GetWatermark(table string) (int64, error) {
	s.watermarkMu.Lock()
	defer s.watermarkMu.Unlock()
	return s.watermarks[table], nil
}

func (s *MemStore) SetWatermark(table string, ts int64) error {
	s.watermarkMu.Lock()
	defer s.watermarkMu.Unlock()
	if ts < s.watermarks[table] {
		return fmt.Errorf("watermark for %s must not move backward (current %d, got %d)", table, s.watermarks[table], ts)
	}
	s.watermarks[table] = ts
	return nil
}

// DeleteBefore prunes raw rows with Ts <= cutoffTs, but never above the
// table's current watermark — the invariant that prevents data loss
// (spec.md §4.7, §9 Open Question: guarded retention only).
func (s *MemStore) DeleteBefore(table string, cutoffTs int64) (int64, error) {
	wm, _ := s.GetWatermark(table)
	effectiveCutoff := cutoffTs
	if wm < effectiveCutoff {
		effectiveCutoff = wm
	}

	switch table {
	case "telemetry", "telemetry_raw":
		s.rawMu.Lock()
		defer s.rawMu.Unlock()
		kept := s.raw[:0:0]
		var removed int64
		for _, p := range s.raw {
			if p.Ts <= effectiveCutoff {
				removed++
				continue
			}
			kept = append(kept, p)
		}
		s.raw = kept
		return removed, nil
	default:
		s.aggMu.Lock()
		defer s.aggMu.Unlock()
		rows := s.agg[table]
		kept := rows[:0:0]
		var removed int64
		for _, r := range rows {
			if r.row.BucketTs <= effectiveCutoff {
				removed++
				continue
			}
			kept = append(kept, r)
		}
		s.agg[table] = kept
		return removed, nil
	}
}
