// Package aggregation implements the rollup jobs of spec.md §4.7: periodic
// minute and hour bucket aggregation over raw samples, with watermark
// advance gated on durable writes and retention pruning that never runs
// ahead of the watermark.
//
// Grounded on the teacher's internal/plugin.Manager ticker-driven periodic
// task idiom (context.Context + time.Ticker + sync.WaitGroup).
package aggregation

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"firestige.xyz/otus/internal/metrics"
	"firestige.xyz/otus/internal/model"
	"firestige.xyz/otus/internal/store"
)

const (
	// RawTable must match the case label MemStore.DeleteBefore switches on
	// for raw telemetry rows, not the aggregate table naming scheme.
	RawTable    = "telemetry"
	MinuteTable = "1m"
	HourTable   = "1h"
)

// Config controls rollup cadence and retention horizons.
type Config struct {
	MinuteInterval  time.Duration // default 60s
	HourInterval    time.Duration // default 1h
	RawRetention    time.Duration // e.g. 24h
	MinuteRetention time.Duration // e.g. 720h (30d)
}

// Job runs the 1m and 1h rollups as two independently scheduled loops.
type Job struct {
	store  store.Store
	config Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Job. Zero-value interval fields fall back to the
// spec.md §4.7 defaults.
func New(st store.Store, cfg Config) *Job {
	if cfg.MinuteInterval <= 0 {
		cfg.MinuteInterval = time.Minute
	}
	if cfg.HourInterval <= 0 {
		cfg.HourInterval = time.Hour
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Job{store: st, config: cfg, ctx: ctx, cancel: cancel}
}

// Start launches both rollup loops.
func (j *Job) Start() {
	j.wg.Add(2)
	go j.loop(MinuteTable, j.config.MinuteInterval, j.rollupMinute)
	go j.loop(HourTable, j.config.HourInterval, j.rollupHour)
}

// Stop cancels both loops and waits for the in-flight tick to finish.
func (j *Job) Stop() {
	j.cancel()
	j.wg.Wait()
}

func (j *Job) loop(table string, interval time.Duration, tick func()) {
	defer j.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-j.ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			tick()
			metrics.AggregationJobDurationSeconds.WithLabelValues(table).Observe(time.Since(start).Seconds())
		}
	}
}

// series enumerates every (DeviceId, TagId) pair currently configured.
func (j *Job) series() ([][2]string, error) {
	devices, err := j.store.ListDevices()
	if err != nil {
		return nil, err
	}
	var out [][2]string
	for _, d := range devices {
		tags, err := j.store.ListTags(d.DeviceId)
		if err != nil {
			return nil, err
		}
		for _, t := range tags {
			out = append(out, [2]string{d.DeviceId, t.TagId})
		}
	}
	return out, nil
}

// rollupMinute reads raw samples with Ts > watermark_1m, rolls them into
// per-(device,tag) minute buckets, and advances the watermark only after
// the batch is durably written.
func (j *Job) rollupMinute() {
	watermark, err := j.store.GetWatermark(MinuteTable)
	if err != nil {
		slog.Error("aggregation: read watermark failed", "table", MinuteTable, "error", err)
		return
	}

	now := time.Now().UTC().UnixMilli()
	bucketMs := time.Minute.Milliseconds()
	endTs := now - now%bucketMs // exclude the still-accumulating bucket
	if endTs <= watermark {
		return
	}

	series, err := j.series()
	if err != nil {
		slog.Error("aggregation: list series failed", "error", err)
		return
	}

	var rows []store.AggregateRow
	for _, s := range series {
		deviceId, tagId := s[0], s[1]
		for bucketStart := roundUp(watermark, bucketMs); bucketStart < endTs; bucketStart += bucketMs {
			points, _, err := j.store.QueryRange(deviceId, tagId, bucketStart, bucketStart+bucketMs, 100000, nil)
			if err != nil {
				slog.Error("aggregation: query raw range failed", "device", deviceId, "tag", tagId, "error", err)
				continue
			}
			if len(points) == 0 {
				continue
			}
			rows = append(rows, rollupPoints(deviceId, tagId, bucketStart, points))
		}
	}

	if len(rows) == 0 {
		j.advanceMinuteWatermarks(endTs)
		return
	}
	if err := j.store.AppendAggregates(MinuteTable, rows); err != nil {
		slog.Error("aggregation: minute append failed", "error", err)
		return
	}
	metrics.AggregationRowsWrittenTotal.WithLabelValues(MinuteTable).Add(float64(len(rows)))
	if !j.advanceMinuteWatermarks(endTs) {
		return
	}

	j.pruneGuarded(RawTable, j.config.RawRetention, endTs)
}

// rollupHour reads 1m rows with TsBucket > watermark_1h and rolls them
// into per-(device,tag) hour buckets.
func (j *Job) rollupHour() {
	watermark, err := j.store.GetWatermark(HourTable)
	if err != nil {
		slog.Error("aggregation: read watermark failed", "table", HourTable, "error", err)
		return
	}

	now := time.Now().UTC().UnixMilli()
	bucketMs := time.Hour.Milliseconds()
	endTs := now - now%bucketMs
	if endTs <= watermark {
		return
	}

	series, err := j.series()
	if err != nil {
		slog.Error("aggregation: list series failed", "error", err)
		return
	}

	var rows []store.AggregateRow
	for _, s := range series {
		deviceId, tagId := s[0], s[1]
		minuteRows, err := j.store.QueryAggregates(MinuteTable, deviceId, tagId, watermark, endTs)
		if err != nil {
			slog.Error("aggregation: query minute rows failed", "device", deviceId, "tag", tagId, "error", err)
			continue
		}
		byBucket := make(map[int64][]store.AggregateRow)
		for _, r := range minuteRows {
			bucketStart := r.BucketTs - r.BucketTs%bucketMs
			byBucket[bucketStart] = append(byBucket[bucketStart], r)
		}
		for bucketStart, group := range byBucket {
			rows = append(rows, rollupAggregates(deviceId, tagId, bucketStart, group))
		}
	}

	if len(rows) == 0 {
		if err := j.store.SetWatermark(HourTable, endTs); err != nil {
			slog.Error("aggregation: hour watermark advance failed", "error", err)
		}
		return
	}
	if err := j.store.AppendAggregates(HourTable, rows); err != nil {
		slog.Error("aggregation: hour append failed", "error", err)
		return
	}
	metrics.AggregationRowsWrittenTotal.WithLabelValues(HourTable).Add(float64(len(rows)))
	if err := j.store.SetWatermark(HourTable, endTs); err != nil {
		slog.Error("aggregation: hour watermark advance failed", "error", err)
		return
	}

	j.pruneGuarded(MinuteTable, j.config.MinuteRetention, endTs)
}

// advanceMinuteWatermarks moves the "1m" watermark (how far raw data has
// been rolled up) and, with it, the "telemetry" watermark that
// DeleteBefore guards raw pruning against — raw rows are never safe to
// drop past the point the minute rollup has consumed.
func (j *Job) advanceMinuteWatermarks(endTs int64) bool {
	if err := j.store.SetWatermark(MinuteTable, endTs); err != nil {
		slog.Error("aggregation: minute watermark advance failed", "error", err)
		return false
	}
	if err := j.store.SetWatermark(RawTable, endTs); err != nil {
		slog.Error("aggregation: raw watermark advance failed", "error", err)
		return false
	}
	return true
}

func roundUp(ts, bucketMs int64) int64 {
	if ts%bucketMs == 0 {
		return ts
	}
	return ts - ts%bucketMs + bucketMs
}

func rollupPoints(deviceId, tagId string, bucketTs int64, points []model.TelemetryPoint) store.AggregateRow {
	row := store.AggregateRow{DeviceId: deviceId, TagId: tagId, BucketTs: bucketTs}
	row.MinValue = math.Inf(1)
	row.MaxValue = math.Inf(-1)
	var sum float64
	for i, p := range points {
		v, ok := p.AsFloat64()
		if !ok {
			continue
		}
		if i == 0 {
			row.FirstVal = v
		}
		row.LastVal = v
		if v < row.MinValue {
			row.MinValue = v
		}
		if v > row.MaxValue {
			row.MaxValue = v
		}
		sum += v
		row.Count++
	}
	if row.Count > 0 {
		row.AvgValue = sum / float64(row.Count)
	}
	return row
}

func rollupAggregates(deviceId, tagId string, bucketTs int64, group []store.AggregateRow) store.AggregateRow {
	row := store.AggregateRow{DeviceId: deviceId, TagId: tagId, BucketTs: bucketTs}
	row.MinValue = math.Inf(1)
	row.MaxValue = math.Inf(-1)
	var weightedSum float64
	first, last := int64(-1), int64(-1)
	for _, g := range group {
		if g.MinValue < row.MinValue {
			row.MinValue = g.MinValue
		}
		if g.MaxValue > row.MaxValue {
			row.MaxValue = g.MaxValue
		}
		weightedSum += g.AvgValue * float64(g.Count)
		row.Count += g.Count
		if first == -1 || g.BucketTs < first {
			first = g.BucketTs
			row.FirstVal = g.FirstVal
		}
		if last == -1 || g.BucketTs > last {
			last = g.BucketTs
			row.LastVal = g.LastVal
		}
	}
	if row.Count > 0 {
		row.AvgValue = weightedSum / float64(row.Count)
	}
	return row
}

// pruneGuarded deletes rows older than retention, but never ahead of the
// table's own watermark (spec.md §4.7's data-loss-prevention invariant).
func (j *Job) pruneGuarded(table string, retention time.Duration, advancedWatermark int64) {
	if retention <= 0 {
		return
	}
	cutoff := advancedWatermark - retention.Milliseconds()
	if cutoff <= 0 {
		return
	}
	n, err := j.store.DeleteBefore(table, cutoff)
	if err != nil {
		slog.Error("aggregation: prune failed", "table", table, "error", err)
		return
	}
	if n > 0 {
		metrics.AggregationRowsPrunedTotal.WithLabelValues(table).Add(float64(n))
	}
}
