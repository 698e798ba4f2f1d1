package pipeline

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"firestige.xyz/otus/internal/config"
	"firestige.xyz/otus/internal/model"
)

// FileOverflowExporter appends dropped samples, one JSON line per batch, to
// a rotated file. Used when no Kafka cluster is available; the file is
// meant to be picked up by a separate backfill job, not consumed live.
type FileOverflowExporter struct {
	mu sync.Mutex
	w  *lumberjack.Logger
}

// NewFileOverflowExporter builds an exporter writing to cfg.Path with the
// configured rotation policy.
func NewFileOverflowExporter(cfg config.FileOverflowConfig) *FileOverflowExporter {
	return &FileOverflowExporter{
		w: &lumberjack.Logger{
			Filename:   cfg.Path,
			MaxSize:    cfg.Rotation.MaxSizeMB,
			MaxBackups: cfg.Rotation.MaxBackups,
			MaxAge:     cfg.Rotation.MaxAgeDays,
			Compress:   cfg.Rotation.Compress,
		},
	}
}

// Export implements OverflowExporter.
func (f *FileOverflowExporter) Export(points []model.TelemetryPoint) {
	if len(points) == 0 {
		return
	}
	data, err := json.Marshal(overflowEnvelope{Ts: time.Now().UnixMilli(), Points: points})
	if err != nil {
		slog.Error("pipeline: failed to marshal overflow record", "error", err)
		return
	}
	data = append(data, '\n')

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.w.Write(data); err != nil {
		slog.Error("pipeline: overflow export to file failed", "path", f.w.Filename, "count", len(points), "error", err)
	}
}

// Close flushes and closes the underlying rotated file.
func (f *FileOverflowExporter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.w.Close()
}
