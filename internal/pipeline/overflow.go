package pipeline

import (
	"fmt"
	"io"

	"firestige.xyz/otus/internal/config"
	"firestige.xyz/otus/internal/model"
)

// noopOverflowExporter discards everything. Used when overflow.type is
// "none" or unset: drops are counted in metrics but nothing is exported.
type noopOverflowExporter struct{}

func (noopOverflowExporter) Export(points []model.TelemetryPoint) {}

// NewOverflowExporter builds the configured OverflowExporter (spec.md §6).
// The returned io.Closer, if non-nil, should be closed on daemon shutdown
// after the owning Pipeline has stopped.
func NewOverflowExporter(cfg config.OverflowConfig, kafkaDefaults config.GlobalKafkaConfig) (OverflowExporter, io.Closer, error) {
	switch cfg.Type {
	case "", "none":
		return noopOverflowExporter{}, nil, nil
	case "kafka":
		exp, err := NewKafkaOverflowExporter(cfg.Kafka, kafkaDefaults)
		if err != nil {
			return nil, nil, fmt.Errorf("kafka overflow exporter: %w", err)
		}
		return exp, exp, nil
	case "file":
		exp := NewFileOverflowExporter(cfg.File)
		return exp, exp, nil
	default:
		return nil, nil, fmt.Errorf("unsupported overflow type %q", cfg.Type)
	}
}
