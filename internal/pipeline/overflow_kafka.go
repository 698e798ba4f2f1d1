package pipeline

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"

	"firestige.xyz/otus/internal/config"
	"firestige.xyz/otus/internal/model"
)

// kafkaMessageWriter abstracts kafka.Writer for testability, grounded on the
// same seam the teacher's command channel used for its Kafka producer.
type kafkaMessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaOverflowExporter publishes samples the pipeline could not queue or
// persist to a Kafka topic, keyed by device so a downstream consumer can
// reconstruct per-device order (spec.md §6). Writes are best-effort: a
// publish failure is logged and the batch is dropped, never retried and
// never blocking the caller.
type KafkaOverflowExporter struct {
	writer kafkaMessageWriter
	topic  string
}

// NewKafkaOverflowExporter builds an exporter from config, inheriting
// brokers/SASL/TLS from the global Kafka defaults when the overflow-specific
// fields are empty/zero.
func NewKafkaOverflowExporter(cfg config.KafkaOverflowConfig, global config.GlobalKafkaConfig) (*KafkaOverflowExporter, error) {
	brokers := cfg.Brokers
	if len(brokers) == 0 {
		brokers = global.Brokers
	}
	saslCfg := cfg.SASL
	if !saslCfg.Enabled {
		saslCfg = global.SASL
	}
	tlsCfg := cfg.TLS
	if !tlsCfg.Enabled {
		tlsCfg = global.TLS
	}

	transport := &kafka.Transport{}
	if mech, err := saslMechanism(saslCfg); err != nil {
		return nil, err
	} else if mech != nil {
		transport.SASL = mech
	}
	if tlsCfg.Enabled {
		transport.TLS = &tls.Config{InsecureSkipVerify: tlsCfg.InsecureSkipVerify}
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{}, // device id as key -> consistent partition routing
		RequiredAcks: kafka.RequireOne,
		Async:        true, // overflow export must never block the pipeline
		Transport:    transport,
	}

	return &KafkaOverflowExporter{writer: w, topic: cfg.Topic}, nil
}

func saslMechanism(cfg config.SASLConfig) (sasl.Mechanism, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch cfg.Mechanism {
	case "", "PLAIN":
		return plain.Mechanism{Username: cfg.Username, Password: cfg.Password}, nil
	case "SCRAM-SHA-256":
		return scram.Mechanism(scram.SHA256, cfg.Username, cfg.Password)
	case "SCRAM-SHA-512":
		return scram.Mechanism(scram.SHA512, cfg.Username, cfg.Password)
	default:
		return nil, nil
	}
}

// overflowEnvelope is the wire format for an overflowed sample batch.
type overflowEnvelope struct {
	DeviceId string                 `json:"device_id"`
	Ts       int64                  `json:"ts"`
	Points   []model.TelemetryPoint `json:"points,omitempty"`
}

// Export implements OverflowExporter. Samples are grouped by device so each
// Kafka message carries one device's dropped points.
func (k *KafkaOverflowExporter) Export(points []model.TelemetryPoint) {
	if len(points) == 0 {
		return
	}
	byDevice := make(map[string][]model.TelemetryPoint)
	for _, p := range points {
		byDevice[p.DeviceId] = append(byDevice[p.DeviceId], p)
	}

	msgs := make([]kafka.Message, 0, len(byDevice))
	for deviceId, ps := range byDevice {
		data, err := json.Marshal(overflowEnvelope{DeviceId: deviceId, Ts: time.Now().UnixMilli(), Points: ps})
		if err != nil {
			slog.Error("pipeline: failed to marshal overflow envelope", "device_id", deviceId, "error", err)
			continue
		}
		msgs = append(msgs, kafka.Message{Key: []byte(deviceId), Value: data})
	}
	if len(msgs) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := k.writer.WriteMessages(ctx, msgs...); err != nil {
		slog.Error("pipeline: overflow export to kafka failed", "topic", k.topic, "count", len(points), "error", err)
	}
}

// Close releases the underlying Kafka writer.
func (k *KafkaOverflowExporter) Close() error {
	return k.writer.Close()
}
