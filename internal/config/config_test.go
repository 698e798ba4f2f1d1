package config

import (
	"os"
	"path/filepath"
	"testing"
)

// helper to write a tmp YAML file and return its path.
func writeTmpConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "config.yml")
	if err := os.WriteFile(p, []byte(content), 0644); err != nil {
		t.Fatalf("write tmp config: %v", err)
	}
	return p
}

// ── Load & validate round-trip ──

func TestLoadValidConfig(t *testing.T) {
	cfg, err := Load(writeTmpConfig(t, `
otus:
  node:
    ip: "10.0.0.1"
    hostname: "test-host"
    tags:
      env: "test"
  control:
    socket: "/tmp/test.sock"
    pid_file: "/tmp/test.pid"
  kafka:
    brokers:
      - "kafka1:9092"
  pipeline:
    label: "main"
    capacity: 5000
    batch_size: 200
    batch_flush_ms: 50
  collectors:
    - device_id: "dev-1"
      protocol: "simulation"
      waveform_kind: "sine"
      waveform_ms: 100
  log:
    level: "debug"
    format: "json"
  metrics:
    enabled: true
    listen: "0.0.0.0:9090"
    path: "/metrics"
`))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Node.IP != "10.0.0.1" {
		t.Errorf("Node.IP = %q, want 10.0.0.1", cfg.Node.IP)
	}
	if cfg.Node.Hostname != "test-host" {
		t.Errorf("Node.Hostname = %q, want test-host", cfg.Node.Hostname)
	}
	if cfg.Node.Tags["env"] != "test" {
		t.Errorf("Node.Tags[env] = %q, want test", cfg.Node.Tags["env"])
	}

	if cfg.Control.Socket != "/tmp/test.sock" {
		t.Errorf("Control.Socket = %q", cfg.Control.Socket)
	}
	if cfg.Control.PIDFile != "/tmp/test.pid" {
		t.Errorf("Control.PIDFile = %q", cfg.Control.PIDFile)
	}

	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q", cfg.Log.Level)
	}
	if cfg.Log.Format != "json" {
		t.Errorf("Log.Format = %q", cfg.Log.Format)
	}

	if len(cfg.Kafka.Brokers) != 1 || cfg.Kafka.Brokers[0] != "kafka1:9092" {
		t.Errorf("Kafka.Brokers = %v", cfg.Kafka.Brokers)
	}

	if !cfg.Metrics.Enabled {
		t.Error("Metrics.Enabled = false, want true")
	}

	if cfg.Pipeline.Label != "main" || cfg.Pipeline.Capacity != 5000 {
		t.Errorf("Pipeline = %+v", cfg.Pipeline)
	}

	if len(cfg.Collectors) != 1 || cfg.Collectors[0].DeviceId != "dev-1" {
		t.Errorf("Collectors = %+v", cfg.Collectors)
	}
}

// ── Log validation ──

func TestLoadInvalidLogLevel(t *testing.T) {
	_, err := Load(writeTmpConfig(t, `
otus:
  node:
    ip: "10.0.0.1"
  log:
    level: "invalid"
    format: "json"
`))
	if err == nil {
		t.Fatal("expected error for invalid log level")
	}
}

func TestLoadInvalidLogFormat(t *testing.T) {
	_, err := Load(writeTmpConfig(t, `
otus:
  node:
    ip: "10.0.0.1"
  log:
    level: "info"
    format: "xml"
`))
	if err == nil {
		t.Fatal("expected error for invalid log format")
	}
}

// ── Node identity ──

func TestAutoDetectHostname(t *testing.T) {
	cfg, err := Load(writeTmpConfig(t, `
otus:
  node:
    ip: "10.0.0.1"
  log:
    level: "info"
    format: "json"
`))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Node.Hostname == "" {
		t.Error("expected Hostname to be auto-detected, got empty string")
	}
}

func TestNodeIPExplicit(t *testing.T) {
	cfg, err := Load(writeTmpConfig(t, `
otus:
  node:
    ip: "192.168.1.50"
  log:
    level: "info"
    format: "json"
`))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Node.IP != "192.168.1.50" {
		t.Errorf("Node.IP = %q, want 192.168.1.50", cfg.Node.IP)
	}
}

// ── Kafka inheritance ──

func TestKafkaInheritanceAppliedToOverflowExporter(t *testing.T) {
	cfg, err := Load(writeTmpConfig(t, `
otus:
  node:
    ip: "10.0.0.1"
  kafka:
    brokers:
      - "global1:9092"
      - "global2:9092"
  pipeline:
    overflow:
      type: "kafka"
      kafka:
        topic: "otus.overflow"
  log:
    level: "info"
    format: "json"
`))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(cfg.Pipeline.Overflow.Kafka.Brokers) != 2 {
		t.Errorf("Overflow.Kafka.Brokers = %v, want inherited global brokers", cfg.Pipeline.Overflow.Kafka.Brokers)
	}
}

func TestKafkaInheritanceDoesNotOverrideExplicitBrokers(t *testing.T) {
	cfg, err := Load(writeTmpConfig(t, `
otus:
  node:
    ip: "10.0.0.1"
  kafka:
    brokers:
      - "global1:9092"
  pipeline:
    overflow:
      type: "kafka"
      kafka:
        brokers:
          - "local1:9092"
        topic: "otus.overflow"
  log:
    level: "info"
    format: "json"
`))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(cfg.Pipeline.Overflow.Kafka.Brokers) != 1 || cfg.Pipeline.Overflow.Kafka.Brokers[0] != "local1:9092" {
		t.Errorf("Overflow.Kafka.Brokers = %v, want local brokers preserved", cfg.Pipeline.Overflow.Kafka.Brokers)
	}
}

// ── Overflow / collector validation ──

func TestKafkaOverflowWithoutTopicIsRejected(t *testing.T) {
	_, err := Load(writeTmpConfig(t, `
otus:
  node:
    ip: "10.0.0.1"
  pipeline:
    overflow:
      type: "kafka"
  log:
    level: "info"
    format: "json"
`))
	if err == nil {
		t.Fatal("expected error when pipeline.overflow.type=kafka without a topic")
	}
}

func TestUnsupportedCollectorProtocolIsRejected(t *testing.T) {
	_, err := Load(writeTmpConfig(t, `
otus:
  node:
    ip: "10.0.0.1"
  collectors:
    - device_id: "dev-1"
      protocol: "modbus-rtu-unsupported"
  log:
    level: "info"
    format: "json"
`))
	if err == nil {
		t.Fatal("expected error for unsupported collector protocol")
	}
}

// ── Defaults ──

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeTmpConfig(t, `
otus:
  node:
    ip: "10.0.0.1"
  log:
    level: "info"
    format: "json"
`))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Control.PIDFile != "/var/run/otus.pid" {
		t.Errorf("Control.PIDFile = %q, want /var/run/otus.pid", cfg.Control.PIDFile)
	}
	if cfg.Pipeline.Capacity != 10_000 {
		t.Errorf("Pipeline.Capacity = %d, want 10000", cfg.Pipeline.Capacity)
	}
	if cfg.Pipeline.BatchSize != 500 {
		t.Errorf("Pipeline.BatchSize = %d, want 500", cfg.Pipeline.BatchSize)
	}
	if cfg.ConfigWatcher.PollIntervalMs != 5000 {
		t.Errorf("ConfigWatcher.PollIntervalMs = %d, want 5000", cfg.ConfigWatcher.PollIntervalMs)
	}
	if cfg.Aggregation.MinuteInterval != "1m" {
		t.Errorf("Aggregation.MinuteInterval = %q, want 1m", cfg.Aggregation.MinuteInterval)
	}
}
