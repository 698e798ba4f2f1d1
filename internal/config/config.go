// Package config handles global configuration loading using viper.
package config

import (
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// GlobalConfig represents the top-level static process configuration.
// Maps to the `otus:` root key in YAML.
type GlobalConfig struct {
	Node            NodeConfig            `mapstructure:"node"`
	Control         ControlConfig         `mapstructure:"control"`
	Kafka           GlobalKafkaConfig     `mapstructure:"kafka"`
	CommandChannel  CommandChannelConfig  `mapstructure:"command_channel"`
	Pipeline        PipelineConfig        `mapstructure:"pipeline"`
	Collectors      []CollectorConfig     `mapstructure:"collectors"`
	Aggregation     AggregationConfig     `mapstructure:"aggregation"`
	ConfigWatcher   ConfigWatcherConfig   `mapstructure:"config_watcher"`
	Sharding        ShardingConfig        `mapstructure:"sharding"`
	Resources       ResourcesConfig       `mapstructure:"resources"`
	Metrics         MetricsConfig         `mapstructure:"metrics"`
	Log             LogConfig             `mapstructure:"log"`
	DataDir         string                `mapstructure:"data_dir"`
}

// ─── Node Identity ───

// NodeConfig contains node identification settings.
type NodeConfig struct {
	IP       string            `mapstructure:"ip"` // Empty = auto-detect
	Hostname string            `mapstructure:"hostname"`
	Tags     map[string]string `mapstructure:"tags"`
}

// ─── Control Plane ───

// ControlConfig contains local control plane settings: the UDS control
// channel realizing the config-write boundary (spec.md §6).
type ControlConfig struct {
	Socket  string `mapstructure:"socket"`
	PIDFile string `mapstructure:"pid_file"`
}

// ─── Kafka Global Default ───

// GlobalKafkaConfig provides shared Kafka connection defaults, inherited
// by the Kafka overflow exporter when its own fields are zero.
type GlobalKafkaConfig struct {
	Brokers []string   `mapstructure:"brokers"`
	SASL    SASLConfig `mapstructure:"sasl"`
	TLS     TLSConfig  `mapstructure:"tls"`
}

// SASLConfig contains SASL authentication settings.
type SASLConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Mechanism string `mapstructure:"mechanism"` // PLAIN | SCRAM-SHA-256 | SCRAM-SHA-512
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
}

// TLSConfig contains TLS settings.
type TLSConfig struct {
	Enabled            bool   `mapstructure:"enabled"`
	CACert             string `mapstructure:"ca_cert"`
	ClientCert         string `mapstructure:"client_cert"`
	ClientKey          string `mapstructure:"client_key"`
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify"`
}

// ─── Command Channel ───

// CommandChannelConfig configures the UDS control channel server.
type CommandChannelConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Socket  string `mapstructure:"socket"`
}

// ─── Pipeline (spec.md §4.1) ───

// PipelineConfig configures the bounded batching telemetry pipeline.
type PipelineConfig struct {
	Label        string            `mapstructure:"label"`
	Capacity     int               `mapstructure:"capacity"`
	BatchSize    int               `mapstructure:"batch_size"`
	BatchFlushMs int               `mapstructure:"batch_flush_ms"`
	Overflow     OverflowConfig    `mapstructure:"overflow"`
}

// OverflowConfig selects and configures the OverflowExporter (spec.md §6).
type OverflowConfig struct {
	Type  string             `mapstructure:"type"` // "kafka" | "file" | "none"
	Kafka KafkaOverflowConfig `mapstructure:"kafka"`
	File  FileOverflowConfig  `mapstructure:"file"`
}

// KafkaOverflowConfig publishes dropped samples to a Kafka topic.
// Brokers/SASL/TLS inherit from GlobalKafkaConfig when empty/zero.
type KafkaOverflowConfig struct {
	Brokers []string   `mapstructure:"brokers"`
	Topic   string     `mapstructure:"topic"`
	SASL    SASLConfig `mapstructure:"sasl"`
	TLS     TLSConfig  `mapstructure:"tls"`
}

// FileOverflowConfig appends dropped samples to a rotated file.
type FileOverflowConfig struct {
	Path     string         `mapstructure:"path"`
	Rotation RotationConfig `mapstructure:"rotation"`
}

// ─── Collectors (spec.md §4.3) ───

// CollectorConfig describes one device's acquisition model.
type CollectorConfig struct {
	DeviceId      string `mapstructure:"device_id"`
	Protocol      string `mapstructure:"protocol"` // "polling" | "subscription" | "simulation"
	Address       string `mapstructure:"address"`
	Port          int    `mapstructure:"port"`
	ScanMs        int    `mapstructure:"scan_ms"`        // copied into the seeded Device's Metadata; polling uses each Tag's ScanIntervalMs
	WaveformKind  string `mapstructure:"waveform_kind"`  // copied into the seeded Device's Metadata; the simulator takes its shape from each Tag
	WaveformMs    int    `mapstructure:"waveform_ms"`    // copied into the seeded Device's Metadata; no collector reads it
}

// ─── Aggregation (spec.md §4.7) ───

// AggregationConfig configures the rollup/retention job.
type AggregationConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	MinuteInterval string `mapstructure:"minute_interval"` // default "1m"
	HourInterval   string `mapstructure:"hour_interval"`   // default "1h"
	RawRetention   string `mapstructure:"raw_retention"`   // default "24h"
	MinuteRetention string `mapstructure:"minute_retention"` // default "720h" (30 days; Go durations have no day unit)
}

// ─── ConfigRevisionWatcher (spec.md §4.6) ───

// ConfigWatcherConfig configures the durable-revision poll loop.
type ConfigWatcherConfig struct {
	PollIntervalMs int `mapstructure:"poll_interval_ms"` // default 5000
}

// ─── Sharding ───

// ShardingConfig configures device->shard routing. When disabled, the
// daemon builds no router and this process handles every device.
type ShardingConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Members []string `mapstructure:"members"`
}

// ─── Resources ───

// ResourcesConfig contains global resource limits.
type ResourcesConfig struct {
	MaxWorkers int `mapstructure:"max_workers"` // 0 = auto (GOMAXPROCS)
}

// ─── Metrics ───

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Path    string `mapstructure:"path"`
}

// ─── Log ───

// LogConfig contains logging settings.
type LogConfig struct {
	Level   string           `mapstructure:"level"`  // debug / info / warn / error
	Format  string           `mapstructure:"format"` // json / text
	Outputs LogOutputsConfig `mapstructure:"outputs"`
}

// LogOutputsConfig contains structured log output destinations.
type LogOutputsConfig struct {
	File FileOutputConfig `mapstructure:"file"`
	Loki LokiOutputConfig `mapstructure:"loki"`
}

// FileOutputConfig configures file log output.
type FileOutputConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Path     string         `mapstructure:"path"`
	Rotation RotationConfig `mapstructure:"rotation"`
}

// RotationConfig configures log file rotation.
type RotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	MaxBackups int  `mapstructure:"max_backups"`
	Compress   bool `mapstructure:"compress"`
}

// LokiOutputConfig configures Loki log output.
type LokiOutputConfig struct {
	Enabled      bool              `mapstructure:"enabled"`
	Endpoint     string            `mapstructure:"endpoint"`
	Labels       map[string]string `mapstructure:"labels"`
	BatchSize    int               `mapstructure:"batch_size"`
	BatchTimeout string            `mapstructure:"batch_timeout"`
}

// ─── Loading ───

// configRoot is the top-level wrapper matching the YAML structure `otus: ...`.
type configRoot struct {
	Otus GlobalConfig `mapstructure:"otus"`
}

// Load loads configuration from file.
// The YAML file uses `otus:` as root key; env vars use OTUS_ prefix
// (e.g. OTUS_LOG_LEVEL).
func Load(path string) (*GlobalConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.Otus

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default values for configuration.
func setDefaults(v *viper.Viper) {
	v.SetDefault("otus.control.pid_file", "/var/run/otus.pid")
	v.SetDefault("otus.control.socket", "/var/run/otus.sock")

	v.SetDefault("otus.command_channel.enabled", true)
	v.SetDefault("otus.command_channel.socket", "/var/run/otus-control.sock")

	v.SetDefault("otus.log.level", "info")
	v.SetDefault("otus.log.format", "json")
	v.SetDefault("otus.log.outputs.file.enabled", false)
	v.SetDefault("otus.log.outputs.file.path", "/var/log/otus/otus.log")
	v.SetDefault("otus.log.outputs.file.rotation.max_size_mb", 100)
	v.SetDefault("otus.log.outputs.file.rotation.max_age_days", 30)
	v.SetDefault("otus.log.outputs.file.rotation.max_backups", 5)
	v.SetDefault("otus.log.outputs.file.rotation.compress", true)

	v.SetDefault("otus.metrics.enabled", true)
	v.SetDefault("otus.metrics.listen", ":9091")
	v.SetDefault("otus.metrics.path", "/metrics")

	v.SetDefault("otus.pipeline.label", "default")
	v.SetDefault("otus.pipeline.capacity", 10_000)
	v.SetDefault("otus.pipeline.batch_size", 500)
	v.SetDefault("otus.pipeline.batch_flush_ms", 100)
	v.SetDefault("otus.pipeline.overflow.type", "none")

	v.SetDefault("otus.aggregation.enabled", true)
	v.SetDefault("otus.aggregation.minute_interval", "1m")
	v.SetDefault("otus.aggregation.hour_interval", "1h")
	v.SetDefault("otus.aggregation.raw_retention", "24h")
	v.SetDefault("otus.aggregation.minute_retention", "720h")

	v.SetDefault("otus.config_watcher.poll_interval_ms", 5000)

	v.SetDefault("otus.data_dir", "/var/lib/otus")
}

// ValidateAndApplyDefaults validates configuration and applies runtime
// defaults (Kafka inheritance, node IP/hostname resolution).
func (cfg *GlobalConfig) ValidateAndApplyDefaults() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Log.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug/info/warn/error)", cfg.Log.Level)
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		return fmt.Errorf("invalid log format: %s (must be json/text)", cfg.Log.Format)
	}

	if cfg.Node.Hostname == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("failed to get hostname: %w", err)
		}
		cfg.Node.Hostname = hostname
	}

	resolvedIP, err := resolveNodeIP(&cfg.Node)
	if err != nil {
		return err
	}
	cfg.Node.IP = resolvedIP

	applyKafkaInheritance(cfg)

	if cfg.Pipeline.Overflow.Type == "kafka" && cfg.Pipeline.Overflow.Kafka.Topic == "" {
		return fmt.Errorf("pipeline.overflow.kafka.topic is required when pipeline.overflow.type=kafka")
	}

	for _, c := range cfg.Collectors {
		switch c.Protocol {
		case "polling", "subscription", "simulation":
		default:
			return fmt.Errorf("collector %s: unsupported protocol %q", c.DeviceId, c.Protocol)
		}
	}

	return nil
}

// resolveNodeIP resolves the node IP address.
// Priority: explicit config value → auto-detect → error.
func resolveNodeIP(node *NodeConfig) (string, error) {
	if node.IP != "" {
		return node.IP, nil
	}

	ifaces, err := net.Interfaces()
	if err != nil {
		return "", fmt.Errorf("cannot resolve node IP: failed to list interfaces: %w", err)
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipNet.IP.To4()
			if ip4 == nil {
				continue
			}
			if ip4[0] == 169 && ip4[1] == 254 {
				continue
			}
			return ip4.String(), nil
		}
	}

	return "", fmt.Errorf("cannot resolve node IP: set OTUS_NODE_IP or otus.node.ip")
}

// applyKafkaInheritance applies global Kafka config inheritance: the
// pipeline's Kafka overflow exporter inherits brokers/SASL/TLS from the
// global Kafka block when its own fields are empty/zero.
func applyKafkaInheritance(cfg *GlobalConfig) {
	global := &cfg.Kafka
	ko := &cfg.Pipeline.Overflow.Kafka
	if len(ko.Brokers) == 0 {
		ko.Brokers = global.Brokers
	}
	if !ko.SASL.Enabled && global.SASL.Enabled {
		ko.SASL = global.SASL
	}
	if !ko.TLS.Enabled && global.TLS.Enabled {
		ko.TLS = global.TLS
	}
}
