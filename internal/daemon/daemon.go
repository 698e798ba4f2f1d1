// Package daemon assembles and runs the otus ingestion process: it wires
// the config-loaded static topology (collectors, pipeline, overflow
// exporter) to the store-backed dynamic topology (devices, tags, alarm and
// collection rules) and owns the process lifecycle (start, signal-driven
// reload/stop, graceful shutdown).
package daemon

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"firestige.xyz/otus/internal/aggregation"
	"firestige.xyz/otus/internal/alarm"
	"firestige.xyz/otus/internal/broadcast"
	"firestige.xyz/otus/internal/collectionrule"
	"firestige.xyz/otus/internal/collector"
	"firestige.xyz/otus/internal/command"
	"firestige.xyz/otus/internal/config"
	"firestige.xyz/otus/internal/configwatcher"
	"firestige.xyz/otus/internal/dispatcher"
	"firestige.xyz/otus/internal/logging"
	"firestige.xyz/otus/internal/metrics"
	"firestige.xyz/otus/internal/model"
	"firestige.xyz/otus/internal/pipeline"
	"firestige.xyz/otus/internal/sharding"
	"firestige.xyz/otus/internal/store"
)

// Daemon owns every long-lived component of one otus process.
type Daemon struct {
	configPath string
	socketPath string
	pidFile    string

	config *config.GlobalConfig
	store  store.Store

	logCloser io.Closer

	pipeline   *pipeline.Pipeline
	overflow   io.Closer
	supervisor *collector.Supervisor
	dispatcher *dispatcher.Dispatcher
	liveBcast  *broadcast.Hub
	alarmEng   *alarm.Engine
	ruleEng    *collectionrule.Engine
	aggJob     *aggregation.Job
	watcher    *configwatcher.Watcher
	router     *sharding.Router

	cmdHandler *command.CommandHandler
	udsServer  *command.UDSServer

	metricsServer *metrics.Server

	ctx    context.Context
	cancel context.CancelFunc

	shutdownOnce sync.Once
	shutdownChan chan struct{}
}

// New loads configuration and wires every component, but starts nothing.
func New(configPath, socketPath, pidFile string) (*Daemon, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if socketPath == "" {
		socketPath = cfg.CommandChannel.Socket
	}
	if pidFile == "" {
		pidFile = cfg.Control.PIDFile
	}

	ctx, cancel := context.WithCancel(context.Background())

	d := &Daemon{
		configPath:   configPath,
		socketPath:   socketPath,
		pidFile:      pidFile,
		config:       cfg,
		ctx:          ctx,
		cancel:       cancel,
		shutdownChan: make(chan struct{}),
	}
	return d, nil
}

// Start brings up every component in dependency order: logging, PID file,
// store, routing, seeded devices, overflow exporter, dispatcher, pipeline,
// the live broadcast hub and alarm/collection-rule engines (registered as
// dispatcher sinks), collectors, aggregation, config-revision watcher, the
// UDS control channel, and the metrics server.
func (d *Daemon) Start() error {
	if err := d.initLogging(); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}

	if err := d.writePIDFile(); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}

	d.store = store.NewMemStore()

	if d.config.Sharding.Enabled {
		d.router = sharding.New(d.config.Node.Hostname, d.config.Sharding.Members)
	}

	if err := seedDevices(d.store, d.config.Collectors); err != nil {
		return fmt.Errorf("seed devices: %w", err)
	}

	overflowExp, overflowCloser, err := pipeline.NewOverflowExporter(d.config.Pipeline.Overflow, d.config.Kafka)
	if err != nil {
		return fmt.Errorf("build overflow exporter: %w", err)
	}
	d.overflow = overflowCloser

	d.dispatcher = dispatcher.New()

	d.pipeline = pipeline.NewBuilder().
		WithLabel(d.config.Pipeline.Label).
		WithCapacity(d.config.Pipeline.Capacity).
		WithBatch(d.config.Pipeline.BatchSize, d.config.Pipeline.BatchFlushMs).
		WithStore(d.store).
		WithOverflow(overflowExp).
		WithDispatcher(d.dispatcher).
		Build()
	d.pipeline.Start()

	d.liveBcast = broadcast.New()
	d.alarmEng = alarm.New(d.store, d.liveBcast)
	d.ruleEng = collectionrule.New(d.store)
	if d.router != nil {
		d.alarmEng.SetRouter(d.router)
		d.ruleEng.SetRouter(d.router)
	}
	d.ruleEng.Start()
	d.dispatcher.Register(d.liveBcast, 0)
	d.dispatcher.Register(d.alarmEng, 0)
	d.dispatcher.Register(d.ruleEng, 0)

	acquisitions := make([]collector.AcquisitionConfig, 0, len(d.config.Collectors))
	for _, c := range d.config.Collectors {
		acquisitions = append(acquisitions, collector.AcquisitionConfig{DeviceId: c.DeviceId, Model: c.Protocol})
	}
	d.supervisor = collector.NewSupervisor(d.store, pipelineSink{d.pipeline}, acquisitions)
	if d.router != nil {
		d.supervisor.SetRouter(d.router)
	}
	if err := d.supervisor.Reload(0); err != nil {
		slog.Error("daemon: initial collector reload failed", "error", err)
	}

	if d.config.Aggregation.Enabled {
		aggCfg, err := buildAggregationConfig(d.config.Aggregation)
		if err != nil {
			return fmt.Errorf("aggregation config: %w", err)
		}
		d.aggJob = aggregation.New(d.store, aggCfg)
		d.aggJob.Start()
	}

	pollInterval := time.Duration(d.config.ConfigWatcher.PollIntervalMs) * time.Millisecond
	d.watcher = configwatcher.New(d.store, pollInterval)
	d.watcher.Register(configwatcher.Callback{Name: "collector-supervisor", Fn: d.supervisor.Reload})
	d.watcher.Register(configwatcher.Callback{Name: "alarm-rules", Fn: d.reloadAlarmRules})
	d.watcher.Register(configwatcher.Callback{Name: "collection-rules", Fn: d.reloadCollectionRules})
	if err := d.watcher.Start(); err != nil {
		return fmt.Errorf("start config watcher: %w", err)
	}

	d.cmdHandler = command.NewCommandHandler(d.store)
	d.cmdHandler.SetShutdownFunc(d.TriggerShutdown)
	d.cmdHandler.SetStatsFunc(d.collectStats)
	if d.config.CommandChannel.Enabled {
		d.udsServer = command.NewUDSServer(d.socketPath, d.cmdHandler)
		go func() {
			if err := d.udsServer.Start(d.ctx); err != nil {
				slog.Error("daemon: uds server exited", "error", err)
			}
		}()
	}

	if d.config.Metrics.Enabled {
		d.metricsServer = metrics.NewServer(d.config.Metrics.Listen, d.config.Metrics.Path)
		if err := d.metricsServer.Start(d.ctx); err != nil {
			return fmt.Errorf("start metrics server: %w", err)
		}
	}

	slog.Info("daemon: started", "hostname", d.config.Node.Hostname, "socket", d.socketPath)
	return nil
}

// collectStats gathers pipeline and dispatcher runtime counters for the
// daemon.stats control plane command.
func (d *Daemon) collectStats() map[string]any {
	stats := map[string]any{}
	if d.pipeline != nil {
		ps := d.pipeline.Stats()
		stats["pipeline"] = map[string]any{
			"queue_depth": ps.QueueDepth,
			"persisted":   ps.Persisted,
			"overflowed":  ps.Overflowed,
		}
	}
	if d.dispatcher != nil {
		stats["dispatcher_queue_depths"] = d.dispatcher.QueueDepths()
	}
	if d.liveBcast != nil {
		bs := d.liveBcast.Stats()
		stats["live_broadcast"] = map[string]any{
			"subscribers": bs.Subscribers,
			"delivered":   bs.Delivered,
			"dropped":     bs.Dropped,
		}
	}
	return stats
}

// reloadAlarmRules is a configwatcher.Callback.Fn that re-reads the
// AlarmRule and Tag tables and pushes them into the alarm engine.
func (d *Daemon) reloadAlarmRules(_ int64) error {
	rules, err := d.store.ListAlarmRules()
	if err != nil {
		return err
	}
	d.alarmEng.ReloadRules(rules)

	devices, err := d.store.ListDevices()
	if err != nil {
		return err
	}
	var allTags []model.Tag
	for _, dev := range devices {
		tags, err := d.store.ListTags(dev.DeviceId)
		if err != nil {
			return err
		}
		allTags = append(allTags, tags...)
	}
	d.alarmEng.ReloadTags(allTags)
	return nil
}

// reloadCollectionRules is a configwatcher.Callback.Fn that re-reads the
// CollectionRule table into the collection-rule engine.
func (d *Daemon) reloadCollectionRules(_ int64) error {
	rules, err := d.store.ListCollectionRules()
	if err != nil {
		return err
	}
	d.ruleEng.ReloadRules(rules)
	return nil
}

// Run blocks, handling OS signals, until a shutdown is requested.
// SIGHUP triggers a config-file reload; SIGTERM/SIGINT and TriggerShutdown
// trigger a graceful stop.
func (d *Daemon) Run() error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	for {
		select {
		case sig := <-sigChan:
			switch sig {
			case syscall.SIGHUP:
				if err := d.Reload(); err != nil {
					slog.Error("daemon: reload failed", "error", err)
				}
			default:
				return d.Stop()
			}
		case <-d.shutdownChan:
			return d.Stop()
		case <-d.ctx.Done():
			return d.Stop()
		}
	}
}

// Reload re-reads the static config file and hot-applies the settings the
// daemon can change without a restart: log level/format. Changes to
// listen addresses or the command channel socket take effect only on the
// next full restart; this logs a warning rather than applying them.
func (d *Daemon) Reload() error {
	cfg, err := config.Load(d.configPath)
	if err != nil {
		return fmt.Errorf("reload config: %w", err)
	}

	if cfg.Log.Level != d.config.Log.Level || cfg.Log.Format != d.config.Log.Format {
		closer, err := logging.Init(cfg.Log)
		if err != nil {
			return fmt.Errorf("reload logging: %w", err)
		}
		if d.logCloser != nil {
			_ = d.logCloser.Close()
		}
		d.logCloser = closer
	}

	if cfg.Metrics.Listen != d.config.Metrics.Listen || cfg.CommandChannel.Socket != d.config.CommandChannel.Socket {
		slog.Warn("daemon: listen address changes require a full restart to take effect",
			"metrics_listen", cfg.Metrics.Listen, "command_channel_socket", cfg.CommandChannel.Socket)
	}

	d.config = cfg
	slog.Info("daemon: config reloaded", "log_level", cfg.Log.Level)
	return nil
}

// TriggerShutdown requests a graceful stop from outside the signal loop
// (e.g. the daemon.shutdown control-plane command).
func (d *Daemon) TriggerShutdown() {
	d.shutdownOnce.Do(func() {
		close(d.shutdownChan)
	})
}

// Stop shuts every component down in reverse dependency order, with a
// bounded grace period for in-flight work (spec.md §5/§9).
func (d *Daemon) Stop() error {
	slog.Info("daemon: stopping")

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if d.metricsServer != nil {
		_ = d.metricsServer.Stop(stopCtx)
	}
	if d.udsServer != nil {
		_ = d.udsServer.Stop()
	}
	if d.watcher != nil {
		d.watcher.Stop()
	}
	if d.aggJob != nil {
		d.aggJob.Stop()
	}
	if d.supervisor != nil {
		d.supervisor.Stop()
	}
	if d.pipeline != nil {
		done := make(chan struct{})
		go func() {
			d.pipeline.Stop()
			close(done)
		}()
		select {
		case <-done:
		case <-stopCtx.Done():
			slog.Warn("daemon: pipeline did not finish flushing within the shutdown grace period")
		}
	}
	if d.ruleEng != nil {
		d.ruleEng.Stop()
	}
	if d.dispatcher != nil {
		d.dispatcher.Stop()
	}
	if d.overflow != nil {
		_ = d.overflow.Close()
	}
	if d.logCloser != nil {
		_ = d.logCloser.Close()
	}

	d.cancel()
	d.removePIDFile()

	slog.Info("daemon: stopped")
	return nil
}

func (d *Daemon) initLogging() error {
	closer, err := logging.Init(d.config.Log)
	if err != nil {
		return err
	}
	d.logCloser = closer
	return nil
}

func (d *Daemon) writePIDFile() error {
	if d.pidFile == "" {
		return nil
	}
	return os.WriteFile(d.pidFile, []byte(strconv.Itoa(os.Getpid())), 0644)
}

func (d *Daemon) removePIDFile() {
	if d.pidFile == "" {
		return
	}
	if err := os.Remove(d.pidFile); err != nil && !os.IsNotExist(err) {
		slog.Warn("daemon: failed to remove pid file", "path", d.pidFile, "error", err)
	}
}

// pipelineSink adapts *pipeline.Pipeline's WriteResult-returning Write to
// the error-returning collector.Sink interface collectors write samples
// into; a Dropped result (overflow policy discarded the sample) is not an
// error the collector should react to, only a metric.
type pipelineSink struct {
	p *pipeline.Pipeline
}

func (s pipelineSink) Write(p model.TelemetryPoint) error {
	s.p.Write(p)
	return nil
}

// seedDevices upserts a Device row for every statically configured
// collector that the store does not already know about, so a process can
// come up fully wired from config.yml alone; operators may still add,
// remove, or edit devices live via the command channel afterwards.
func seedDevices(st store.Store, collectors []config.CollectorConfig) error {
	for _, c := range collectors {
		if _, err := st.GetDevice(c.DeviceId); err == nil {
			continue
		}
		dev := model.Device{
			DeviceId:  c.DeviceId,
			Name:      c.DeviceId,
			Host:      c.Address,
			Port:      c.Port,
			Enabled:   true,
			Simulated: c.Protocol == "simulation",
			Metadata: map[string]string{
				"scan_ms":       strconv.Itoa(c.ScanMs),
				"waveform_kind": c.WaveformKind,
				"waveform_ms":   strconv.Itoa(c.WaveformMs),
			},
		}
		if dev.Simulated {
			dev.Protocol = model.ProtocolSim
		}
		if err := st.UpsertDevice(dev); err != nil {
			return fmt.Errorf("seed device %s: %w", c.DeviceId, err)
		}
	}
	return nil
}

// buildAggregationConfig translates the static AggregationConfig into the
// aggregation.Config durations aggregation.New expects.
func buildAggregationConfig(cfg config.AggregationConfig) (aggregation.Config, error) {
	minuteInterval, err := time.ParseDuration(cfg.MinuteInterval)
	if err != nil {
		return aggregation.Config{}, fmt.Errorf("minute_interval: %w", err)
	}
	hourInterval, err := time.ParseDuration(cfg.HourInterval)
	if err != nil {
		return aggregation.Config{}, fmt.Errorf("hour_interval: %w", err)
	}
	rawRetention, err := time.ParseDuration(cfg.RawRetention)
	if err != nil {
		return aggregation.Config{}, fmt.Errorf("raw_retention: %w", err)
	}
	minuteRetention, err := time.ParseDuration(cfg.MinuteRetention)
	if err != nil {
		return aggregation.Config{}, fmt.Errorf("minute_retention: %w", err)
	}
	return aggregation.Config{
		MinuteInterval:  minuteInterval,
		HourInterval:    hourInterval,
		RawRetention:    rawRetention,
		MinuteRetention: minuteRetention,
	}, nil
}
