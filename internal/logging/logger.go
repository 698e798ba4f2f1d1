// Package logging implements structured logging using slog.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"firestige.xyz/otus/internal/config"
)

// Init initializes the global logger based on configuration. Returns the
// io.Closer for any output that needs an explicit flush/close on shutdown
// (the Loki writer buffers and flushes on a timer); nil if none was created.
func Init(cfg config.LogConfig) (io.Closer, error) {
	// Parse log level
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	// Collect all output writers
	var writers []io.Writer
	var closer io.Closer

	if cfg.Outputs.File.Enabled {
		fw, err := createFileWriter(cfg.Outputs.File)
		if err != nil {
			return nil, fmt.Errorf("failed to create file output: %w", err)
		}
		writers = append(writers, fw)
	}

	if cfg.Outputs.Loki.Enabled {
		lokiWriter, err := NewLokiWriter(LokiConfig{
			Endpoint:      cfg.Outputs.Loki.Endpoint,
			Labels:        cfg.Outputs.Loki.Labels,
			BatchSize:     cfg.Outputs.Loki.BatchSize,
			FlushInterval: cfg.Outputs.Loki.BatchTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create loki writer: %w", err)
		}
		writers = append(writers, lokiWriter)
		closer = lokiWriter
	}

	// Default to stdout if no outputs configured
	if len(writers) == 0 {
		writers = append(writers, os.Stdout)
	}

	// Create multi-writer
	multiWriter := io.MultiWriter(writers...)

	// Create handler based on format
	var handler slog.Handler
	opts := &slog.HandlerOptions{
		Level: level,
	}

	switch strings.ToLower(cfg.Format) {
	case "json":
		handler = slog.NewJSONHandler(multiWriter, opts)
	case "text":
		handler = slog.NewTextHandler(multiWriter, opts)
	default:
		return nil, fmt.Errorf("unsupported log format: %s (must be json or text)", cfg.Format)
	}

	// Set global logger
	logger := slog.New(handler)
	slog.SetDefault(logger)

	return closer, nil
}

// parseLevel converts string level to slog.Level.
func parseLevel(levelStr string) (slog.Level, error) {
	switch strings.ToLower(levelStr) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown level: %s", levelStr)
	}
}

// createFileWriter builds a rotated file writer for the file log output.
func createFileWriter(fc config.FileOutputConfig) (io.Writer, error) {
	if fc.Path == "" {
		return nil, fmt.Errorf("file output requires 'path' field")
	}
	return &lumberjack.Logger{
		Filename:   fc.Path,
		MaxSize:    fc.Rotation.MaxSizeMB,
		MaxAge:     fc.Rotation.MaxAgeDays,
		MaxBackups: fc.Rotation.MaxBackups,
		Compress:   fc.Rotation.Compress,
	}, nil
}
