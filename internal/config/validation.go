package config

import (
	"fmt"
	"strings"
)

// Validate validates the configuration with detailed error messages
func (c *Config) Validate() error {
	var errors []string

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "fatal": true,
	}
	if !validLogLevels[strings.ToLower(c.Log.Level)] {
		errors = append(errors, fmt.Sprintf("invalid log.level: %s (must be: debug, info, warn, error, fatal)", c.Log.Level))
	}

	if c.Log.Format != "text" && c.Log.Format != "json" {
		errors = append(errors, fmt.Sprintf("invalid log.format: %s (must be: text or json)", c.Log.Format))
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errors = append(errors, fmt.Sprintf("server.port must be between 1 and 65535, got: %d", c.Server.Port))
	}
	if c.Server.ReadTimeout < 0 {
		errors = append(errors, fmt.Sprintf("server.read_timeout must be >= 0, got: %v", c.Server.ReadTimeout))
	}

	if c.Predict.IoUThreshold <= 0 || c.Predict.IoUThreshold > 1 {
		errors = append(errors, fmt.Sprintf("predict.iou_threshold must be in (0, 1], got: %.2f", c.Predict.IoUThreshold))
	}
	if c.Predict.ConfidenceThreshold <= 0 || c.Predict.ConfidenceThreshold > 1 {
		errors = append(errors, fmt.Sprintf("predict.confidence_threshold must be in (0, 1], got: %.2f", c.Predict.ConfidenceThreshold))
	}
	if c.Predict.OnDecodeError != OnDecodeErrorAbort && c.Predict.OnDecodeError != OnDecodeErrorSkip {
		errors = append(errors, fmt.Sprintf("invalid predict.on_decode_error: %s (must be: abort or skip)", c.Predict.OnDecodeError))
	}
	if c.Predict.MaxUploadBytes <= 0 {
		errors = append(errors, fmt.Sprintf("predict.max_upload_bytes must be > 0, got: %d", c.Predict.MaxUploadBytes))
	}
	if c.Predict.JPEGQuality < 1 || c.Predict.JPEGQuality > 100 {
		errors = append(errors, fmt.Sprintf("predict.jpeg_quality must be between 1 and 100, got: %d", c.Predict.JPEGQuality))
	}

	if c.Predict.MaxDiskUsagePercent <= 0 || c.Predict.MaxDiskUsagePercent > 100 {
		errors = append(errors, fmt.Sprintf("predict.max_disk_usage_percent must be in (0, 100], got: %.1f", c.Predict.MaxDiskUsagePercent))
	}

	if c.Telemetry.Interval < 0 {
		errors = append(errors, fmt.Sprintf("telemetry.interval must be >= 0, got: %v", c.Telemetry.Interval))
	}

	switch c.Detector.Backend {
	case BackendWorker:
		if len(c.Detector.Worker.Command) == 0 || c.Detector.Worker.Command[0] == "" {
			errors = append(errors, "detector.worker.command is required for the worker backend")
		}
		if c.Detector.Worker.StartupTimeout <= 0 {
			errors = append(errors, fmt.Sprintf("detector.worker.startup_timeout must be > 0, got: %v", c.Detector.Worker.StartupTimeout))
		}
	case BackendONNX:
		if c.Detector.ONNX.InputSize <= 0 || c.Detector.ONNX.InputSize%32 != 0 {
			errors = append(errors, fmt.Sprintf("detector.onnx.input_size must be a positive multiple of 32, got: %d", c.Detector.ONNX.InputSize))
		}
	default:
		errors = append(errors, fmt.Sprintf("invalid detector.backend: %s (must be: worker or onnx)", c.Detector.Backend))
	}

	if c.History.Enabled && c.History.DatabasePath == "" {
		errors = append(errors, "history.database_path is required when history is enabled")
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	return nil
}
