package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Decode failure policies for a batch request
const (
	OnDecodeErrorAbort = "abort"
	OnDecodeErrorSkip  = "skip"
)

// Detector backends
const (
	BackendWorker = "worker"
	BackendONNX   = "onnx"
)

// Config represents the application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Predict   PredictConfig   `yaml:"predict"`
	Detector  DetectorConfig  `yaml:"detector"`
	Models    ModelsConfig    `yaml:"models"`
	History   HistoryConfig   `yaml:"history"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Log       LogConfig       `yaml:"log,omitempty"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// ReadTimeout bounds reading the request only. Inference itself is not time limited.
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// PredictConfig contains batch inference configuration
type PredictConfig struct {
	DefaultInputFolder  string  `yaml:"default_input_folder"`
	DefaultOutputFolder string  `yaml:"default_output_folder"`
	IoUThreshold        float64 `yaml:"iou_threshold"`
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	OnDecodeError       string  `yaml:"on_decode_error"` // abort or skip
	MaxUploadBytes      int64   `yaml:"max_upload_bytes"`
	JPEGQuality         int     `yaml:"jpeg_quality"`
	// MaxDiskUsagePercent marks the output disk unhealthy above this usage
	MaxDiskUsagePercent float64 `yaml:"max_disk_usage_percent"`
}

// DetectorConfig selects and configures the detector runtime
type DetectorConfig struct {
	Backend string       `yaml:"backend"` // worker or onnx
	Worker  WorkerConfig `yaml:"worker"`
	ONNX    ONNXConfig   `yaml:"onnx"`
}

// WorkerConfig configures the external detector worker process
type WorkerConfig struct {
	Command        []string      `yaml:"command"`
	WeightsFile    string        `yaml:"weights_file"`
	StartupTimeout time.Duration `yaml:"startup_timeout"`
}

// ONNXConfig configures the in-process OpenCV DNN backend
type ONNXConfig struct {
	WeightsFile string `yaml:"weights_file"`
	InputSize   int    `yaml:"input_size"`
	Target      string `yaml:"target"` // cpu, cuda, opencl
}

// ModelsConfig describes where model folders live
type ModelsConfig struct {
	Root string `yaml:"root"`
}

// HistoryConfig contains prediction run history configuration
type HistoryConfig struct {
	Enabled      bool   `yaml:"enabled"`
	DatabasePath string `yaml:"database_path"`
}

// TelemetryConfig contains metrics collection configuration
type TelemetryConfig struct {
	Enabled bool `yaml:"enabled"`
	// Interval between periodic metrics log lines
	Interval time.Duration `yaml:"interval"`
}

// LogConfig contains logging configuration
type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	Output     string `yaml:"output"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Default returns a configuration with every default applied
func Default() *Config {
	cfg := &Config{History: HistoryConfig{Enabled: true}, Telemetry: TelemetryConfig{Enabled: true}}
	cfg.setDefaults()
	return cfg
}

// Load reads and parses the configuration file. An empty path searches the
// default locations and falls back to defaults when none exists.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = getDefaultConfigPath()
		if configPath == "" {
			return Default(), nil
		}
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("configuration file not found: %s", configPath)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file: %w", err)
	}

	cfg := &Config{History: HistoryConfig{Enabled: true}, Telemetry: TelemetryConfig{Enabled: true}}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	cfg.setDefaults()

	return cfg, nil
}

// getDefaultConfigPath returns the first existing default configuration path
func getDefaultConfigPath() string {
	paths := []string{
		"./config/config.yaml",
		"./config.yaml",
		"/etc/yolo-training/config.yaml",
	}

	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Log.Output == "" {
		c.Log.Output = "stdout"
	}

	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 5 * time.Minute
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 120 * time.Second
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}

	if c.Predict.DefaultInputFolder == "" {
		c.Predict.DefaultInputFolder = "/data/input"
	}
	if c.Predict.DefaultOutputFolder == "" {
		c.Predict.DefaultOutputFolder = "/data/output"
	}
	if c.Predict.IoUThreshold == 0 {
		c.Predict.IoUThreshold = 0.2
	}
	if c.Predict.ConfidenceThreshold == 0 {
		c.Predict.ConfidenceThreshold = 0.4
	}
	if c.Predict.OnDecodeError == "" {
		c.Predict.OnDecodeError = OnDecodeErrorAbort
	}
	if c.Predict.MaxUploadBytes == 0 {
		c.Predict.MaxUploadBytes = 512 << 20
	}
	if c.Predict.JPEGQuality == 0 {
		c.Predict.JPEGQuality = 95
	}
	if c.Predict.MaxDiskUsagePercent == 0 {
		c.Predict.MaxDiskUsagePercent = 95
	}

	if c.Detector.Backend == "" {
		c.Detector.Backend = BackendWorker
	}
	if len(c.Detector.Worker.Command) == 0 {
		c.Detector.Worker.Command = []string{"python3", "-m", "yolo_worker"}
	}
	if c.Detector.Worker.WeightsFile == "" {
		c.Detector.Worker.WeightsFile = "best.pt"
	}
	if c.Detector.Worker.StartupTimeout == 0 {
		c.Detector.Worker.StartupTimeout = 60 * time.Second
	}
	if c.Detector.ONNX.WeightsFile == "" {
		c.Detector.ONNX.WeightsFile = "best.onnx"
	}
	if c.Detector.ONNX.InputSize == 0 {
		c.Detector.ONNX.InputSize = 640
	}
	if c.Detector.ONNX.Target == "" {
		c.Detector.ONNX.Target = "cpu"
	}

	if c.Models.Root == "" {
		c.Models.Root = "/models"
	}

	if c.History.DatabasePath == "" {
		c.History.DatabasePath = filepath.Join(".", "data", "db", "history.db")
	}

	if c.Telemetry.Interval == 0 {
		c.Telemetry.Interval = 60 * time.Second
	}
}

// WeightsFile returns the weights file name expected in every model folder
// for the configured backend.
func (c *Config) WeightsFile() string {
	if c.Detector.Backend == BackendONNX {
		return c.Detector.ONNX.WeightsFile
	}
	return c.Detector.Worker.WeightsFile
}
