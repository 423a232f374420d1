package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/DavidBell625/Yolo-Training/internal/logger"
	"github.com/joho/godotenv"
	"github.com/spf13/cast"
)

// Service provides configuration management with environment variable support
type Service struct {
	config     *Config
	configPath string
	logger     *logger.Logger
	mu         sync.RWMutex
	watchers   []ConfigWatcher
}

// ConfigWatcher is called when configuration changes
type ConfigWatcher func(ctx context.Context, oldConfig, newConfig *Config) error

// NewService creates a new configuration service
func NewService(configPath string, log *logger.Logger) (*Service, error) {
	cfg, err := LoadWithEnv(configPath)
	if err != nil {
		return nil, err
	}

	return &Service{
		config:     cfg,
		configPath: configPath,
		logger:     log,
		watchers:   make([]ConfigWatcher, 0),
	}, nil
}

// LoadWithEnv loads the configuration file, applies .env files and
// environment overrides, then validates the result.
func LoadWithEnv(configPath string) (*Config, error) {
	cfg, err := Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	// .env is optional; variables already set in the environment win
	_ = godotenv.Load()

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Get returns the current configuration (thread-safe)
func (s *Service) Get() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config
}

// SetLogger replaces the logger once the real one is built from the loaded config
func (s *Service) SetLogger(log *logger.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = log
}

// Reload reloads the configuration from file
func (s *Service) Reload(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	oldConfig := s.config

	newConfig, err := LoadWithEnv(s.configPath)
	if err != nil {
		return fmt.Errorf("failed to reload configuration: %w", err)
	}

	s.config = newConfig

	for _, watcher := range s.watchers {
		if err := watcher(ctx, oldConfig, newConfig); err != nil {
			s.logger.Error("Config watcher error", "error", err)
		}
	}

	s.logger.Info("Configuration reloaded", "path", s.configPath)
	return nil
}

// Watch registers a configuration change watcher
func (s *Service) Watch(watcher ConfigWatcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watchers = append(s.watchers, watcher)
}

// applyEnvOverrides applies environment variable overrides to configuration
func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv("YOLO_LOG_LEVEL"); val != "" {
		cfg.Log.Level = val
	}
	if val := os.Getenv("YOLO_LOG_FORMAT"); val != "" {
		cfg.Log.Format = val
	}

	if val := os.Getenv("YOLO_SERVER_HOST"); val != "" {
		cfg.Server.Host = val
	}
	cfg.Server.Port = GetEnvInt("YOLO_SERVER_PORT", cfg.Server.Port)

	if val := os.Getenv("YOLO_DETECTOR_BACKEND"); val != "" {
		cfg.Detector.Backend = val
	}
	if val := os.Getenv("YOLO_WORKER_COMMAND"); val != "" {
		cfg.Detector.Worker.Command = strings.Fields(val)
	}
	cfg.Detector.Worker.StartupTimeout = GetEnvDuration("YOLO_WORKER_STARTUP_TIMEOUT", cfg.Detector.Worker.StartupTimeout)
	if val := os.Getenv("YOLO_MODELS_ROOT"); val != "" {
		cfg.Models.Root = val
	}

	cfg.Predict.IoUThreshold = GetEnvFloat64("YOLO_IOU_THRESHOLD", cfg.Predict.IoUThreshold)
	cfg.Predict.ConfidenceThreshold = GetEnvFloat64("YOLO_CONF_THRESHOLD", cfg.Predict.ConfidenceThreshold)
	cfg.Predict.OnDecodeError = GetEnvWithDefault("YOLO_ON_DECODE_ERROR", cfg.Predict.OnDecodeError)
	cfg.History.Enabled = GetEnvBool("YOLO_HISTORY_ENABLED", cfg.History.Enabled)
	if val := os.Getenv("YOLO_HISTORY_DB"); val != "" {
		cfg.History.DatabasePath = val
	}
	cfg.Telemetry.Enabled = GetEnvBool("YOLO_TELEMETRY_ENABLED", cfg.Telemetry.Enabled)
}

// GetEnvWithDefault gets an environment variable with a default value
func GetEnvWithDefault(key, defaultValue string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultValue
}

// GetEnvBool gets a boolean environment variable
func GetEnvBool(key string, defaultValue bool) bool {
	val := strings.ToLower(os.Getenv(key))
	switch val {
	case "":
		return defaultValue
	case "yes", "on":
		return true
	case "no", "off":
		return false
	}
	b, err := cast.ToBoolE(val)
	if err != nil {
		return defaultValue
	}
	return b
}

// GetEnvInt gets an integer environment variable
func GetEnvInt(key string, defaultValue int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	result, err := cast.ToIntE(val)
	if err != nil {
		return defaultValue
	}
	return result
}

// GetEnvDuration gets a duration environment variable
func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	if duration, err := cast.ToDurationE(val); err == nil {
		return duration
	}
	return defaultValue
}

// GetEnvFloat64 gets a float64 environment variable
func GetEnvFloat64(key string, defaultValue float64) float64 {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	result, err := cast.ToFloat64E(val)
	if err != nil {
		return defaultValue
	}
	return result
}
