package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/DavidBell625/Yolo-Training/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func createTestConfig(t *testing.T, configPath string, cfg *Config) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		t.Fatalf("Failed to marshal config: %v", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}
}

func TestNewService(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	cfg := Default()
	cfg.Models.Root = tmpDir
	createTestConfig(t, configPath, cfg)

	svc, err := NewService(configPath, logger.NewNopLogger())
	require.NoError(t, err)
	require.NotNil(t, svc.Get())
	assert.Equal(t, tmpDir, svc.Get().Models.Root)
}

func TestNewService_InvalidConfig(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")

	cfg := Default()
	cfg.Predict.OnDecodeError = "retry"
	createTestConfig(t, configPath, cfg)

	_, err := NewService(configPath, logger.NewNopLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
}

func TestService_EnvOverrides(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	createTestConfig(t, configPath, Default())

	t.Setenv("YOLO_SERVER_PORT", "9100")
	t.Setenv("YOLO_DETECTOR_BACKEND", "onnx")
	t.Setenv("YOLO_HISTORY_ENABLED", "off")
	t.Setenv("YOLO_CONF_THRESHOLD", "0.55")
	t.Setenv("YOLO_WORKER_STARTUP_TIMEOUT", "5s")
	t.Setenv("YOLO_WORKER_COMMAND", "python3 worker.py --fp16")

	svc, err := NewService(configPath, logger.NewNopLogger())
	require.NoError(t, err)

	cfg := svc.Get()
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, BackendONNX, cfg.Detector.Backend)
	assert.False(t, cfg.History.Enabled)
	assert.Equal(t, 0.55, cfg.Predict.ConfidenceThreshold)
	assert.Equal(t, 5*time.Second, cfg.Detector.Worker.StartupTimeout)
	assert.Equal(t, []string{"python3", "worker.py", "--fp16"}, cfg.Detector.Worker.Command)
}

func TestService_EnvOverrideIgnoresGarbage(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	createTestConfig(t, configPath, Default())

	t.Setenv("YOLO_SERVER_PORT", "eighty")

	svc, err := NewService(configPath, logger.NewNopLogger())
	require.NoError(t, err)
	assert.Equal(t, 8000, svc.Get().Server.Port)
}

func TestService_ReloadNotifiesWatchers(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	createTestConfig(t, configPath, Default())

	svc, err := NewService(configPath, logger.NewNopLogger())
	require.NoError(t, err)

	var oldConf, newConf float64
	svc.Watch(func(ctx context.Context, oldConfig, newConfig *Config) error {
		oldConf = oldConfig.Predict.ConfidenceThreshold
		newConf = newConfig.Predict.ConfidenceThreshold
		return nil
	})

	updated := Default()
	updated.Predict.ConfidenceThreshold = 0.6
	createTestConfig(t, configPath, updated)

	require.NoError(t, svc.Reload(context.Background()))
	assert.Equal(t, 0.4, oldConf)
	assert.Equal(t, 0.6, newConf)
	assert.Equal(t, 0.6, svc.Get().Predict.ConfidenceThreshold)
}

func TestService_ReloadKeepsOldConfigOnError(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	createTestConfig(t, configPath, Default())

	svc, err := NewService(configPath, logger.NewNopLogger())
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(configPath, []byte("log: {level: shout}"), 0644))

	assert.Error(t, svc.Reload(context.Background()))
	assert.Equal(t, "info", svc.Get().Log.Level)
}
