package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 8000, cfg.Server.Port)
	assert.Equal(t, "/data/input", cfg.Predict.DefaultInputFolder)
	assert.Equal(t, "/data/output", cfg.Predict.DefaultOutputFolder)
	assert.Equal(t, 0.2, cfg.Predict.IoUThreshold)
	assert.Equal(t, 0.4, cfg.Predict.ConfidenceThreshold)
	assert.Equal(t, OnDecodeErrorAbort, cfg.Predict.OnDecodeError)
	assert.Equal(t, BackendWorker, cfg.Detector.Backend)
	assert.Equal(t, "best.pt", cfg.WeightsFile())
	assert.True(t, cfg.History.Enabled)
	assert.True(t, cfg.Telemetry.Enabled)
	assert.Equal(t, 60*time.Second, cfg.Telemetry.Interval)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, `
server:
  port: 9000
predict:
  on_decode_error: skip
detector:
  backend: onnx
history:
  enabled: false
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, OnDecodeErrorSkip, cfg.Predict.OnDecodeError)
	assert.Equal(t, "best.onnx", cfg.WeightsFile())
	assert.Equal(t, 640, cfg.Detector.ONNX.InputSize)
	assert.False(t, cfg.History.Enabled)
	assert.Equal(t, 5*time.Minute, cfg.Server.ReadTimeout)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "configuration file not found")
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, "server: [unterminated")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse configuration")
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := Default()
	cfg.Log.Level = "loud"
	cfg.Predict.OnDecodeError = "ignore"
	cfg.Predict.IoUThreshold = 2
	cfg.Detector.Backend = "tensorrt"

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "invalid log.level: loud")
	assert.Contains(t, msg, "invalid predict.on_decode_error: ignore")
	assert.Contains(t, msg, "predict.iou_threshold")
	assert.Contains(t, msg, "invalid detector.backend: tensorrt")
}

func TestValidate_ONNXInputSize(t *testing.T) {
	cfg := Default()
	cfg.Detector.Backend = BackendONNX
	cfg.Detector.ONNX.InputSize = 650

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "multiple of 32")
}
