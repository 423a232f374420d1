package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeModel(t *testing.T, root, name, weights string) {
	t.Helper()
	dir := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(dir, 0755))
	if weights != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, weights), []byte("weights!"), 0644))
	}
}

func TestNewModelStore(t *testing.T) {
	_, err := NewModelStore("", "best.pt")
	assert.Error(t, err)
	_, err = NewModelStore(t.TempDir(), "")
	assert.Error(t, err)

	root := t.TempDir()
	s, err := NewModelStore(root, "best.pt")
	require.NoError(t, err)
	assert.Equal(t, root, s.Root())
	assert.Equal(t, filepath.Join(root, "helmets"), s.ModelPath("helmets"))
}

func TestListModels(t *testing.T) {
	root := t.TempDir()
	writeModel(t, root, "vehicles", "best.pt")
	writeModel(t, root, "helmets", "best.pt")
	writeModel(t, root, "exported", "best.onnx")
	writeModel(t, root, "empty", "")
	require.NoError(t, os.WriteFile(filepath.Join(root, "README"), nil, 0644))

	s, err := NewModelStore(root, "best.pt")
	require.NoError(t, err)

	models, err := s.ListModels()
	require.NoError(t, err)
	require.Len(t, models, 2)
	assert.Equal(t, "helmets", models[0].Name)
	assert.Equal(t, "vehicles", models[1].Name)
	assert.Equal(t, int64(8), models[0].SizeBytes)
	assert.Equal(t, "best.pt", models[0].WeightsFile)
	assert.Nil(t, models[0].Metadata)

	size, err := s.TotalSize()
	require.NoError(t, err)
	assert.Equal(t, int64(16), size)
}

func TestListModels_MissingRoot(t *testing.T) {
	s, err := NewModelStore(filepath.Join(t.TempDir(), "missing"), "best.pt")
	require.NoError(t, err)

	models, err := s.ListModels()
	require.NoError(t, err)
	assert.NotNil(t, models)
	assert.Empty(t, models)
}

func TestGetModel(t *testing.T) {
	root := t.TempDir()
	writeModel(t, root, "helmets", "best.pt")
	s, err := NewModelStore(root, "best.pt")
	require.NoError(t, err)

	info, err := s.GetModel("helmets")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "helmets"), info.Folder)

	for _, name := range []string{"missing", "", "..", "../helmets", "a/b"} {
		_, err := s.GetModel(name)
		assert.ErrorIs(t, err, ErrModelNotFound, name)
	}
}

func TestMetadata(t *testing.T) {
	root := t.TempDir()
	writeModel(t, root, "helmets", "best.pt")
	s, err := NewModelStore(root, "best.pt")
	require.NoError(t, err)

	m50 := 0.812
	require.NoError(t, s.WriteMetadata("helmets", &ModelMetadata{
		Version:   "3",
		BaseModel: "yolov8s.pt",
		Epochs:    100,
		Classes:   []string{"helmet", "head"},
		MAP50:     &m50,
	}))

	info, err := s.GetModel("helmets")
	require.NoError(t, err)
	require.NotNil(t, info.Metadata)
	assert.Equal(t, "3", info.Metadata.Version)
	assert.Equal(t, []string{"helmet", "head"}, info.Metadata.Classes)
	assert.Equal(t, 0.812, *info.Metadata.MAP50)
	assert.Nil(t, info.Metadata.MAP)

	assert.ErrorIs(t, s.WriteMetadata("missing", &ModelMetadata{}), ErrModelNotFound)
	assert.Error(t, s.WriteMetadata("helmets", nil))
}

func TestMetadata_Invalid(t *testing.T) {
	root := t.TempDir()
	writeModel(t, root, "broken", "best.pt")
	require.NoError(t, os.WriteFile(filepath.Join(root, "broken", MetadataFile), []byte("{"), 0644))
	s, err := NewModelStore(root, "best.pt")
	require.NoError(t, err)

	_, err = s.GetModel("broken")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrModelNotFound)

	_, err = s.ListModels()
	assert.Error(t, err)
}

func TestDiskMonitor_GetUsage(t *testing.T) {
	monitor := NewDiskMonitor(t.TempDir(), 80.0, nil)

	usage, err := monitor.GetUsage(context.Background())
	require.NoError(t, err)
	assert.Greater(t, usage.TotalBytes, int64(0))
	assert.GreaterOrEqual(t, usage.AvailableBytes, int64(0))
	assert.GreaterOrEqual(t, usage.UsagePercent, 0.0)
	assert.LessOrEqual(t, usage.UsagePercent, 100.0)

	cached, err := monitor.GetUsage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, usage, cached)
}

func TestDiskMonitor_MissingFolderUsesParent(t *testing.T) {
	monitor := NewDiskMonitor(filepath.Join(t.TempDir(), "not", "yet"), 0, nil)
	assert.Equal(t, 95.0, monitor.MaxUsagePercent())

	_, err := monitor.GetUsage(context.Background())
	require.NoError(t, err)

	full, err := monitor.IsDiskFull(context.Background())
	require.NoError(t, err)
	usage, _ := monitor.GetUsage(context.Background())
	assert.Equal(t, usage.UsagePercent >= 95.0, full)
}
