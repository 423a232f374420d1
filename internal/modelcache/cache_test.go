package modelcache

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/DavidBell625/Yolo-Training/internal/detector"
	"github.com/DavidBell625/Yolo-Training/internal/detector/detectortest"
	"github.com/DavidBell625/Yolo-Training/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func modelFolder(t *testing.T, weights string) string {
	t.Helper()
	dir := t.TempDir()
	if weights != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, weights), []byte("weights"), 0644))
	}
	return dir
}

func TestGetOrLoad_ReturnsSameHandle(t *testing.T) {
	loader := &detectortest.Loader{Names: map[int]string{0: "person"}}
	cache := New(loader, nil)
	folder := modelFolder(t, "best.pt")

	h1, err := cache.GetOrLoad(context.Background(), folder)
	require.NoError(t, err)
	h2, err := cache.GetOrLoad(context.Background(), folder+string(filepath.Separator))
	require.NoError(t, err)

	assert.Same(t, h1, h2)
	assert.Equal(t, 1, loader.Loads())
	assert.Equal(t, 1, cache.Len())
	assert.Equal(t, filepath.Join(folder, "best.pt"), h1.WeightsPath)
	assert.Equal(t, map[int]string{0: "person"}, h1.Names())
	assert.False(t, h1.LoadedAt.IsZero())
}

func TestGetOrLoad_ConcurrentCallersLoadOnce(t *testing.T) {
	loader := &detectortest.Loader{LoadDelay: 20 * time.Millisecond}
	cache := New(loader, nil)
	folder := modelFolder(t, "best.pt")

	const callers = 16
	handles := make([]*Handle, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := cache.GetOrLoad(context.Background(), folder)
			assert.NoError(t, err)
			handles[i] = h
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, loader.Loads())
	for _, h := range handles {
		assert.Same(t, handles[0], h)
	}
}

func TestGetOrLoad_DistinctFolders(t *testing.T) {
	loader := &detectortest.Loader{}
	cache := New(loader, nil)

	a, err := cache.GetOrLoad(context.Background(), modelFolder(t, "best.pt"))
	require.NoError(t, err)
	b, err := cache.GetOrLoad(context.Background(), modelFolder(t, "best.pt"))
	require.NoError(t, err)

	assert.NotSame(t, a, b)
	assert.Equal(t, 2, cache.Len())
	assert.Len(t, cache.Folders(), 2)
}

func TestGetOrLoad_MissingFolder(t *testing.T) {
	cache := New(&detectortest.Loader{}, nil)
	folder := filepath.Join(t.TempDir(), "nope")

	_, err := cache.GetOrLoad(context.Background(), folder)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFolderNotFound)
	assert.True(t, IsNotFound(err))
	assert.Equal(t, "Model folder '"+folder+"' not found.", err.Error())
}

func TestGetOrLoad_FolderIsAFile(t *testing.T) {
	cache := New(&detectortest.Loader{}, nil)
	file := filepath.Join(t.TempDir(), "model")
	require.NoError(t, os.WriteFile(file, nil, 0644))

	_, err := cache.GetOrLoad(context.Background(), file)
	assert.ErrorIs(t, err, ErrFolderNotFound)
}

func TestGetOrLoad_MissingWeights(t *testing.T) {
	loader := &detectortest.Loader{}
	cache := New(loader, nil)
	folder := modelFolder(t, "")

	_, err := cache.GetOrLoad(context.Background(), folder)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrWeightsNotFound)
	assert.Equal(t, "'best.pt' not found in model folder '"+folder+"'.", err.Error())
	assert.Equal(t, 0, loader.Loads())
	assert.Equal(t, 0, cache.Len())
}

func TestGetOrLoad_UsesLoaderWeightsFile(t *testing.T) {
	loader := &detectortest.Loader{Weights: "best.onnx"}
	cache := New(loader, nil)
	assert.Equal(t, "best.onnx", cache.WeightsFile())

	_, err := cache.GetOrLoad(context.Background(), modelFolder(t, "best.pt"))
	assert.ErrorIs(t, err, ErrWeightsNotFound)

	h, err := cache.GetOrLoad(context.Background(), modelFolder(t, "best.onnx"))
	require.NoError(t, err)
	assert.Equal(t, "best.onnx", filepath.Base(h.WeightsPath))
}

func TestGetOrLoad_LoadFailureIsNotCached(t *testing.T) {
	loader := &detectortest.Loader{LoadErr: errors.New("corrupt weights")}
	cache := New(loader, nil)
	folder := modelFolder(t, "best.pt")

	_, err := cache.GetOrLoad(context.Background(), folder)
	require.Error(t, err)
	assert.False(t, IsNotFound(err))
	assert.Contains(t, err.Error(), "corrupt weights")

	loader.LoadErr = nil
	_, err = cache.GetOrLoad(context.Background(), folder)
	require.NoError(t, err)
	assert.Equal(t, 2, loader.Loads())
}

func TestGetOrLoad_PublishesModelLoaded(t *testing.T) {
	bus := service.NewEventBus(10)
	defer bus.Close()
	events := bus.Subscribe(service.EventTypeModelLoaded)

	cache := New(&detectortest.Loader{}, nil)
	cache.SetEventBus(bus)
	folder := modelFolder(t, "best.pt")

	_, err := cache.GetOrLoad(context.Background(), folder)
	require.NoError(t, err)

	select {
	case ev := <-events:
		assert.Equal(t, "model-cache", ev.Source)
		assert.Equal(t, folder, ev.Data["folder"])
	case <-time.After(time.Second):
		t.Fatal("model.loaded not published")
	}
}

func TestStop_ClosesModels(t *testing.T) {
	loader := &detectortest.Loader{}
	cache := New(loader, nil)
	require.NoError(t, cache.Start(context.Background()))
	assert.True(t, cache.GetStatus().IsRunning())

	_, err := cache.GetOrLoad(context.Background(), modelFolder(t, "best.pt"))
	require.NoError(t, err)

	require.NoError(t, cache.Stop(context.Background()))
	require.Len(t, loader.Models(), 1)
	assert.True(t, loader.Models()[0].Closed())
	assert.Equal(t, 0, cache.Len())
	assert.Equal(t, service.StatusStopped, cache.GetStatus().GetStatus())

	_, err = cache.GetOrLoad(context.Background(), modelFolder(t, "best.pt"))
	assert.ErrorIs(t, err, detector.ErrModelClosed)
	assert.NoError(t, cache.Close())
}

func TestGetOrLoad_CancelledPredictKeepsHandle(t *testing.T) {
	loader := &detectortest.Loader{
		PredictDelay: 200 * time.Millisecond,
		Boxes:        map[string][]detector.Box{"street": {{ClassID: 0, Confidence: 0.9, X2: 10, Y2: 10}}},
	}
	cache := New(loader, nil)
	folder := modelFolder(t, "best.pt")

	h1, err := cache.GetOrLoad(context.Background(), folder)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = h1.Model.Predict(ctx, detector.Input{Path: "slow.jpg"}, detector.DefaultThresholds())
	require.ErrorIs(t, err, context.DeadlineExceeded)

	h2, err := cache.GetOrLoad(context.Background(), folder)
	require.NoError(t, err)
	assert.Same(t, h1, h2)

	boxes, err := h2.Model.Predict(context.Background(), detector.Input{Path: "street.jpg"}, detector.DefaultThresholds())
	require.NoError(t, err)
	assert.Len(t, boxes, 1)
	assert.Equal(t, 1, loader.Loads())
}

func TestGetOrLoad_ReloadsClosedModel(t *testing.T) {
	loader := &detectortest.Loader{}
	cache := New(loader, nil)
	folder := modelFolder(t, "best.pt")

	h1, err := cache.GetOrLoad(context.Background(), folder)
	require.NoError(t, err)
	require.NoError(t, h1.Model.Close())

	h2, err := cache.GetOrLoad(context.Background(), folder)
	require.NoError(t, err)
	assert.NotSame(t, h1, h2)
	assert.Equal(t, 2, loader.Loads())
	assert.Equal(t, 1, cache.Len())

	_, err = h2.Model.Predict(context.Background(), detector.Input{Path: "a.jpg"}, detector.DefaultThresholds())
	assert.NoError(t, err)
}
