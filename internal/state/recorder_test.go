package state

import (
	"context"
	"testing"
	"time"

	"github.com/DavidBell625/Yolo-Training/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunEventRoundTrip(t *testing.T) {
	run := PredictionRun{
		ID:              "r1",
		ModelFolder:     "/models/a",
		TotalImages:     4,
		TotalDetections: 9,
		DurationMS:      321,
		Error:           "Unable to read image x.jpg",
	}
	ts := time.Now()
	got := RunFromEvent(service.Event{Type: service.EventTypeBatchFailed, Timestamp: ts, Data: RunEventData(run)})

	assert.Equal(t, "r1", got.ID)
	assert.Equal(t, 4, got.TotalImages)
	assert.Equal(t, 9, got.TotalDetections)
	assert.Equal(t, int64(321), got.DurationMS)
	assert.Equal(t, RunStatusFailed, got.Status)
	assert.Equal(t, ts, got.CreatedAt)
}

func TestRunFromEvent_LenientTypes(t *testing.T) {
	got := RunFromEvent(service.Event{
		Type: service.EventTypeBatchCompleted,
		Data: map[string]interface{}{"model_folder": "/m", "total_images": "3", "duration_ms": 12.0},
	})
	assert.Equal(t, 3, got.TotalImages)
	assert.Equal(t, int64(12), got.DurationMS)
	assert.Equal(t, RunStatusCompleted, got.Status)
}

func TestHistoryRecorder_RecordsEvents(t *testing.T) {
	mgr := setupTestManager(t)
	bus := service.NewEventBus(10)
	defer bus.Close()

	rec := NewHistoryRecorder(mgr, nil)
	rec.SetEventBus(bus)
	require.NoError(t, rec.Start(context.Background()))
	assert.True(t, rec.GetStatus().IsRunning())

	bus.Publish(service.Event{Type: service.EventTypeBatchCompleted, Data: RunEventData(PredictionRun{
		ID: "ok", ModelFolder: "/m", TotalImages: 2, TotalDetections: 3,
	})})
	bus.Publish(service.Event{Type: service.EventTypeBatchFailed, Data: RunEventData(PredictionRun{
		ID: "bad", ModelFolder: "/m", Error: "Model folder '/m' not found.",
	})})
	bus.Publish(service.Event{Type: service.EventTypeModelLoaded, Data: map[string]interface{}{
		"folder": "/m", "weights": "/m/best.pt", "classes": 2,
	}})

	ctx := context.Background()
	assert.Eventually(t, func() bool {
		s, err := mgr.GetStats(ctx)
		return err == nil && s.TotalRuns == 2 && s.ModelLoads == 1
	}, 2*time.Second, 10*time.Millisecond)

	bad, err := mgr.GetRun(ctx, "bad")
	require.NoError(t, err)
	assert.Equal(t, RunStatusFailed, bad.Status)
	assert.Equal(t, "Model folder '/m' not found.", bad.Error)

	require.NoError(t, rec.Stop(context.Background()))
	assert.Equal(t, service.StatusStopped, rec.GetStatus().GetStatus())
}

func TestHistoryRecorder_RequiresEventBus(t *testing.T) {
	mgr := setupTestManager(t)
	defer mgr.Close()

	rec := NewHistoryRecorder(mgr, nil)
	assert.Error(t, rec.Start(context.Background()))
}
