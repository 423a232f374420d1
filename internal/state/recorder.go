package state

import (
	"context"
	"fmt"
	"sync"

	"github.com/DavidBell625/Yolo-Training/internal/logger"
	"github.com/DavidBell625/Yolo-Training/internal/service"
	"github.com/spf13/cast"
)

// RunEventData converts a run to the payload of a batch event
func RunEventData(run PredictionRun) map[string]interface{} {
	return map[string]interface{}{
		"run_id":                    run.ID,
		"request_id":                run.RequestID,
		"model_folder":              run.ModelFolder,
		"output_folder":             run.OutputFolder,
		"total_images":              run.TotalImages,
		"total_detections":          run.TotalDetections,
		"images_with_no_detections": run.ImagesWithNoDetections,
		"failed_images":             run.FailedImages,
		"summary_path":              run.SummaryPath,
		"duration_ms":               run.DurationMS,
		"error":                     run.Error,
	}
}

// RunFromEvent rebuilds a run from a batch event
func RunFromEvent(ev service.Event) PredictionRun {
	d := ev.Data
	run := PredictionRun{
		ID:                     cast.ToString(d["run_id"]),
		RequestID:              cast.ToString(d["request_id"]),
		ModelFolder:            cast.ToString(d["model_folder"]),
		OutputFolder:           cast.ToString(d["output_folder"]),
		TotalImages:            cast.ToInt(d["total_images"]),
		TotalDetections:        cast.ToInt(d["total_detections"]),
		ImagesWithNoDetections: cast.ToInt(d["images_with_no_detections"]),
		FailedImages:           cast.ToInt(d["failed_images"]),
		SummaryPath:            cast.ToString(d["summary_path"]),
		DurationMS:             cast.ToInt64(d["duration_ms"]),
		Error:                  cast.ToString(d["error"]),
		Status:                 RunStatusCompleted,
		CreatedAt:              ev.Timestamp,
	}
	if ev.Type == service.EventTypeBatchFailed {
		run.Status = RunStatusFailed
	}
	return run
}

// HistoryRecorder writes batch and model load events to the history database
type HistoryRecorder struct {
	*service.ServiceBase

	manager *Manager
	cancel  context.CancelFunc
	mu      sync.Mutex
}

// NewHistoryRecorder creates a recorder writing to manager. The recorder
// closes the manager when stopped.
func NewHistoryRecorder(manager *Manager, log *logger.Logger) *HistoryRecorder {
	return &HistoryRecorder{
		ServiceBase: service.NewServiceBase("history", log),
		manager:     manager,
	}
}

// Manager returns the history database
func (r *HistoryRecorder) Manager() *Manager {
	return r.manager
}

// Start subscribes to the event bus
func (r *HistoryRecorder) Start(ctx context.Context) error {
	bus := r.GetEventBus()
	if bus == nil {
		return fmt.Errorf("history recorder requires an event bus")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	subCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	bus.SubscribeWithHandler(subCtx, service.EventTypeBatchCompleted, r.handleRun, r.onError)
	bus.SubscribeWithHandler(subCtx, service.EventTypeBatchFailed, r.handleRun, r.onError)
	bus.SubscribeWithHandler(subCtx, service.EventTypeModelLoaded, r.handleModelLoaded, r.onError)

	r.GetStatus().SetStatus(service.StatusRunning)
	r.LogInfo("History recorder started", "database", r.manager.Path())
	return nil
}

// Stop unsubscribes and closes the database
func (r *HistoryRecorder) Stop(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.GetStatus().SetStatus(service.StatusStopping)
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	err := r.manager.Close()
	r.GetStatus().SetStatus(service.StatusStopped)
	return err
}

func (r *HistoryRecorder) handleRun(ctx context.Context, ev service.Event) error {
	run := RunFromEvent(ev)
	if err := r.manager.SaveRun(ctx, &run); err != nil {
		return err
	}
	r.LogDebug("Prediction run recorded", "run_id", run.ID, "status", run.Status)
	return nil
}

func (r *HistoryRecorder) handleModelLoaded(ctx context.Context, ev service.Event) error {
	return r.manager.SaveModelLoad(ctx, ModelLoad{
		Folder:      cast.ToString(ev.Data["folder"]),
		WeightsPath: cast.ToString(ev.Data["weights"]),
		Classes:     cast.ToInt(ev.Data["classes"]),
		DurationMS:  cast.ToInt64(ev.Data["duration_ms"]),
		LoadedAt:    ev.Timestamp,
	})
}

func (r *HistoryRecorder) onError(ev service.Event, err error) {
	r.LogError("Failed to record event", err, "event_type", string(ev.Type))
}
