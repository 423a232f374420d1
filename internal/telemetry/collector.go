// Package telemetry collects process and prediction metrics for the status API.
package telemetry

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/montanaflynn/stats"

	"github.com/DavidBell625/Yolo-Training/internal/config"
	"github.com/DavidBell625/Yolo-Training/internal/logger"
	"github.com/DavidBell625/Yolo-Training/internal/modelcache"
	"github.com/DavidBell625/Yolo-Training/internal/service"
	"github.com/DavidBell625/Yolo-Training/internal/state"
	"github.com/DavidBell625/Yolo-Training/internal/storage"
)

// durationWindow is the number of recent batches kept for latency figures
const durationWindow = 200

// SystemMetrics describes the process and the output disk
type SystemMetrics struct {
	Goroutines       int     `json:"goroutines"`
	MemoryAllocBytes uint64  `json:"memory_alloc_bytes"`
	MemorySysBytes   uint64  `json:"memory_sys_bytes"`
	NumGC            uint32  `json:"num_gc"`
	DiskUsedBytes    int64   `json:"disk_used_bytes"`
	DiskTotalBytes   int64   `json:"disk_total_bytes"`
	DiskUsagePercent float64 `json:"disk_usage_percent"`
}

// ApplicationMetrics describes prediction activity since start
type ApplicationMetrics struct {
	CachedModels  int      `json:"cached_models"`
	ModelsOnDisk  int      `json:"models_on_disk"`
	Batches       int64    `json:"batches"`
	FailedBatches int64    `json:"failed_batches"`
	Images        int64    `json:"images"`
	Detections    int64    `json:"detections"`
	FailedImages  int64    `json:"failed_images"`
	BatchMeanMs   *float64 `json:"batch_mean_ms"`
	BatchP95Ms    *float64 `json:"batch_p95_ms"`
	BatchMaxMs    *float64 `json:"batch_max_ms"`
}

// Metrics is one collection
type Metrics struct {
	Timestamp   time.Time          `json:"timestamp"`
	System      SystemMetrics      `json:"system"`
	Application ApplicationMetrics `json:"application"`
}

// Collector collects system and application metrics
type Collector struct {
	*service.ServiceBase
	config *config.TelemetryConfig
	models *modelcache.Cache
	store  *storage.ModelStore
	disk   *storage.DiskMonitor

	mu            sync.RWMutex
	batches       int64
	failedBatches int64
	images        int64
	detections    int64
	failedImages  int64
	durations     []float64
	lastMetrics   *Metrics

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCollector creates a new telemetry collector. models, store and disk
// are optional.
func NewCollector(
	cfg *config.TelemetryConfig,
	log *logger.Logger,
	models *modelcache.Cache,
	store *storage.ModelStore,
	disk *storage.DiskMonitor,
) *Collector {
	return &Collector{
		ServiceBase: service.NewServiceBase("telemetry-collector", log),
		config:      cfg,
		models:      models,
		store:       store,
		disk:        disk,
	}
}

// Start subscribes to batch events and starts periodic logging
func (c *Collector) Start(ctx context.Context) error {
	c.GetStatus().SetStatus(service.StatusRunning)

	if !c.config.Enabled {
		c.LogInfo("Telemetry collection is disabled")
		return nil
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	if bus := c.GetEventBus(); bus != nil {
		onError := func(ev service.Event, err error) {
			c.LogWarn("Failed to record batch metrics", "event", ev.Type, "error", err)
		}
		bus.SubscribeWithHandler(runCtx, service.EventTypeBatchCompleted, c.handleBatch, onError)
		bus.SubscribeWithHandler(runCtx, service.EventTypeBatchFailed, c.handleBatch, onError)
	}

	if c.config.Interval > 0 {
		c.wg.Add(1)
		go c.logLoop(runCtx)
	}

	c.LogInfo("Telemetry collector started", "interval", c.config.Interval)
	return nil
}

// Stop stops the telemetry collector service
func (c *Collector) Stop(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	c.LogInfo("Telemetry collector stopped")
	c.GetStatus().SetStatus(service.StatusStopped)
	return nil
}

func (c *Collector) logLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m := c.Collect(ctx)
			c.LogInfo("Metrics",
				"batches", m.Application.Batches,
				"images", m.Application.Images,
				"detections", m.Application.Detections,
				"cached_models", m.Application.CachedModels,
				"memory_alloc_bytes", m.System.MemoryAllocBytes,
				"disk_usage_percent", m.System.DiskUsagePercent,
			)
		}
	}
}

func (c *Collector) handleBatch(ctx context.Context, ev service.Event) error {
	run := state.RunFromEvent(ev)
	c.RecordBatch(run)
	return nil
}

// RecordBatch adds one finished batch to the counters
func (c *Collector) RecordBatch(run state.PredictionRun) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.batches++
	if run.Status == state.RunStatusFailed {
		c.failedBatches++
		return
	}
	c.images += int64(run.TotalImages)
	c.detections += int64(run.TotalDetections)
	c.failedImages += int64(run.FailedImages)

	c.durations = append(c.durations, float64(run.DurationMS))
	if len(c.durations) > durationWindow {
		c.durations = c.durations[len(c.durations)-durationWindow:]
	}
}

// Collect collects all system and application metrics
func (c *Collector) Collect(ctx context.Context) *Metrics {
	data := &Metrics{
		Timestamp:   time.Now(),
		System:      c.collectSystemMetrics(ctx),
		Application: c.collectApplicationMetrics(),
	}

	c.mu.Lock()
	c.lastMetrics = data
	c.mu.Unlock()

	return data
}

// GetLastMetrics returns the last collected metrics
func (c *Collector) GetLastMetrics() *Metrics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastMetrics
}

func (c *Collector) collectSystemMetrics(ctx context.Context) SystemMetrics {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	sys := SystemMetrics{
		Goroutines:       runtime.NumGoroutine(),
		MemoryAllocBytes: m.Alloc,
		MemorySysBytes:   m.Sys,
		NumGC:            m.NumGC,
	}

	if c.disk != nil {
		usage, err := c.disk.GetUsage(ctx)
		if err != nil {
			c.LogWarn("Failed to collect disk usage", "error", err)
		} else {
			sys.DiskUsedBytes = usage.UsedBytes
			sys.DiskTotalBytes = usage.TotalBytes
			sys.DiskUsagePercent = usage.UsagePercent
		}
	}
	return sys
}

func (c *Collector) collectApplicationMetrics() ApplicationMetrics {
	var app ApplicationMetrics

	if c.models != nil {
		app.CachedModels = c.models.Len()
	}
	if c.store != nil {
		models, err := c.store.ListModels()
		if err != nil {
			c.LogWarn("Failed to list models", "error", err)
		} else {
			app.ModelsOnDisk = len(models)
		}
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	app.Batches = c.batches
	app.FailedBatches = c.failedBatches
	app.Images = c.images
	app.Detections = c.detections
	app.FailedImages = c.failedImages

	if len(c.durations) > 0 {
		durations := stats.Float64Data(c.durations)
		if mean, err := durations.Mean(); err == nil {
			app.BatchMeanMs = &mean
		}
		if p95, err := durations.Percentile(95); err == nil {
			app.BatchP95Ms = &p95
		}
		if longest, err := durations.Max(); err == nil {
			app.BatchMaxMs = &longest
		}
	}
	return app
}
