package web

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/DavidBell625/Yolo-Training/internal/modelcache"
	"github.com/DavidBell625/Yolo-Training/internal/predict"
	"github.com/DavidBell625/Yolo-Training/internal/service"
	"github.com/DavidBell625/Yolo-Training/internal/state"
	"github.com/DavidBell625/Yolo-Training/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/spf13/cast"
)

// errorStatus maps a pipeline error to its HTTP status
func errorStatus(err error) int {
	var imgErr *predict.ImageError
	switch {
	case modelcache.IsNotFound(err):
		return http.StatusNotFound
	case errors.As(err, &imgErr):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func abortWithDetail(c *gin.Context, code int, detail string) {
	c.AbortWithStatusJSON(code, gin.H{"detail": detail})
}

// handlePredictBatch runs detection on every uploaded file
func (s *Server) handlePredictBatch(c *gin.Context) {
	modelFolder := c.Query("model_folder")
	if modelFolder == "" {
		abortWithDetail(c, http.StatusUnprocessableEntity, "Query parameter 'model_folder' is required")
		return
	}
	cfg := s.Config()
	inputFolder := c.DefaultQuery("input_folder", cfg.Predict.DefaultInputFolder)
	outputFolder := c.DefaultQuery("output_folder", cfg.Predict.DefaultOutputFolder)

	if s.disk != nil {
		if full, err := s.disk.IsDiskFull(c.Request.Context()); err != nil {
			s.LogWarn("Failed to check disk usage", "error", err)
		} else if full {
			abortWithDetail(c, http.StatusInsufficientStorage, "Disk usage above the configured limit")
			return
		}
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, cfg.Predict.MaxUploadBytes)
	form, err := c.MultipartForm()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			abortWithDetail(c, http.StatusRequestEntityTooLarge, "Upload exceeds the maximum request size")
			return
		}
		abortWithDetail(c, http.StatusBadRequest, "Invalid multipart body: "+err.Error())
		return
	}
	files := form.File["files"]
	if len(files) == 0 {
		abortWithDetail(c, http.StatusUnprocessableEntity, "Form field 'files' is required")
		return
	}

	uploads := make([]predict.Upload, 0, len(files))
	for _, fh := range files {
		fh := fh
		uploads = append(uploads, predict.Upload{
			Filename: fh.Filename,
			Open:     func() (io.ReadCloser, error) { return fh.Open() },
		})
	}

	start := time.Now()
	resp, err := s.pipeline.Run(c.Request.Context(), predict.Request{
		ModelFolder:  modelFolder,
		InputFolder:  inputFolder,
		OutputFolder: outputFolder,
		Files:        uploads,
	})

	run := state.PredictionRun{
		ID:           uuid.New().String(),
		RequestID:    c.GetString(requestIDKey),
		ModelFolder:  modelFolder,
		OutputFolder: outputFolder,
		TotalImages:  len(uploads),
		DurationMS:   time.Since(start).Milliseconds(),
	}

	if err != nil {
		code := errorStatus(err)
		run.Error = err.Error()
		s.PublishEvent(service.EventTypeBatchFailed, state.RunEventData(run))
		if code == http.StatusInternalServerError {
			s.LogError("Batch prediction failed", err, "model_folder", modelFolder, "request_id", run.RequestID)
		} else {
			s.LogWarn("Batch prediction rejected", "model_folder", modelFolder, "status", code, "detail", err.Error())
		}
		abortWithDetail(c, code, err.Error())
		return
	}

	run.TotalImages = resp.Stats.TotalImages
	run.TotalDetections = resp.Stats.TotalDetections
	run.ImagesWithNoDetections = resp.Stats.ImagesWithNoDetections
	run.FailedImages = len(resp.Stats.FailedImages)
	run.SummaryPath = resp.SummaryJSONPath
	s.PublishEvent(service.EventTypeBatchCompleted, state.RunEventData(run))

	c.JSON(http.StatusOK, resp)
}

// handleHealth handles the health check endpoint
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "web-server",
	})
}

// handleStatus handles the system status endpoint
func (s *Server) handleStatus(c *gin.Context) {
	uptime := time.Since(s.startTime)

	health := "healthy"
	if s.GetStatus().GetStatus() != service.StatusRunning {
		health = "unhealthy"
	}

	body := gin.H{
		"status":         health,
		"uptime":         uptime.Round(time.Second).String(),
		"uptime_seconds": int64(uptime.Seconds()),
		"version":        s.version,
		"timestamp":      time.Now().Format(time.RFC3339),
		"backend":        s.Config().Detector.Backend,
	}
	if s.pipeline != nil && s.pipeline.Models != nil {
		body["cached_models"] = s.pipeline.Models.Folders()
	}
	if s.history != nil {
		if stats, err := s.history.GetStats(c.Request.Context()); err == nil {
			body["history"] = stats
		} else {
			s.LogWarn("Failed to read history stats", "error", err)
		}
	}

	c.JSON(http.StatusOK, body)
}

func (s *Server) handleMetrics(c *gin.Context) {
	if s.telemetry == nil {
		abortWithDetail(c, http.StatusServiceUnavailable, "Telemetry is disabled")
		return
	}
	c.JSON(http.StatusOK, s.telemetry.Collect(c.Request.Context()))
}

func (s *Server) handleListModels(c *gin.Context) {
	if s.modelsSvc == nil {
		abortWithDetail(c, http.StatusServiceUnavailable, "Model registry not available")
		return
	}
	models, err := s.modelsSvc.ListModels()
	if err != nil {
		abortWithDetail(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"root":   s.modelsSvc.Root(),
		"count":  len(models),
		"models": models,
	})
}

func (s *Server) handleGetModel(c *gin.Context) {
	if s.modelsSvc == nil {
		abortWithDetail(c, http.StatusServiceUnavailable, "Model registry not available")
		return
	}
	model, err := s.modelsSvc.GetModel(c.Param("name"))
	if errors.Is(err, storage.ErrModelNotFound) {
		abortWithDetail(c, http.StatusNotFound, "Model '"+c.Param("name")+"' not found.")
		return
	}
	if err != nil {
		abortWithDetail(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, model)
}

func (s *Server) handleListRuns(c *gin.Context) {
	if s.history == nil {
		abortWithDetail(c, http.StatusServiceUnavailable, "History is disabled")
		return
	}
	limit := cast.ToInt(c.Query("limit"))
	runs, err := s.history.ListRuns(c.Request.Context(), limit)
	if err != nil {
		abortWithDetail(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"count": len(runs),
		"runs":  runs,
	})
}

func (s *Server) handleGetRun(c *gin.Context) {
	if s.history == nil {
		abortWithDetail(c, http.StatusServiceUnavailable, "History is disabled")
		return
	}
	run, err := s.history.GetRun(c.Request.Context(), c.Param("id"))
	if errors.Is(err, state.ErrRunNotFound) {
		abortWithDetail(c, http.StatusNotFound, "Run '"+c.Param("id")+"' not found.")
		return
	}
	if err != nil {
		abortWithDetail(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, run)
}
