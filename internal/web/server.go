// Package web serves the batch prediction endpoint and the operational API.
package web

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/DavidBell625/Yolo-Training/internal/config"
	"github.com/DavidBell625/Yolo-Training/internal/detector"
	"github.com/DavidBell625/Yolo-Training/internal/health"
	"github.com/DavidBell625/Yolo-Training/internal/logger"
	"github.com/DavidBell625/Yolo-Training/internal/predict"
	"github.com/DavidBell625/Yolo-Training/internal/service"
	"github.com/DavidBell625/Yolo-Training/internal/state"
	"github.com/DavidBell625/Yolo-Training/internal/storage"
	"github.com/DavidBell625/Yolo-Training/internal/telemetry"
	"github.com/gin-gonic/gin"
)

// Server represents the web server service
type Server struct {
	*service.ServiceBase
	config     atomic.Pointer[config.Config]
	logger     *logger.Logger
	httpServer *http.Server
	router     *gin.Engine
	routesOnce sync.Once
	addr       string

	pipeline  *predict.Pipeline
	modelsSvc *storage.ModelStore // Optional model registry
	history   *state.Manager      // Optional run history
	healthMgr *health.Manager     // Optional readiness checks
	disk      *storage.DiskMonitor
	telemetry *telemetry.Collector
	version   string
	startTime time.Time
}

// NewServer creates a new web server service
func NewServer(cfg *config.Config, pipeline *predict.Pipeline, log *logger.Logger) *Server {
	if log == nil {
		log = logger.NewNopLogger()
	}

	// Debug mode can be enabled via GIN_MODE environment variable
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(requestIDMiddleware())
	router.Use(ginLogger(log))
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	s := &Server{
		ServiceBase: service.NewServiceBase("web-server", log),
		logger:      log,
		router:      router,
		pipeline:    pipeline,
		version:     "dev",
		startTime:   time.Now(),
	}
	s.config.Store(cfg)
	return s
}

// PipelineSettings converts the predict section into pipeline settings
func PipelineSettings(cfg config.PredictConfig) predict.Settings {
	return predict.Settings{
		Thresholds: detector.Thresholds{
			IoU:        cfg.IoUThreshold,
			Confidence: cfg.ConfidenceThreshold,
		},
		JPEGQuality: cfg.JPEGQuality,
		Policy:      predict.Policy(cfg.OnDecodeError),
	}
}

// ApplyConfig switches request handling to cfg: default folders, upload
// limit and the pipeline settings. The listen address and timeouts only
// change on restart.
func (s *Server) ApplyConfig(cfg *config.Config) {
	s.config.Store(cfg)
	s.pipeline.Apply(PipelineSettings(cfg.Predict))
}

// Config returns the configuration requests are currently served with
func (s *Server) Config() *config.Config {
	return s.config.Load()
}

// SetVersion sets the application version
func (s *Server) SetVersion(version string) {
	s.version = version
}

// SetModelStore enables the model listing endpoints
func (s *Server) SetModelStore(store *storage.ModelStore) {
	s.modelsSvc = store
}

// SetHistory enables the run history endpoints
func (s *Server) SetHistory(history *state.Manager) {
	s.history = history
}

// SetDiskMonitor rejects batches while the output disk is full
func (s *Server) SetDiskMonitor(monitor *storage.DiskMonitor) {
	s.disk = monitor
}

// SetTelemetry enables the metrics endpoint
func (s *Server) SetTelemetry(collector *telemetry.Collector) {
	s.telemetry = collector
}

// SetHealthManager enables the /health endpoints
func (s *Server) SetHealthManager(mgr *health.Manager) {
	s.healthMgr = mgr
}

// Handler returns the HTTP handler with all routes registered
func (s *Server) Handler() http.Handler {
	s.setupRoutes()
	return s.router
}

// Addr returns the address the server listens on once started
func (s *Server) Addr() string {
	return s.addr
}

// Start binds the listen address and serves in the background
func (s *Server) Start(ctx context.Context) error {
	s.setupRoutes()

	cfg := s.Config()
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.addr = ln.Addr().String()

	// WriteTimeout is disabled: a batch takes as long as inference takes
	s.httpServer = &http.Server{
		Handler:     s.router,
		ReadTimeout: cfg.Server.ReadTimeout,
		IdleTimeout: cfg.Server.IdleTimeout,
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.LogError("Web server error", err, "address", s.addr)
			s.GetStatus().SetError(err)
		}
	}()

	s.GetStatus().SetStatus(service.StatusRunning)
	s.LogInfo("Web server started", "address", s.addr)
	return nil
}

// Stop stops the web server
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}

	s.LogInfo("Stopping web server")
	s.GetStatus().SetStatus(service.StatusStopping)
	err := s.httpServer.Shutdown(ctx)
	s.GetStatus().SetStatus(service.StatusStopped)
	return err
}

// setupRoutes registers all routes once
func (s *Server) setupRoutes() {
	s.routesOnce.Do(func() {
		s.router.MaxMultipartMemory = 32 << 20

		s.router.POST("/predict_batch", s.handlePredictBatch)

		api := s.router.Group("/api")
		{
			api.GET("/health", s.handleHealth)
			api.GET("/status", s.handleStatus)
			api.GET("/metrics", s.handleMetrics)

			models := api.Group("/models")
			{
				models.GET("", s.handleListModels)
				models.GET("/:name", s.handleGetModel)
			}

			runs := api.Group("/runs")
			{
				runs.GET("", s.handleListRuns)
				runs.GET("/:id", s.handleGetRun)
			}
		}

		if s.healthMgr != nil {
			s.router.GET("/health", gin.WrapF(s.healthMgr.HandleHealth))
			s.router.GET("/health/live", gin.WrapF(s.healthMgr.HandleLiveness))
			s.router.GET("/health/ready", gin.WrapF(s.healthMgr.HandleReadiness))
			s.router.GET("/health/services", gin.WrapF(s.healthMgr.HandleServices))
		}

		s.router.NoRoute(func(c *gin.Context) {
			c.JSON(http.StatusNotFound, gin.H{"detail": "Not Found"})
		})
	})
}
