package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"reflect"
	"syscall"

	"github.com/DavidBell625/Yolo-Training/internal/config"
	"github.com/DavidBell625/Yolo-Training/internal/detector"
	"github.com/DavidBell625/Yolo-Training/internal/detector/onnx"
	"github.com/DavidBell625/Yolo-Training/internal/health"
	"github.com/DavidBell625/Yolo-Training/internal/logger"
	"github.com/DavidBell625/Yolo-Training/internal/modelcache"
	"github.com/DavidBell625/Yolo-Training/internal/predict"
	"github.com/DavidBell625/Yolo-Training/internal/service"
	"github.com/DavidBell625/Yolo-Training/internal/state"
	"github.com/DavidBell625/Yolo-Training/internal/storage"
	"github.com/DavidBell625/Yolo-Training/internal/telemetry"
	"github.com/DavidBell625/Yolo-Training/internal/web"
)

var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.StringVar(&configPath, "c", "", "Path to configuration file (short)")
	flag.Parse()

	// Load configuration
	cfgSvc, err := config.NewService(configPath, logger.NewNopLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	cfg := cfgSvc.Get()

	// Initialize logger
	log, err := logger.New(logger.LogConfig{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	cfgSvc.SetLogger(log)

	log.Info("Starting prediction server",
		"version", version,
		"build_time", buildTime,
		"git_commit", gitCommit,
		"backend", cfg.Detector.Backend,
	)

	// Create main context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Create service manager
	svcMgr := service.NewManager(log)

	// Model cache first so it is stopped last
	cache := modelcache.New(newLoader(cfg, log), log)
	svcMgr.Register(cache)

	var history *state.Manager
	if cfg.History.Enabled {
		history, err = state.NewManager(cfg.History.DatabasePath, log)
		if err != nil {
			log.Error("Failed to open history database", "error", err)
			os.Exit(1)
		}
		// Registered before the web server: stopping it closes the database
		svcMgr.Register(state.NewHistoryRecorder(history, log))
	}

	store, err := storage.NewModelStore(cfg.Models.Root, cache.WeightsFile())
	if err != nil {
		log.Error("Failed to create model store", "error", err)
		os.Exit(1)
	}
	disk := storage.NewDiskMonitor(cfg.Predict.DefaultOutputFolder, cfg.Predict.MaxDiskUsagePercent, log)

	// Create health check manager
	healthMgr := health.NewManager(log, svcMgr)
	if history != nil {
		healthMgr.RegisterChecker(health.NewDatabaseChecker(cfg.History.DatabasePath))
	}
	healthMgr.RegisterChecker(health.NewFoldersChecker(cfg.Predict.DefaultInputFolder, cfg.Predict.DefaultOutputFolder))
	healthMgr.RegisterChecker(health.NewModelsChecker(store))
	healthMgr.RegisterChecker(health.NewDiskChecker(disk))
	if cfg.Detector.Backend == config.BackendWorker {
		healthMgr.RegisterChecker(health.NewDetectorChecker(cfg.Detector.Backend, cfg.Detector.Worker.Command))
	} else {
		healthMgr.RegisterChecker(health.NewDetectorChecker(cfg.Detector.Backend, nil))
	}

	collector := telemetry.NewCollector(&cfg.Telemetry, log, cache, store, disk)
	svcMgr.Register(collector)

	pipeline := predict.NewPipeline(cache, log)
	pipeline.Apply(web.PipelineSettings(cfg.Predict))

	server := web.NewServer(cfg, pipeline, log)
	server.SetVersion(version)
	server.SetModelStore(store)
	server.SetHealthManager(healthMgr)
	server.SetDiskMonitor(disk)
	server.SetTelemetry(collector)
	if history != nil {
		server.SetHistory(history)
	}
	svcMgr.Register(server)

	cfgSvc.Watch(func(ctx context.Context, oldConfig, newConfig *config.Config) error {
		server.ApplyConfig(newConfig)
		if err := log.SetLevel(newConfig.Log.Level); err != nil {
			log.Warn("Invalid log level, keeping the current one", "level", newConfig.Log.Level)
		}
		if pending := restartRequired(oldConfig, newConfig); len(pending) > 0 {
			log.Warn("Configuration changed, restart to apply", "settings", pending)
		}
		return nil
	})

	// Initialize and start services
	if err := svcMgr.Start(ctx); err != nil {
		log.Error("Failed to start services", "error", err)
		os.Exit(1)
	}
	if err := server.GetStatus().GetError(); err != nil {
		log.Error("Web server failed to start", "error", err)
		shutdown(svcMgr, cfg, log)
		os.Exit(1)
	}

	// Setup graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for sig := range sigChan {
		if sig == syscall.SIGHUP {
			if err := cfgSvc.Reload(ctx); err != nil {
				log.Error("Failed to reload configuration", "error", err)
			}
			continue
		}
		log.Info("Received shutdown signal", "signal", sig)
		break
	}

	if err := shutdown(svcMgr, cfg, log); err != nil {
		os.Exit(1)
	}
	log.Info("Shutdown complete")
}

func newLoader(cfg *config.Config, log *logger.Logger) detector.Loader {
	if cfg.Detector.Backend == config.BackendONNX {
		return onnx.NewLoader(onnx.Config{
			WeightsFile: cfg.Detector.ONNX.WeightsFile,
			InputSize:   cfg.Detector.ONNX.InputSize,
			Target:      cfg.Detector.ONNX.Target,
		}, log)
	}
	return detector.NewWorkerLoader(detector.WorkerLoaderConfig{
		Command:        cfg.Detector.Worker.Command,
		WeightsFile:    cfg.Detector.Worker.WeightsFile,
		StartupTimeout: cfg.Detector.Worker.StartupTimeout,
	}, log)
}

// restartRequired lists the changed settings that are only read at startup.
// Predict request settings and the log level are applied on reload.
func restartRequired(oldConfig, newConfig *config.Config) []string {
	var pending []string
	if oldConfig.Server != newConfig.Server {
		pending = append(pending, "server")
	}
	if !reflect.DeepEqual(oldConfig.Detector, newConfig.Detector) {
		pending = append(pending, "detector")
	}
	if oldConfig.Models != newConfig.Models {
		pending = append(pending, "models")
	}
	if oldConfig.History != newConfig.History {
		pending = append(pending, "history")
	}
	if oldConfig.Telemetry != newConfig.Telemetry {
		pending = append(pending, "telemetry")
	}
	// the disk monitor and the folder health check keep their startup values
	if oldConfig.Predict.DefaultInputFolder != newConfig.Predict.DefaultInputFolder ||
		oldConfig.Predict.DefaultOutputFolder != newConfig.Predict.DefaultOutputFolder ||
		oldConfig.Predict.MaxDiskUsagePercent != newConfig.Predict.MaxDiskUsagePercent {
		pending = append(pending, "predict health checks")
	}
	logOld, logNew := oldConfig.Log, newConfig.Log
	logOld.Level, logNew.Level = "", ""
	if logOld != logNew {
		pending = append(pending, "log")
	}
	return pending
}

func shutdown(svcMgr *service.Manager, cfg *config.Config, log *logger.Logger) error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := svcMgr.Shutdown(shutdownCtx); err != nil {
		log.Error("Error during shutdown", "error", err)
		return err
	}
	return nil
}
