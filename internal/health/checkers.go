package health

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/DavidBell625/Yolo-Training/internal/storage"
	_ "github.com/mattn/go-sqlite3"
)

func newCheck(name string) Check {
	return Check{
		Name:      name,
		Timestamp: time.Now(),
		Details:   make(map[string]interface{}),
	}
}

// DatabaseChecker checks the history database
type DatabaseChecker struct {
	dbPath string
}

func NewDatabaseChecker(dbPath string) *DatabaseChecker {
	return &DatabaseChecker{dbPath: dbPath}
}

func (c *DatabaseChecker) Name() string {
	return "database"
}

func (c *DatabaseChecker) Check(ctx context.Context) Check {
	check := newCheck(c.Name())

	if c.dbPath == "" {
		check.Status = StatusDegraded
		check.Message = "Database path not configured"
		return check
	}

	if _, err := os.Stat(c.dbPath); os.IsNotExist(err) {
		check.Status = StatusHealthy
		check.Message = "Database file will be created on first use"
		check.Details["file_exists"] = false
		return check
	}

	db, err := sql.Open("sqlite3", c.dbPath)
	if err != nil {
		check.Status = StatusUnhealthy
		check.Message = fmt.Sprintf("Failed to open database: %v", err)
		return check
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		check.Status = StatusUnhealthy
		check.Message = fmt.Sprintf("Database ping failed: %v", err)
		return check
	}

	check.Status = StatusHealthy
	check.Message = "Database connection OK"
	check.Details["file_exists"] = true
	return check
}

// FoldersChecker checks that the default input and output folders can be created
type FoldersChecker struct {
	inputDir  string
	outputDir string
}

func NewFoldersChecker(inputDir, outputDir string) *FoldersChecker {
	return &FoldersChecker{inputDir: inputDir, outputDir: outputDir}
}

func (c *FoldersChecker) Name() string {
	return "folders"
}

func (c *FoldersChecker) Check(ctx context.Context) Check {
	check := newCheck(c.Name())

	for key, dir := range map[string]string{"input_dir": c.inputDir, "output_dir": c.outputDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			check.Status = StatusDegraded
			check.Message = fmt.Sprintf("Failed to create %s: %v", dir, err)
			return check
		}
		check.Details[key] = dir
	}

	check.Status = StatusHealthy
	check.Message = "Default folders accessible"
	return check
}

// ModelsChecker checks the models root
type ModelsChecker struct {
	store *storage.ModelStore
}

func NewModelsChecker(store *storage.ModelStore) *ModelsChecker {
	return &ModelsChecker{store: store}
}

func (c *ModelsChecker) Name() string {
	return "models"
}

// Check is degraded rather than unhealthy on problems, since requests may
// name model folders outside the root.
func (c *ModelsChecker) Check(ctx context.Context) Check {
	check := newCheck(c.Name())
	check.Details["root"] = c.store.Root()

	if info, err := os.Stat(c.store.Root()); err != nil || !info.IsDir() {
		check.Status = StatusDegraded
		check.Message = "Models root not found"
		return check
	}

	models, err := c.store.ListModels()
	if err != nil {
		check.Status = StatusDegraded
		check.Message = fmt.Sprintf("Failed to list models: %v", err)
		return check
	}

	check.Details["models"] = len(models)
	check.Status = StatusHealthy
	check.Message = fmt.Sprintf("%d models available", len(models))
	return check
}

// DiskChecker checks free space where annotated images are written
type DiskChecker struct {
	monitor *storage.DiskMonitor
}

func NewDiskChecker(monitor *storage.DiskMonitor) *DiskChecker {
	return &DiskChecker{monitor: monitor}
}

func (c *DiskChecker) Name() string {
	return "disk"
}

func (c *DiskChecker) Check(ctx context.Context) Check {
	check := newCheck(c.Name())
	check.Details["path"] = c.monitor.Path()

	usage, err := c.monitor.GetUsage(ctx)
	if err != nil {
		check.Status = StatusDegraded
		check.Message = fmt.Sprintf("Failed to read disk usage: %v", err)
		return check
	}
	check.Details["usage_percent"] = usage.UsagePercent
	check.Details["available_bytes"] = usage.AvailableBytes

	if usage.UsagePercent >= c.monitor.MaxUsagePercent() {
		check.Status = StatusUnhealthy
		check.Message = fmt.Sprintf("Disk usage %.1f%% above limit %.1f%%", usage.UsagePercent, c.monitor.MaxUsagePercent())
		return check
	}

	check.Status = StatusHealthy
	check.Message = "Disk space OK"
	return check
}

// DetectorChecker checks that the detector runtime can be started
type DetectorChecker struct {
	backend string
	command []string
}

// NewDetectorChecker checks a backend. command is the worker command line
// and is ignored for in-process backends.
func NewDetectorChecker(backend string, command []string) *DetectorChecker {
	return &DetectorChecker{backend: backend, command: command}
}

func (c *DetectorChecker) Name() string {
	return "detector"
}

func (c *DetectorChecker) Check(ctx context.Context) Check {
	check := newCheck(c.Name())
	check.Details["backend"] = c.backend

	if len(c.command) == 0 {
		check.Status = StatusHealthy
		check.Message = "In-process detector"
		return check
	}

	path, err := exec.LookPath(c.command[0])
	if err != nil {
		check.Status = StatusUnhealthy
		check.Message = fmt.Sprintf("Worker command not found: %s", c.command[0])
		return check
	}

	check.Details["command"] = path
	check.Status = StatusHealthy
	check.Message = "Worker command available"
	return check
}
