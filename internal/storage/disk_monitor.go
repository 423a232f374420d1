package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/DavidBell625/Yolo-Training/internal/logger"
)

// DiskMonitor reports usage of the filesystem holding a folder
type DiskMonitor struct {
	path            string
	maxUsagePercent float64
	logger          *logger.Logger
	cacheDuration   time.Duration

	mu          sync.RWMutex
	lastCheck   time.Time
	cachedUsage *DiskUsage
}

// DiskUsage contains disk usage information
type DiskUsage struct {
	TotalBytes     int64   `json:"total_bytes"`
	UsedBytes      int64   `json:"used_bytes"`
	AvailableBytes int64   `json:"available_bytes"`
	UsagePercent   float64 `json:"usage_percent"`
}

// NewDiskMonitor creates a monitor for path. Results are cached for 30s.
func NewDiskMonitor(path string, maxUsagePercent float64, log *logger.Logger) *DiskMonitor {
	if maxUsagePercent <= 0 || maxUsagePercent > 100 {
		maxUsagePercent = 95
	}
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &DiskMonitor{
		path:            path,
		maxUsagePercent: maxUsagePercent,
		logger:          log,
		cacheDuration:   30 * time.Second,
	}
}

// Path returns the monitored folder
func (d *DiskMonitor) Path() string {
	return d.path
}

// MaxUsagePercent is the usage above which the disk counts as full
func (d *DiskMonitor) MaxUsagePercent() float64 {
	return d.maxUsagePercent
}

// GetUsage returns current disk usage
func (d *DiskMonitor) GetUsage(ctx context.Context) (*DiskUsage, error) {
	d.mu.RLock()
	if d.cachedUsage != nil && time.Since(d.lastCheck) < d.cacheDuration {
		usage := *d.cachedUsage
		d.mu.RUnlock()
		return &usage, nil
	}
	d.mu.RUnlock()

	usage, err := d.getDiskUsage()
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.cachedUsage = usage
	d.lastCheck = time.Now()
	d.mu.Unlock()

	d.logger.Debug("Disk usage refreshed", "path", d.path, "usage_percent", usage.UsagePercent)
	return usage, nil
}

// IsDiskFull returns true if disk usage exceeds the limit
func (d *DiskMonitor) IsDiskFull(ctx context.Context) (bool, error) {
	usage, err := d.GetUsage(ctx)
	if err != nil {
		return false, err
	}
	return usage.UsagePercent >= d.maxUsagePercent, nil
}

// getDiskUsage stats the nearest existing ancestor of the path, so folders
// that are created on first request can be monitored up front.
func (d *DiskMonitor) getDiskUsage() (*DiskUsage, error) {
	absPath, err := filepath.Abs(d.path)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}
	for {
		if _, err := os.Stat(absPath); err == nil {
			break
		}
		parent := filepath.Dir(absPath)
		if parent == absPath {
			break
		}
		absPath = parent
	}

	var stat syscall.Statfs_t
	if err := syscall.Statfs(absPath, &stat); err != nil {
		return nil, fmt.Errorf("failed to stat filesystem: %w", err)
	}

	totalBytes := int64(stat.Blocks) * int64(stat.Bsize)
	availableBytes := int64(stat.Bavail) * int64(stat.Bsize)
	usedBytes := totalBytes - availableBytes

	usagePercent := 0.0
	if totalBytes > 0 {
		usagePercent = float64(usedBytes) / float64(totalBytes) * 100.0
	}

	return &DiskUsage{
		TotalBytes:     totalBytes,
		UsedBytes:      usedBytes,
		AvailableBytes: availableBytes,
		UsagePercent:   usagePercent,
	}, nil
}
