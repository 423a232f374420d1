// Package modelcache keeps loaded detection models keyed by the folder they
// were loaded from.
package modelcache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/DavidBell625/Yolo-Training/internal/detector"
	"github.com/DavidBell625/Yolo-Training/internal/logger"
	"github.com/DavidBell625/Yolo-Training/internal/service"
	"go.uber.org/multierr"
)

var (
	// ErrFolderNotFound is returned when the model folder does not exist
	ErrFolderNotFound = errors.New("model folder not found")
	// ErrWeightsNotFound is returned when the folder has no weights file
	ErrWeightsNotFound = errors.New("weights file not found")
)

// notFoundError carries the client facing message and unwraps to a sentinel
type notFoundError struct {
	msg  string
	kind error
}

func (e *notFoundError) Error() string { return e.msg }
func (e *notFoundError) Unwrap() error { return e.kind }

// IsNotFound reports whether err means the model folder or its weights are missing
func IsNotFound(err error) bool {
	return errors.Is(err, ErrFolderNotFound) || errors.Is(err, ErrWeightsNotFound)
}

// Handle is a loaded model and the folder it came from
type Handle struct {
	Folder      string
	WeightsPath string
	Model       detector.Model
	LoadedAt    time.Time
}

// Names returns the label table of the model
func (h *Handle) Names() map[int]string {
	return h.Model.Names()
}

// Cache loads each model folder at most once and keeps the result for the
// lifetime of the process. Entries are never evicted; a model whose runtime
// died is reloaded on the next lookup.
type Cache struct {
	*service.ServiceBase

	loader detector.Loader

	mu      sync.Mutex
	handles map[string]*Handle
	closed  bool
}

// New creates a cache that loads models with loader
func New(loader detector.Loader, log *logger.Logger) *Cache {
	return &Cache{
		ServiceBase: service.NewServiceBase("model-cache", log),
		loader:      loader,
		handles:     make(map[string]*Handle),
	}
}

// WeightsFile returns the weights file name expected in a model folder
func (c *Cache) WeightsFile() string {
	return c.loader.WeightsFile()
}

// Start marks the cache as running. Models are loaded lazily.
func (c *Cache) Start(ctx context.Context) error {
	c.GetStatus().SetStatus(service.StatusRunning)
	c.LogInfo("Model cache started", "weights_file", c.loader.WeightsFile())
	return nil
}

// Stop closes every cached model
func (c *Cache) Stop(ctx context.Context) error {
	c.GetStatus().SetStatus(service.StatusStopping)
	err := c.Close()
	c.GetStatus().SetStatus(service.StatusStopped)
	return err
}

// GetOrLoad returns the handle for folder, loading it on first use. The
// lookup, the load and the insert happen under one lock, so concurrent
// callers for an unseen folder trigger a single load and all observe the
// same handle.
func (c *Cache) GetOrLoad(ctx context.Context, folder string) (*Handle, error) {
	info, err := os.Stat(folder)
	if err != nil || !info.IsDir() {
		return nil, &notFoundError{
			msg:  fmt.Sprintf("Model folder '%s' not found.", folder),
			kind: ErrFolderNotFound,
		}
	}

	weightsFile := c.loader.WeightsFile()
	weightsPath := filepath.Join(folder, weightsFile)
	if info, err := os.Stat(weightsPath); err != nil || info.IsDir() {
		return nil, &notFoundError{
			msg:  fmt.Sprintf("'%s' not found in model folder '%s'.", weightsFile, folder),
			kind: ErrWeightsNotFound,
		}
	}

	key, err := filepath.Abs(folder)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve model folder: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, detector.ErrModelClosed
	}
	if h, ok := c.handles[key]; ok {
		if !detector.IsClosed(h.Model) {
			return h, nil
		}
		c.LogWarn("Cached model is no longer usable, reloading", "folder", key)
		if err := h.Model.Close(); err != nil {
			c.LogWarn("Failed to close dead model", "folder", key, "error", err)
		}
		delete(c.handles, key)
	}

	start := time.Now()
	model, err := c.loader.Load(ctx, filepath.Join(key, weightsFile))
	if err != nil {
		c.LogError("Failed to load model", err, "folder", key)
		return nil, fmt.Errorf("failed to load model from '%s': %w", folder, err)
	}

	h := &Handle{
		Folder:      key,
		WeightsPath: filepath.Join(key, weightsFile),
		Model:       model,
		LoadedAt:    time.Now(),
	}
	c.handles[key] = h

	c.LogInfo("Model loaded",
		"folder", key,
		"classes", len(model.Names()),
		"duration", time.Since(start),
	)
	c.PublishEvent(service.EventTypeModelLoaded, map[string]interface{}{
		"folder":      key,
		"weights":     h.WeightsPath,
		"classes":     len(model.Names()),
		"duration_ms": time.Since(start).Milliseconds(),
	})
	return h, nil
}

// Len returns the number of cached models
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.handles)
}

// Folders returns the cached model folders in sorted order
func (c *Cache) Folders() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	folders := make([]string, 0, len(c.handles))
	for k := range c.handles {
		folders = append(folders, k)
	}
	sort.Strings(folders)
	return folders
}

// Close closes all cached models. Further loads fail.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	var err error
	for key, h := range c.handles {
		if cerr := h.Model.Close(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("close %s: %w", key, cerr))
		}
	}
	c.handles = make(map[string]*Handle)
	return err
}
