// Package detectortest provides an in-memory detector backend for tests.
package detectortest

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/DavidBell625/Yolo-Training/internal/detector"
)

// Loader is a detector.Loader returning Models with fixed boxes
type Loader struct {
	// Weights is the weights file name, best.pt when empty
	Weights string
	Names   map[int]string
	// Boxes maps an image base name to its detections. Images not listed
	// have no detections.
	Boxes map[string][]detector.Box
	// LoadDelay slows down Load to widen race windows
	LoadDelay time.Duration
	// LoadErr makes Load fail
	LoadErr error
	// PredictDelay is how long Predict takes unless its context ends first
	PredictDelay time.Duration

	loads  atomic.Int32
	mu     sync.Mutex
	models []*Model
}

func (l *Loader) WeightsFile() string {
	if l.Weights == "" {
		return "best.pt"
	}
	return l.Weights
}

func (l *Loader) Load(ctx context.Context, weightsPath string) (detector.Model, error) {
	l.loads.Add(1)
	if l.LoadDelay > 0 {
		time.Sleep(l.LoadDelay)
	}
	if l.LoadErr != nil {
		return nil, l.LoadErr
	}
	m := &Model{WeightsPath: weightsPath, names: l.Names, boxes: l.Boxes, delay: l.PredictDelay}
	l.mu.Lock()
	l.models = append(l.models, m)
	l.mu.Unlock()
	return m, nil
}

// Loads returns how many times Load was called
func (l *Loader) Loads() int {
	return int(l.loads.Load())
}

// Models returns every model handed out so far
func (l *Loader) Models() []*Model {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Model(nil), l.models...)
}

// Model is a fake detector.Model
type Model struct {
	WeightsPath string

	names  map[int]string
	boxes  map[string][]detector.Box
	delay  time.Duration
	mu     sync.Mutex
	calls  []detector.Thresholds
	closed bool
}

func (m *Model) Predict(ctx context.Context, in detector.Input, th detector.Thresholds) ([]detector.Box, error) {
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, detector.ErrModelClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.calls = append(m.calls, th)

	name := strings.TrimSuffix(filepath.Base(in.Path), filepath.Ext(in.Path))
	return append([]detector.Box(nil), m.boxes[name]...), nil
}

func (m *Model) Names() map[int]string {
	return m.names
}

func (m *Model) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Closed reports whether Close was called
func (m *Model) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Calls returns the thresholds of every Predict call
func (m *Model) Calls() []detector.Thresholds {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]detector.Thresholds(nil), m.calls...)
}
