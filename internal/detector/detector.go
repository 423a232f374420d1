// Package detector defines the object detection runtime abstraction and the
// backends that wrap concrete YOLO runtimes.
package detector

import (
	"context"
	"errors"
	"fmt"
	"image"
)

// Default thresholds for batch prediction
const (
	DefaultIoUThreshold        = 0.2
	DefaultConfidenceThreshold = 0.4
)

// ErrModelClosed is returned by Predict after Close or after the runtime died
var ErrModelClosed = errors.New("model is closed")

// Box is a single detection in source image pixel coordinates
type Box struct {
	ClassID    int
	Confidence float64
	X1, Y1     float64
	X2, Y2     float64
}

// Thresholds are the post-processing thresholds of one prediction
type Thresholds struct {
	IoU        float64
	Confidence float64
}

// DefaultThresholds returns the thresholds used for batch prediction
func DefaultThresholds() Thresholds {
	return Thresholds{IoU: DefaultIoUThreshold, Confidence: DefaultConfidenceThreshold}
}

// Input is one image to run detection on. Backends use whichever
// representation they need; Path is always a file on disk.
type Input struct {
	Path  string
	Image image.Image
}

// Model is a loaded detection network
type Model interface {
	// Predict runs detection on a single image
	Predict(ctx context.Context, in Input, th Thresholds) ([]Box, error)
	// Names returns the label table of the model, keyed by class id
	Names() map[int]string
	Close() error
}

// closedReporter is implemented by models whose runtime can die on its own
type closedReporter interface {
	Closed() bool
}

// IsClosed reports whether m can no longer serve predictions
func IsClosed(m Model) bool {
	if r, ok := m.(closedReporter); ok {
		return r.Closed()
	}
	return false
}

// Loader loads models from weights files
type Loader interface {
	// WeightsFile is the file name expected inside a model folder
	WeightsFile() string
	Load(ctx context.Context, weightsPath string) (Model, error)
}

// ClassName resolves a class id against a label table
func ClassName(names map[int]string, id int) string {
	if name, ok := names[id]; ok && name != "" {
		return name
	}
	return fmt.Sprintf("class_%d", id)
}
