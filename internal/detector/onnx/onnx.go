// Package onnx runs YOLOv8 models exported to ONNX in process with the
// OpenCV DNN module.
package onnx

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sync"

	"github.com/DavidBell625/Yolo-Training/internal/detector"
	"github.com/DavidBell625/Yolo-Training/internal/logger"
	"gocv.io/x/gocv"
)

// Config configures the ONNX backend
type Config struct {
	WeightsFile string
	InputSize   int
	// Target is cpu, cuda or opencl
	Target string
}

// Loader loads ONNX exported YOLOv8 models
type Loader struct {
	cfg    Config
	logger *logger.Logger
}

// NewLoader creates an ONNX loader
func NewLoader(cfg Config, log *logger.Logger) *Loader {
	if cfg.WeightsFile == "" {
		cfg.WeightsFile = "best.onnx"
	}
	if cfg.InputSize <= 0 {
		cfg.InputSize = 640
	}
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &Loader{cfg: cfg, logger: log}
}

// WeightsFile returns the weights file name expected in a model folder
func (l *Loader) WeightsFile() string {
	return l.cfg.WeightsFile
}

// Load reads the network and the label table stored next to it
func (l *Loader) Load(ctx context.Context, weightsPath string) (detector.Model, error) {
	if _, err := os.Stat(weightsPath); err != nil {
		return nil, fmt.Errorf("weights not readable: %w", err)
	}

	names, err := detector.LoadNames(filepath.Dir(weightsPath))
	if err != nil {
		return nil, err
	}

	net := gocv.ReadNetFromONNX(weightsPath)
	if net.Empty() {
		return nil, fmt.Errorf("failed to load network from %s", weightsPath)
	}

	backend, target := gocv.NetBackendDefault, gocv.NetTargetCPU
	switch l.cfg.Target {
	case "cuda":
		backend, target = gocv.NetBackendCUDA, gocv.NetTargetCUDA
	case "opencl":
		target = gocv.NetTargetFP32
	}
	if err := net.SetPreferableBackend(backend); err != nil {
		net.Close()
		return nil, fmt.Errorf("failed to set network backend: %w", err)
	}
	if err := net.SetPreferableTarget(target); err != nil {
		net.Close()
		return nil, fmt.Errorf("failed to set network target: %w", err)
	}

	l.logger.Info("ONNX model loaded",
		"weights", weightsPath,
		"classes", len(names),
		"input_size", l.cfg.InputSize,
		"target", l.cfg.Target,
	)

	return &model{net: net, names: names, inputSize: l.cfg.InputSize}, nil
}

// model wraps a gocv.Net. Net is not safe for concurrent use, so inference
// is serialized.
type model struct {
	mu        sync.Mutex
	net       gocv.Net
	names     map[int]string
	inputSize int
	closed    bool
}

func (m *model) Names() map[int]string {
	return m.names
}

func (m *model) Predict(ctx context.Context, in detector.Input, th detector.Thresholds) ([]detector.Box, error) {
	src, err := toMat(in)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, detector.ErrModelClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	width, height := src.Cols(), src.Rows()
	side := max(width, height)

	square := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(114, 114, 114, 0), side, side, gocv.MatTypeCV8UC3)
	defer square.Close()
	roi := square.Region(image.Rect(0, 0, width, height))
	src.CopyTo(&roi)
	roi.Close()

	blob := gocv.BlobFromImage(square, 1.0/255.0, image.Pt(m.inputSize, m.inputSize), gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	m.net.SetInput(blob, "")
	output := m.net.Forward("")
	defer output.Close()

	dims := output.Size()
	if len(dims) != 3 {
		return nil, fmt.Errorf("unexpected output shape %v", dims)
	}
	data, err := output.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("failed to read network output: %w", err)
	}

	lb := detector.Letterbox{SourceWidth: width, SourceHeight: height, InputSize: m.inputSize}
	candidates := detector.DecodeYOLOv8(data, dims[1], dims[2], th.Confidence, lb)
	if len(candidates) == 0 {
		return []detector.Box{}, nil
	}

	rects := make([]image.Rectangle, len(candidates))
	scores := make([]float32, len(candidates))
	for i, c := range candidates {
		rects[i] = detector.NMSRect(c)
		scores[i] = float32(c.Confidence)
	}
	keep := gocv.NMSBoxes(rects, scores, float32(th.Confidence), float32(th.IoU))

	boxes := make([]detector.Box, 0, len(keep))
	for _, idx := range keep {
		if len(boxes) == detector.MaxDetections {
			break
		}
		boxes = append(boxes, candidates[idx])
	}
	return boxes, nil
}

func (m *model) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	return m.net.Close()
}

// toMat converts the input to a BGR Mat, preferring the decoded image so
// EXIF orientation applied during decoding is kept.
func toMat(in detector.Input) (gocv.Mat, error) {
	if in.Image != nil {
		// ImageToMatRGB stores channels in BGR order like IMRead
		mat, err := gocv.ImageToMatRGB(in.Image)
		if err != nil {
			return gocv.Mat{}, fmt.Errorf("failed to convert image: %w", err)
		}
		return mat, nil
	}
	if in.Path == "" {
		return gocv.Mat{}, errors.New("no image provided")
	}
	mat := gocv.IMRead(in.Path, gocv.IMReadColor)
	if mat.Empty() {
		mat.Close()
		return gocv.Mat{}, fmt.Errorf("failed to read image %s", in.Path)
	}
	return mat, nil
}
