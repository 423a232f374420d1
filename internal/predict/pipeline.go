// Package predict runs batch detection over uploaded images and builds the
// per-image and batch statistics returned to clients.
package predict

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/DavidBell625/Yolo-Training/internal/detector"
	"github.com/DavidBell625/Yolo-Training/internal/imageio"
	"github.com/DavidBell625/Yolo-Training/internal/logger"
	"github.com/DavidBell625/Yolo-Training/internal/modelcache"
)

// Policy decides what happens when an upload cannot be decoded
type Policy string

const (
	// PolicyAbort fails the whole request. Files saved before the failing
	// upload stay on disk.
	PolicyAbort Policy = "abort"
	// PolicySkip records the upload in failed_images and continues
	PolicySkip Policy = "skip"
)

// ImageError reports an upload that is not a readable image
type ImageError struct {
	Filename string
	Err      error
}

func (e *ImageError) Error() string {
	return fmt.Sprintf("Unable to read image %s", e.Filename)
}

func (e *ImageError) Unwrap() error {
	return imageio.ErrUnreadableImage
}

// Upload is one uploaded file
type Upload struct {
	Filename string
	Open     func() (io.ReadCloser, error)
}

// Request is one batch prediction
type Request struct {
	ModelFolder  string
	InputFolder  string
	OutputFolder string
	Files        []Upload
}

// Settings are the request handling knobs that may change while serving.
// A batch uses the settings current when it started.
type Settings struct {
	Thresholds  detector.Thresholds
	JPEGQuality int
	Policy      Policy
}

// DefaultSettings returns the default thresholds, JPEG quality and abort policy
func DefaultSettings() Settings {
	return Settings{
		Thresholds:  detector.DefaultThresholds(),
		JPEGQuality: imageio.DefaultJPEGQuality,
		Policy:      PolicyAbort,
	}
}

// Pipeline runs batch predictions against cached models
type Pipeline struct {
	Models *modelcache.Cache

	mu       sync.RWMutex
	settings Settings
	logger   *logger.Logger
}

// NewPipeline creates a pipeline with the default settings
func NewPipeline(models *modelcache.Cache, log *logger.Logger) *Pipeline {
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &Pipeline{
		Models:   models,
		settings: DefaultSettings(),
		logger:   log,
	}
}

// Settings returns the current settings
func (p *Pipeline) Settings() Settings {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.settings
}

// Apply replaces the settings used by batches started from now on
func (p *Pipeline) Apply(set Settings) {
	p.mu.Lock()
	p.settings = set
	p.mu.Unlock()
	p.logger.Info("Prediction settings applied",
		"iou", set.Thresholds.IoU,
		"confidence", set.Thresholds.Confidence,
		"jpeg_quality", set.JPEGQuality,
		"on_decode_error", string(set.Policy),
	)
}

// Run processes every upload in order and writes the summary file to the
// output folder.
func (p *Pipeline) Run(ctx context.Context, req Request) (*Response, error) {
	handle, err := p.Models.GetOrLoad(ctx, req.ModelFolder)
	if err != nil {
		return nil, err
	}

	for _, dir := range []string{req.InputFolder, req.OutputFolder} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create folder %s: %w", dir, err)
		}
	}

	set := p.Settings()
	batch := NewBatchAccumulator()
	results := make([]ImageResult, 0, len(req.Files))

	for _, up := range req.Files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		result, err := p.processImage(ctx, handle, set, req, up)
		var imgErr *ImageError
		if errors.As(err, &imgErr) && set.Policy == PolicySkip {
			p.logger.Warn("Skipping unreadable image", "filename", imgErr.Filename, "error", imgErr.Err)
			batch.AddFailure(imgErr.Filename, imgErr.Err)
			continue
		}
		if err != nil {
			return nil, err
		}

		batch.AddImage(result.Stats)
		results = append(results, *result)
	}

	summary := Summary{Stats: batch.Stats(), Results: results}
	path, err := WriteSummary(req.OutputFolder, summary)
	if err != nil {
		return nil, err
	}

	p.logger.Info("Batch prediction completed",
		"model_folder", handle.Folder,
		"images", summary.Stats.TotalImages,
		"detections", summary.Stats.TotalDetections,
		"failed", len(summary.Stats.FailedImages),
	)

	return &Response{Summary: summary, SummaryJSONPath: path}, nil
}

func (p *Pipeline) processImage(ctx context.Context, handle *modelcache.Handle, set Settings, req Request, up Upload) (*ImageResult, error) {
	start := time.Now()
	name := filepath.Base(up.Filename)
	if name == "." || name == string(filepath.Separator) {
		return nil, &ImageError{Filename: up.Filename, Err: errors.New("invalid file name")}
	}

	inputPath := filepath.Join(req.InputFolder, name)
	size, err := saveUpload(up, inputPath)
	if err != nil {
		return nil, err
	}

	img, err := imageio.DecodeFile(inputPath)
	if err != nil {
		return nil, &ImageError{Filename: name, Err: err}
	}
	bounds := img.Bounds()

	boxes, err := handle.Model.Predict(ctx, detector.Input{Path: inputPath, Image: img}, set.Thresholds)
	if err != nil {
		return nil, fmt.Errorf("prediction failed for %s: %w", name, err)
	}

	names := handle.Names()
	acc := NewImageAccumulator(bounds.Dx(), bounds.Dy())
	labels := make([]imageio.Label, 0, len(boxes))
	for _, b := range boxes {
		class := detector.ClassName(names, b.ClassID)
		acc.Add(class, b)
		labels = append(labels, imageio.Label{
			ClassID:    b.ClassID,
			Name:       class,
			Confidence: b.Confidence,
			X1:         b.X1, Y1: b.Y1, X2: b.X2, Y2: b.Y2,
		})
	}

	annotated := imageio.Annotate(img, labels)
	outputPath := filepath.Join(req.OutputFolder, name)
	if err := imageio.Save(annotated, outputPath, set.JPEGQuality); err != nil {
		return nil, err
	}
	encoded, err := imageio.EncodeJPEG(annotated, set.JPEGQuality)
	if err != nil {
		return nil, err
	}

	stats := acc.Stats()
	stats.Filename = name
	stats.SizeBytes = size
	stats.ProcessingTimeSec = round(time.Since(start).Seconds(), 4)

	p.logger.Debug("Image processed",
		"filename", name,
		"detections", stats.DetectionsCount,
		"duration", time.Since(start),
	)

	return &ImageResult{
		Image:           name,
		Detections:      acc.Detections(),
		AnnotatedImage:  base64.StdEncoding.EncodeToString(encoded),
		Stats:           stats,
		SavedInputPath:  inputPath,
		SavedOutputPath: outputPath,
	}, nil
}

// saveUpload copies the upload to path and returns the number of bytes written
func saveUpload(up Upload, path string) (int64, error) {
	src, err := up.Open()
	if err != nil {
		return 0, fmt.Errorf("failed to open upload %s: %w", up.Filename, err)
	}
	defer src.Close()

	dst, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("failed to create %s: %w", path, err)
	}
	n, err := io.Copy(dst, src)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, fmt.Errorf("failed to save upload %s: %w", up.Filename, err)
	}
	return n, nil
}
