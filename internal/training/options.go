// Package training drives an external YOLO trainer and reports its progress
// as newline-delimited JSON records.
package training

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"go.uber.org/multierr"
)

const (
	// ImageSize is the training resolution passed to the trainer
	ImageSize = 640
	// Workers is the dataloader worker count passed to the trainer
	Workers = 0
	// RunName is the run directory inside the project directory
	RunName = "exp"
	// ResultsFile is the per-epoch metrics file the trainer appends to
	ResultsFile = "results.csv"
	// DatasetFile is the dataset descriptor inside the dataset directory
	DatasetFile = "data.yaml"
	// DefaultTrainer is the trainer executable
	DefaultTrainer = "yolo"
)

// ModelSizes lists the accepted base model sizes
var ModelSizes = []string{"n", "s", "m", "l", "x"}

// Options describes one training run
type Options struct {
	DatasetDir     string
	ExperimentName string
	MaxEpochs      int
	BatchSize      int
	LearningRate   float64
	Resume         bool
	ModelSize      string
	// Weights overrides ModelSize when the file exists
	Weights string
}

// DefaultOptions returns options with the default hyperparameters
func DefaultOptions() Options {
	return Options{
		MaxEpochs:    100,
		BatchSize:    16,
		LearningRate: 0.01,
		ModelSize:    "s",
	}
}

// Validate checks the options
func (o Options) Validate() error {
	var err error
	if o.DatasetDir == "" {
		err = multierr.Append(err, errors.New("dataset_dir is required"))
	}
	if o.ExperimentName == "" {
		err = multierr.Append(err, errors.New("experiment_name is required"))
	}
	if o.MaxEpochs <= 0 {
		err = multierr.Append(err, fmt.Errorf("max_epochs must be positive, got %d", o.MaxEpochs))
	}
	if o.BatchSize <= 0 {
		err = multierr.Append(err, fmt.Errorf("batch_size must be positive, got %d", o.BatchSize))
	}
	if o.LearningRate <= 0 {
		err = multierr.Append(err, fmt.Errorf("learning_rate must be positive, got %g", o.LearningRate))
	}
	if !validSize(o.ModelSize) {
		err = multierr.Append(err, fmt.Errorf("model_size must be one of %v, got %q", ModelSizes, o.ModelSize))
	}
	return err
}

func validSize(size string) bool {
	for _, s := range ModelSizes {
		if s == size {
			return true
		}
	}
	return false
}

// DatasetYAML returns the dataset descriptor path
func (o Options) DatasetYAML() string {
	return filepath.Join(o.DatasetDir, DatasetFile)
}

// ProjectDir returns the trainer project directory
func (o Options) ProjectDir() string {
	return filepath.Join("runs", o.ExperimentName)
}

// ResultsPath returns the metrics file written by the trainer, relative to
// the trainer working directory
func (o Options) ResultsPath() string {
	return filepath.Join(o.ProjectDir(), RunName, ResultsFile)
}

// ResolveModel returns the explicit weights when they exist, otherwise the
// pretrained model for the configured size
func ResolveModel(o Options) string {
	if o.Weights != "" {
		if _, err := os.Stat(o.Weights); err == nil {
			return o.Weights
		}
	}
	return "yolov8" + o.ModelSize + ".pt"
}

// TrainerArgs returns the trainer command line arguments
func TrainerArgs(o Options, model string) []string {
	return []string{
		"detect",
		"train",
		"data=" + o.DatasetYAML(),
		"model=" + model,
		"epochs=" + strconv.Itoa(o.MaxEpochs),
		"imgsz=" + strconv.Itoa(ImageSize),
		"batch=" + strconv.Itoa(o.BatchSize),
		"lr0=" + strconv.FormatFloat(o.LearningRate, 'g', -1, 64),
		"resume=" + pythonBool(o.Resume),
		"project=" + o.ProjectDir(),
		"name=" + RunName,
		"exist_ok=True",
		"workers=" + strconv.Itoa(Workers),
	}
}

func pythonBool(b bool) string {
	if b {
		return "True"
	}
	return "False"
}
