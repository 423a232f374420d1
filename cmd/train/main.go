// Package main is the training driver CLI. Records go to stdout as one JSON
// object per line; diagnostics go to stderr.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/DavidBell625/Yolo-Training/internal/logger"
	"github.com/DavidBell625/Yolo-Training/internal/training"
)

const (
	flagDatasetDir     = "dataset_dir"
	flagExperimentName = "experiment_name"
	flagMaxEpochs      = "max_epochs"
	flagBatchSize      = "batch_size"
	flagLearningRate   = "learning_rate"
	flagResume         = "resume"
	flagModelSize      = "model_size"
	flagWeights        = "weights"
	flagTrainer        = "trainer"
	flagWorkDir        = "workdir"
)

func main() {
	defaults := training.DefaultOptions()

	app := &cli.App{
		Name:  "train",
		Usage: "train or fine-tune a YOLOv8 model",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     flagDatasetDir,
				Required: true,
				Usage:    "dataset root containing data.yaml and images/labels",
			},
			&cli.StringFlag{
				Name:     flagExperimentName,
				Required: true,
				Usage:    "experiment name, results go to runs/<name>/exp",
			},
			&cli.IntFlag{
				Name:  flagMaxEpochs,
				Value: defaults.MaxEpochs,
			},
			&cli.IntFlag{
				Name:  flagBatchSize,
				Value: defaults.BatchSize,
			},
			&cli.Float64Flag{
				Name:  flagLearningRate,
				Value: defaults.LearningRate,
			},
			&cli.BoolFlag{
				Name:  flagResume,
				Usage: "resume training from the latest checkpoint",
			},
			&cli.StringFlag{
				Name:  flagModelSize,
				Value: defaults.ModelSize,
				Usage: "YOLOv8 model size: n, s, m, l or x",
			},
			&cli.StringFlag{
				Name:  flagWeights,
				Usage: "weights `FILE` to fine-tune, overrides model_size when it exists",
			},
			&cli.StringSliceFlag{
				Name:    flagTrainer,
				Value:   cli.NewStringSlice(training.DefaultTrainer),
				Usage:   "trainer command, repeat the flag to add arguments",
				EnvVars: []string{"YOLO_TRAINER"},
			},
			&cli.StringFlag{
				Name:  flagWorkDir,
				Usage: "trainer working `DIR`, defaults to the current directory",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Training failed: %v\n", err)
		os.Exit(1)
	}
}

// newLogger keeps warnings and errors on stderr. With DEBUG set, debug and
// info lines are interleaved with the records on stdout.
func newLogger(debug bool, stdout, stderr io.Writer) *logger.Logger {
	if debug {
		return logger.NewSplit(stdout, stderr, "debug", "text")
	}
	return logger.NewWithWriter(stderr, "info", "text")
}

func run(c *cli.Context) error {
	log := newLogger(os.Getenv("DEBUG") != "", os.Stdout, os.Stderr)
	defer log.Sync()

	opts := training.Options{
		DatasetDir:     c.String(flagDatasetDir),
		ExperimentName: c.String(flagExperimentName),
		MaxEpochs:      c.Int(flagMaxEpochs),
		BatchSize:      c.Int(flagBatchSize),
		LearningRate:   c.Float64(flagLearningRate),
		Resume:         c.Bool(flagResume),
		ModelSize:      c.String(flagModelSize),
		Weights:        c.String(flagWeights),
	}
	if err := opts.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	driver := training.NewDriver(opts, training.NewEmitter(os.Stdout), log)
	driver.Trainer = c.StringSlice(flagTrainer)
	driver.WorkDir = c.String(flagWorkDir)

	return driver.Run(ctx)
}
