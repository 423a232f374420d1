// Package main posts a folder of images to a running prediction server and
// prints a short report.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/DavidBell625/Yolo-Training/internal/client"
	"github.com/DavidBell625/Yolo-Training/internal/logger"
	"github.com/DavidBell625/Yolo-Training/internal/predict"
)

func main() {
	app := &cli.App{
		Name:  "predict",
		Usage: "run a folder of images through /predict_batch",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "server",
				Value: "http://localhost:8000",
				Usage: "prediction server base URL",
			},
			&cli.StringFlag{
				Name:     "model_folder",
				Required: true,
				Usage:    "model folder on the server host",
			},
			&cli.StringFlag{
				Name:     "test_folder",
				Required: true,
				Usage:    "local folder with the images to upload",
			},
			&cli.StringFlag{
				Name:  "output_folder",
				Usage: "output folder on the server host, the server default when empty",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Value: 10 * time.Minute,
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "enable debug logging",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Prediction failed: %v\n", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	level := "warn"
	if c.Bool("debug") {
		level = "debug"
	}
	log := logger.NewWithWriter(os.Stderr, level, "text")
	defer log.Sync()

	files, err := folderFiles(c.String("test_folder"))
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no files found in %s", c.String("test_folder"))
	}

	cl := client.New(client.Config{
		BaseURL: c.String("server"),
		Timeout: c.Duration("timeout"),
	}, log)

	resp, err := cl.PredictBatchWithOptions(context.Background(), c.String("model_folder"), files, client.Options{
		OutputFolder: c.String("output_folder"),
	})
	if err != nil {
		return err
	}

	printReport(c.App.Writer, resp)
	return nil
}

// folderFiles lists the regular files of dir in name order
func folderFiles(dir string) ([]client.File, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", dir, err)
	}
	var files []client.File
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		files = append(files, client.FileFromPath(filepath.Join(dir, e.Name())))
	}
	return files, nil
}

func printReport(w io.Writer, resp *predict.Response) {
	stats := resp.Stats
	fmt.Fprintf(w, "Images:               %d\n", stats.TotalImages)
	fmt.Fprintf(w, "Detections:           %d\n", stats.TotalDetections)
	fmt.Fprintf(w, "Images without boxes: %d\n", stats.ImagesWithNoDetections)

	classes := make([]string, 0, len(stats.DetectionsByClass))
	for name := range stats.DetectionsByClass {
		classes = append(classes, name)
	}
	sort.Strings(classes)
	for _, name := range classes {
		fmt.Fprintf(w, "  %-20s %d\n", name, stats.DetectionsByClass[name])
	}

	for _, failed := range stats.FailedImages {
		fmt.Fprintf(w, "Failed: %s (%s)\n", failed.Filename, failed.Error)
	}
	fmt.Fprintf(w, "Summary:              %s\n", resp.SummaryJSONPath)
}
