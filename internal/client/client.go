// Package client talks to the batch prediction service over HTTP.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/DavidBell625/Yolo-Training/internal/logger"
	"github.com/DavidBell625/Yolo-Training/internal/predict"
)

// ErrNoFiles is returned when a batch has nothing to upload
var ErrNoFiles = errors.New("at least one file is required")

// APIError is a non-200 answer from the service
type APIError struct {
	StatusCode int
	Detail     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("prediction service returned status %d: %s", e.StatusCode, e.Detail)
}

// File is one image to upload
type File struct {
	Name string
	Open func() (io.ReadCloser, error)
}

// FileFromPath uploads the file at path under its base name
func FileFromPath(path string) File {
	return File{
		Name: filepath.Base(path),
		Open: func() (io.ReadCloser, error) { return os.Open(path) },
	}
}

// Config contains configuration for the client
type Config struct {
	BaseURL string
	// Timeout bounds a whole batch, zero disables it
	Timeout time.Duration
}

// Options overrides the server side folder defaults
type Options struct {
	InputFolder  string
	OutputFolder string
}

// Client posts batches to /predict_batch
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *logger.Logger
}

// New creates a new prediction service client
func New(config Config, log *logger.Logger) *Client {
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &Client{
		baseURL:    strings.TrimRight(config.BaseURL, "/"),
		httpClient: &http.Client{Timeout: config.Timeout},
		logger:     log,
	}
}

// PredictBatch uploads files and returns the batch summary
func (c *Client) PredictBatch(ctx context.Context, modelFolder string, files []File) (*predict.Response, error) {
	return c.PredictBatchWithOptions(ctx, modelFolder, files, Options{})
}

// PredictBatchWithOptions is PredictBatch with explicit input and output folders
func (c *Client) PredictBatchWithOptions(ctx context.Context, modelFolder string, files []File, opts Options) (*predict.Response, error) {
	if len(files) == 0 {
		return nil, ErrNoFiles
	}

	query := url.Values{"model_folder": {modelFolder}}
	if opts.InputFolder != "" {
		query.Set("input_folder", opts.InputFolder)
	}
	if opts.OutputFolder != "" {
		query.Set("output_folder", opts.OutputFolder)
	}
	endpoint := c.baseURL + "/predict_batch?" + query.Encode()

	// Stream the body so large folders are not held in memory
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeFiles(mw, files))
	}()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, pr)
	if err != nil {
		pr.Close()
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())

	c.logger.Debug("Sending batch prediction request", "url", endpoint, "file_count", len(files))
	startTime := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		pr.Close()
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{StatusCode: resp.StatusCode, Detail: strings.TrimSpace(string(body))}
		var detail struct {
			Detail string `json:"detail"`
		}
		if json.Unmarshal(body, &detail) == nil && detail.Detail != "" {
			apiErr.Detail = detail.Detail
		}
		c.logger.Warn("Prediction service returned error", "status", resp.StatusCode, "detail", apiErr.Detail)
		return nil, apiErr
	}

	var out predict.Response
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	c.logger.Debug(
		"Batch prediction completed",
		"total_images", out.Stats.TotalImages,
		"total_detections", out.Stats.TotalDetections,
		"request_duration_ms", time.Since(startTime).Milliseconds(),
	)
	return &out, nil
}

func writeFiles(mw *multipart.Writer, files []File) error {
	for _, f := range files {
		if err := writeFile(mw, f); err != nil {
			return err
		}
	}
	return mw.Close()
}

func writeFile(mw *multipart.Writer, f File) error {
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", f.Name, err)
	}
	defer rc.Close()

	part, err := mw.CreateFormFile("files", f.Name)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, rc); err != nil {
		return fmt.Errorf("failed to upload %s: %w", f.Name, err)
	}
	return nil
}

// HealthCheck checks if the service is ready
func (c *Client) HealthCheck(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &APIError{StatusCode: resp.StatusCode, Detail: http.StatusText(resp.StatusCode)}
	}
	return nil
}
