package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/DavidBell625/Yolo-Training/internal/predict"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func memFile(name, data string) File {
	return File{
		Name: name,
		Open: func() (io.ReadCloser, error) { return io.NopCloser(strings.NewReader(data)), nil },
	}
}

func TestClient_PredictBatch(t *testing.T) {
	var gotQuery map[string]string
	var gotFiles map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/predict_batch", r.URL.Path)
		gotQuery = map[string]string{
			"model_folder":  r.URL.Query().Get("model_folder"),
			"output_folder": r.URL.Query().Get("output_folder"),
		}

		require.NoError(t, r.ParseMultipartForm(1<<20))
		gotFiles = map[string]string{}
		for _, fh := range r.MultipartForm.File["files"] {
			f, err := fh.Open()
			require.NoError(t, err)
			data, _ := io.ReadAll(f)
			f.Close()
			gotFiles[fh.Filename] = string(data)
		}

		resp := predict.Response{
			Summary: predict.Summary{
				Stats: predict.BatchStats{
					TotalImages:       len(gotFiles),
					TotalDetections:   3,
					DetectionsByClass: map[string]int{"car": 3},
				},
			},
			SummaryJSONPath: "/out/prediction_summary.json",
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	c := New(Config{BaseURL: server.URL + "/", Timeout: 5 * time.Second}, nil)
	resp, err := c.PredictBatchWithOptions(context.Background(), "/models/street",
		[]File{memFile("a.jpg", "aaa"), memFile("b.jpg", "bbb")},
		Options{OutputFolder: "/out"})
	require.NoError(t, err)

	assert.Equal(t, "/models/street", gotQuery["model_folder"])
	assert.Equal(t, "/out", gotQuery["output_folder"])
	assert.Equal(t, map[string]string{"a.jpg": "aaa", "b.jpg": "bbb"}, gotFiles)
	assert.Equal(t, 2, resp.Stats.TotalImages)
	assert.Equal(t, 3, resp.Stats.DetectionsByClass["car"])
	assert.Equal(t, "/out/prediction_summary.json", resp.SummaryJSONPath)
}

func TestClient_PredictBatchAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"detail":"Model folder '/nope' not found."}`))
	}))
	defer server.Close()

	c := New(Config{BaseURL: server.URL}, nil)
	_, err := c.PredictBatch(context.Background(), "/nope", []File{memFile("a.jpg", "x")})
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, "Model folder '/nope' not found.", apiErr.Detail)
}

func TestClient_PredictBatchPlainTextError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer server.Close()

	_, err := New(Config{BaseURL: server.URL}, nil).PredictBatch(context.Background(), "m", []File{memFile("a.jpg", "x")})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "boom", apiErr.Detail)
}

func TestClient_PredictBatchNoFiles(t *testing.T) {
	c := New(Config{BaseURL: "http://127.0.0.1:1"}, nil)
	_, err := c.PredictBatch(context.Background(), "m", nil)
	assert.ErrorIs(t, err, ErrNoFiles)
}

func TestClient_PredictBatchUnopenableFile(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := New(Config{BaseURL: server.URL}, nil)
	_, err := c.PredictBatch(context.Background(), "m", []File{FileFromPath(filepath.Join(t.TempDir(), "missing.jpg"))})
	assert.Error(t, err)
}

func TestFileFromPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "img.png")
	require.NoError(t, os.WriteFile(path, []byte("png"), 0644))

	f := FileFromPath(path)
	assert.Equal(t, "img.png", f.Name)
	rc, err := f.Open()
	require.NoError(t, err)
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	assert.Equal(t, "png", string(data))
}

func TestClient_HealthCheck(t *testing.T) {
	healthy := true
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := New(Config{BaseURL: server.URL}, nil)
	assert.NoError(t, c.HealthCheck(context.Background()))

	healthy = false
	assert.Error(t, c.HealthCheck(context.Background()))
}
