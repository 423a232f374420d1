// Package storage exposes the model folders found under the models root.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// MetadataFile is the optional description stored in a model folder
const MetadataFile = "metadata.json"

// ErrModelNotFound is returned for names without a usable model folder
var ErrModelNotFound = errors.New("model not found")

// ModelMetadata is the content of metadata.json
type ModelMetadata struct {
	Version      string   `json:"version,omitempty"`
	Framework    string   `json:"framework,omitempty"`
	BaseModel    string   `json:"base_model,omitempty"`
	Dataset      string   `json:"dataset,omitempty"`
	Experiment   string   `json:"experiment,omitempty"`
	TrainingDate string   `json:"training_date,omitempty"`
	Epochs       int      `json:"epochs,omitempty"`
	ImageSize    int      `json:"image_size,omitempty"`
	Classes      []string `json:"classes,omitempty"`
	MAP50        *float64 `json:"map50,omitempty"`
	MAP          *float64 `json:"map50_95,omitempty"`
}

// ModelInfo describes one model folder
type ModelInfo struct {
	Name        string         `json:"name"`
	Folder      string         `json:"folder"`
	WeightsFile string         `json:"weights_file"`
	SizeBytes   int64          `json:"size_bytes"`
	ModifiedAt  time.Time      `json:"modified_at"`
	Metadata    *ModelMetadata `json:"metadata,omitempty"`
}

// ModelStore lists model folders under a root directory. A folder counts as
// a model when it holds the weights file of the active backend.
type ModelStore struct {
	root        string
	weightsFile string
}

// NewModelStore creates a store over root
func NewModelStore(root, weightsFile string) (*ModelStore, error) {
	if root == "" {
		return nil, fmt.Errorf("models root is required")
	}
	if weightsFile == "" {
		return nil, fmt.Errorf("weights file name is required")
	}
	return &ModelStore{root: root, weightsFile: weightsFile}, nil
}

// Root returns the models root directory
func (s *ModelStore) Root() string {
	return s.root
}

// ModelPath returns the folder of a named model
func (s *ModelStore) ModelPath(name string) string {
	return filepath.Join(s.root, name)
}

// ListModels returns every model folder sorted by name. A missing root
// yields an empty list.
func (s *ModelStore) ListModels() ([]ModelInfo, error) {
	entries, err := os.ReadDir(s.root)
	if errors.Is(err, os.ErrNotExist) {
		return []ModelInfo{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read models root: %w", err)
	}

	models := []ModelInfo{}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := s.GetModel(entry.Name())
		if errors.Is(err, ErrModelNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		models = append(models, *info)
	}

	sort.Slice(models, func(i, j int) bool { return models[i].Name < models[j].Name })
	return models, nil
}

// GetModel returns the model folder called name
func (s *ModelStore) GetModel(name string) (*ModelInfo, error) {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return nil, fmt.Errorf("%w: invalid name %q", ErrModelNotFound, name)
	}

	folder := s.ModelPath(name)
	weights, err := os.Stat(filepath.Join(folder, s.weightsFile))
	if err != nil || weights.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrModelNotFound, name)
	}

	metadata, err := s.GetMetadata(name)
	if err != nil {
		return nil, err
	}

	return &ModelInfo{
		Name:        name,
		Folder:      folder,
		WeightsFile: s.weightsFile,
		SizeBytes:   weights.Size(),
		ModifiedAt:  weights.ModTime(),
		Metadata:    metadata,
	}, nil
}

// GetMetadata reads metadata.json of a model. Folders without one return nil.
func (s *ModelStore) GetMetadata(name string) (*ModelMetadata, error) {
	path := filepath.Join(s.ModelPath(name), MetadataFile)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata file: %w", err)
	}

	var metadata ModelMetadata
	if err := json.Unmarshal(data, &metadata); err != nil {
		return nil, fmt.Errorf("failed to parse metadata of %s: %w", name, err)
	}
	return &metadata, nil
}

// WriteMetadata stores metadata.json in a model folder
func (s *ModelStore) WriteMetadata(name string, metadata *ModelMetadata) error {
	if metadata == nil {
		return fmt.Errorf("metadata is required")
	}
	if _, err := s.GetModel(name); err != nil {
		return err
	}
	data, err := json.MarshalIndent(metadata, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(s.ModelPath(name), MetadataFile), data, 0644); err != nil {
		return fmt.Errorf("failed to write metadata file: %w", err)
	}
	return nil
}

// TotalSize returns the size of all weights files
func (s *ModelStore) TotalSize() (int64, error) {
	models, err := s.ListModels()
	if err != nil {
		return 0, err
	}
	var total int64
	for _, m := range models {
		total += m.SizeBytes
	}
	return total, nil
}
