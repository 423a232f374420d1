// Package state persists the history of prediction runs and model loads.
package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/DavidBell625/Yolo-Training/internal/logger"
	"github.com/google/uuid"
)

// Run statuses
const (
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

// DefaultListLimit is used when ListRuns gets a non-positive limit
const DefaultListLimit = 50

// ErrRunNotFound is returned by GetRun for unknown ids
var ErrRunNotFound = errors.New("run not found")

// PredictionRun is one /predict_batch request
type PredictionRun struct {
	ID                     string    `json:"id"`
	RequestID              string    `json:"request_id,omitempty"`
	ModelFolder            string    `json:"model_folder"`
	OutputFolder           string    `json:"output_folder"`
	TotalImages            int       `json:"total_images"`
	TotalDetections        int       `json:"total_detections"`
	ImagesWithNoDetections int       `json:"images_with_no_detections"`
	FailedImages           int       `json:"failed_images"`
	SummaryPath            string    `json:"summary_path,omitempty"`
	DurationMS             int64     `json:"duration_ms"`
	Status                 string    `json:"status"`
	Error                  string    `json:"error,omitempty"`
	CreatedAt              time.Time `json:"created_at"`
}

// ModelLoad records a model being loaded into the cache
type ModelLoad struct {
	Folder      string    `json:"folder"`
	WeightsPath string    `json:"weights_path"`
	Classes     int       `json:"classes"`
	DurationMS  int64     `json:"duration_ms"`
	LoadedAt    time.Time `json:"loaded_at"`
}

// Stats are totals over the whole history
type Stats struct {
	TotalRuns       int `json:"total_runs"`
	FailedRuns      int `json:"failed_runs"`
	TotalImages     int `json:"total_images"`
	TotalDetections int `json:"total_detections"`
	ModelLoads      int `json:"model_loads"`
}

// Manager reads and writes the history database
type Manager struct {
	db     *Database
	logger *logger.Logger
	mu     sync.RWMutex
}

// NewManager opens the history database at dbPath
func NewManager(dbPath string, log *logger.Logger) (*Manager, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if log == nil {
		log = logger.NewNopLogger()
	}

	db, err := NewDatabase(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create database: %w", err)
	}

	return &Manager{
		db:     db,
		logger: log,
	}, nil
}

// Close closes the state manager and database
func (m *Manager) Close() error {
	return m.db.Close()
}

// GetDB returns the database connection
func (m *Manager) GetDB() *sql.DB {
	return m.db.GetDB()
}

// Path returns the database file path
func (m *Manager) Path() string {
	return m.db.Path()
}

// SaveRun inserts or replaces a run. Missing ids and timestamps are filled in.
func (m *Manager) SaveRun(ctx context.Context, run *PredictionRun) error {
	if run.ModelFolder == "" {
		return fmt.Errorf("model folder is required")
	}
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now()
	}
	if run.Status == "" {
		run.Status = RunStatusCompleted
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	query := `
		INSERT OR REPLACE INTO prediction_runs (
			id, request_id, model_folder, output_folder, total_images, total_detections,
			images_with_no_detections, failed_images, summary_path, duration_ms, status, error, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := m.db.GetDB().ExecContext(ctx, query,
		run.ID, run.RequestID, run.ModelFolder, run.OutputFolder,
		run.TotalImages, run.TotalDetections, run.ImagesWithNoDetections, run.FailedImages,
		run.SummaryPath, run.DurationMS, run.Status, run.Error, run.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

const runColumns = `id, request_id, model_folder, output_folder, total_images, total_detections,
	images_with_no_detections, failed_images, summary_path, duration_ms, status, error, created_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*PredictionRun, error) {
	var run PredictionRun
	var requestID, output, summary, errMsg sql.NullString
	err := row.Scan(
		&run.ID, &requestID, &run.ModelFolder, &output,
		&run.TotalImages, &run.TotalDetections, &run.ImagesWithNoDetections, &run.FailedImages,
		&summary, &run.DurationMS, &run.Status, &errMsg, &run.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	run.RequestID = requestID.String
	run.OutputFolder = output.String
	run.SummaryPath = summary.String
	run.Error = errMsg.String
	return &run, nil
}

// GetRun returns a run by id
func (m *Manager) GetRun(ctx context.Context, id string) (*PredictionRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	row := m.db.GetDB().QueryRowContext(ctx, `SELECT `+runColumns+` FROM prediction_runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns returns the most recent runs first
func (m *Manager) ListRuns(ctx context.Context, limit int) ([]PredictionRun, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	rows, err := m.db.GetDB().QueryContext(ctx,
		`SELECT `+runColumns+` FROM prediction_runs ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []PredictionRun{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// SaveModelLoad records a model load
func (m *Manager) SaveModelLoad(ctx context.Context, load ModelLoad) error {
	if load.LoadedAt.IsZero() {
		load.LoadedAt = time.Now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	_, err := m.db.GetDB().ExecContext(ctx,
		`INSERT INTO model_loads (folder, weights_path, classes, duration_ms, loaded_at) VALUES (?, ?, ?, ?, ?)`,
		load.Folder, load.WeightsPath, load.Classes, load.DurationMS, load.LoadedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save model load: %w", err)
	}
	return nil
}

// GetStats returns totals over all recorded runs
func (m *Manager) GetStats(ctx context.Context) (*Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var s Stats
	err := m.db.GetDB().QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(total_images), 0),
			COALESCE(SUM(total_detections), 0)
		FROM prediction_runs
	`, RunStatusFailed).Scan(&s.TotalRuns, &s.FailedRuns, &s.TotalImages, &s.TotalDetections)
	if err != nil {
		return nil, fmt.Errorf("failed to get run stats: %w", err)
	}

	if err := m.db.GetDB().QueryRowContext(ctx, `SELECT COUNT(*) FROM model_loads`).Scan(&s.ModelLoads); err != nil {
		return nil, fmt.Errorf("failed to count model loads: %w", err)
	}
	return &s, nil
}
