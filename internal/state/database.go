package state

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Database manages the SQLite database holding the prediction history
type Database struct {
	db     *sql.DB
	dbPath string
}

// NewDatabase opens the database at dbPath, creating it and its folder
func NewDatabase(dbPath string) (*Database, error) {
	if err := ensureDir(filepath.Dir(dbPath)); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=1&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite doesn't support concurrent writes well
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	database := &Database{
		db:     db,
		dbPath: dbPath,
	}

	if err := database.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return database, nil
}

// Close closes the database connection
func (d *Database) Close() error {
	if d.db != nil {
		return d.db.Close()
	}
	return nil
}

// GetDB returns the underlying database connection
func (d *Database) GetDB() *sql.DB {
	return d.db
}

// Path returns the database file path
func (d *Database) Path() string {
	return d.dbPath
}

func (d *Database) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS prediction_runs (
		id TEXT PRIMARY KEY,
		request_id TEXT,
		model_folder TEXT NOT NULL,
		output_folder TEXT,
		total_images INTEGER DEFAULT 0,
		total_detections INTEGER DEFAULT 0,
		images_with_no_detections INTEGER DEFAULT 0,
		failed_images INTEGER DEFAULT 0,
		summary_path TEXT,
		duration_ms INTEGER DEFAULT 0,
		status TEXT NOT NULL, -- 'completed' or 'failed'
		error TEXT,
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS model_loads (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		folder TEXT NOT NULL,
		weights_path TEXT NOT NULL,
		classes INTEGER DEFAULT 0,
		duration_ms INTEGER DEFAULT 0,
		loaded_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_prediction_runs_created ON prediction_runs(created_at);
	CREATE INDEX IF NOT EXISTS idx_prediction_runs_model ON prediction_runs(model_folder);
	CREATE INDEX IF NOT EXISTS idx_model_loads_folder ON model_loads(folder);
	`

	if _, err := d.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return nil
}

func ensureDir(dir string) error {
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0755)
}
