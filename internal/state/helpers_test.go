package state

import (
	"path/filepath"
	"testing"

	"github.com/DavidBell625/Yolo-Training/internal/logger"
)

func setupTestManager(t *testing.T) *Manager {
	t.Helper()
	mgr, err := NewManager(filepath.Join(t.TempDir(), "db", "history.db"), logger.NewNopLogger())
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	return mgr
}
