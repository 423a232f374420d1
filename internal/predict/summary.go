package predict

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// SummaryFile is the summary written to the output folder of every batch
const SummaryFile = "prediction_summary.json"

// WriteSummary writes the summary to folder, replacing any previous one,
// and returns its path.
func WriteSummary(folder string, s Summary) (string, error) {
	data, err := json.MarshalIndent(s, "", "    ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal summary: %w", err)
	}
	path := filepath.Join(folder, SummaryFile)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write summary: %w", err)
	}
	return path, nil
}

// ReadSummary loads a summary written by WriteSummary
func ReadSummary(path string) (*Summary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read summary: %w", err)
	}
	var s Summary
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse summary: %w", err)
	}
	return &s, nil
}
