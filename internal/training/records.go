package training

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// Record types
const (
	RecordStart    = "start"
	RecordProgress = "progress"
	RecordResult   = "result"
)

// StartRecord is emitted once before training
type StartRecord struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// NewStartRecord names the model and dataset being trained
func NewStartRecord(model, datasetYAML string) StartRecord {
	return StartRecord{
		Type:    RecordStart,
		Message: fmt.Sprintf("Training %s on %s", model, datasetYAML),
	}
}

// ProgressRecord is emitted once per completed epoch. Epoch is zero-based
// and -1 when unknown.
type ProgressRecord struct {
	Type  string  `json:"type"`
	Epoch int     `json:"epoch"`
	Loss  float64 `json:"loss"`
}

// Metrics holds the final validation metrics. Unavailable values are nil.
type Metrics struct {
	MAP50     *float64
	MAP       *float64
	Precision *float64
	Recall    *float64
}

// ResultRecord is emitted once after a successful run
type ResultRecord struct {
	Type      string   `json:"type"`
	BestMAP50 *float64 `json:"best_map50"`
	BestMAP   *float64 `json:"best_map"`
	Precision *float64 `json:"precision"`
	Recall    *float64 `json:"recall"`
}

// NewResultRecord builds the final record from metrics
func NewResultRecord(m Metrics) ResultRecord {
	return ResultRecord{
		Type:      RecordResult,
		BestMAP50: m.MAP50,
		BestMAP:   m.MAP,
		Precision: m.Precision,
		Recall:    m.Recall,
	}
}

// Emitter writes one JSON object per line
type Emitter struct {
	mu sync.Mutex
	w  io.Writer
}

// NewEmitter creates an emitter writing to w
func NewEmitter(w io.Writer) *Emitter {
	return &Emitter{w: w}
}

// Emit writes record as a single line. The line is flushed when w supports it.
func (e *Emitter) Emit(record interface{}) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	data = append(data, '\n')

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.w.Write(data); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	if f, ok := e.w.(interface{ Flush() error }); ok {
		return f.Flush()
	}
	return nil
}
