package training

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"github.com/spf13/cast"
)

// Trainer results.csv columns
const (
	ColumnEpoch     = "epoch"
	ColumnPrecision = "metrics/precision(B)"
	ColumnRecall    = "metrics/recall(B)"
	ColumnMAP50     = "metrics/mAP50(B)"
	ColumnMAP       = "metrics/mAP50-95(B)"
)

// ErrEmptyRow is returned when a row carries no values
var ErrEmptyRow = errors.New("empty results row")

// Row is one epoch of results.csv keyed by column name
type Row map[string]string

// ReadRows parses the complete lines of a results file. A missing file
// yields no rows. A trailing line without a newline is still being written
// and is ignored.
func ReadRows(path string) ([]Row, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return ParseRows(data)
}

// ParseRows parses results.csv content
func ParseRows(data []byte) ([]Row, error) {
	end := bytes.LastIndexByte(data, '\n')
	if end < 0 {
		return nil, nil
	}

	r := csv.NewReader(bytes.NewReader(data[:end+1]))
	r.TrimLeadingSpace = true
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse results header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	var rows []Row
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return rows, fmt.Errorf("failed to parse results row %d: %w", len(rows)+1, err)
		}
		row := make(Row, len(header))
		for i, value := range record {
			if i < len(header) {
				row[header[i]] = strings.TrimSpace(value)
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// Float returns a column as a finite number
func (r Row) Float(column string) (float64, bool) {
	value, ok := r[column]
	if !ok || value == "" {
		return 0, false
	}
	f, err := cast.ToFloat64E(value)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func (r Row) optional(column string) *float64 {
	if f, ok := r.Float(column); ok {
		return &f
	}
	return nil
}

// Epoch returns the zero-based epoch, -1 when unknown. The trainer writes
// one-based epochs.
func (r Row) Epoch() int {
	f, ok := r.Float(ColumnEpoch)
	if !ok || f < 1 || f != math.Trunc(f) {
		return -1
	}
	return int(f) - 1
}

// Loss returns the sum of the train/*_loss columns, 0 when none parse
func (r Row) Loss() float64 {
	var sum float64
	for column := range r {
		if !strings.HasPrefix(column, "train/") || !strings.HasSuffix(column, "_loss") {
			continue
		}
		if f, ok := r.Float(column); ok {
			sum += f
		}
	}
	return sum
}

// Fitness weighs mAP50 and mAP50-95 the way the trainer selects best weights
func (r Row) Fitness() float64 {
	map50, _ := r.Float(ColumnMAP50)
	mapAll, _ := r.Float(ColumnMAP)
	return 0.1*map50 + 0.9*mapAll
}

// BuildProgress converts a results row into a progress record
func BuildProgress(r Row) (ProgressRecord, error) {
	if len(r) == 0 {
		return ProgressRecord{}, ErrEmptyRow
	}
	nonEmpty := false
	for _, v := range r {
		if v != "" {
			nonEmpty = true
			break
		}
	}
	if !nonEmpty {
		return ProgressRecord{}, ErrEmptyRow
	}
	return ProgressRecord{
		Type:  RecordProgress,
		Epoch: r.Epoch(),
		Loss:  r.Loss(),
	}, nil
}

// BestMetrics returns the metrics of the row with the highest fitness
func BestMetrics(rows []Row) Metrics {
	var best Row
	bestFitness := math.Inf(-1)
	for _, r := range rows {
		if f := r.Fitness(); f > bestFitness {
			best, bestFitness = r, f
		}
	}
	if best == nil {
		return Metrics{}
	}
	return Metrics{
		MAP50:     best.optional(ColumnMAP50),
		MAP:       best.optional(ColumnMAP),
		Precision: best.optional(ColumnPrecision),
		Recall:    best.optional(ColumnRecall),
	}
}
