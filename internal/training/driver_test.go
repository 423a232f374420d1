package training

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var helperColumns = []string{
	"epoch", "train/box_loss", "train/cls_loss", "train/dfl_loss",
	"metrics/precision(B)", "metrics/recall(B)", "metrics/mAP50(B)", "metrics/mAP50-95(B)",
}

// per epoch mAP50 and mAP50-95, epoch 2 has the best fitness
var helperMAP50 = []float64{0.30, 0.60, 0.50, 0.55}
var helperMAP = []float64{0.20, 0.45, 0.40, 0.42}

// TestHelperProcess stands in for the trainer executable
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	os.Exit(runFakeTrainer())
}

func runFakeTrainer() int {
	args := os.Args
	for i, a := range args {
		if a == "--" {
			args = args[i+1:]
			break
		}
	}
	params := map[string]string{}
	for _, a := range args {
		if k, v, ok := strings.Cut(a, "="); ok {
			params[k] = v
		}
	}
	fmt.Println("fake trainer:", strings.Join(args, " "))

	if os.Getenv("FAKE_TRAINER_EXIT") != "" {
		code, _ := strconv.Atoi(os.Getenv("FAKE_TRAINER_EXIT"))
		fmt.Fprintln(os.Stderr, "dataset not found")
		return code
	}

	dir := filepath.Join(params["project"], params["name"])
	if err := os.MkdirAll(dir, 0755); err != nil {
		return 3
	}
	path := filepath.Join(dir, ResultsFile)
	existing, _ := ReadRows(path)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return 3
	}
	defer f.Close()

	if len(existing) == 0 {
		var header []string
		for _, c := range helperColumns {
			header = append(header, fmt.Sprintf("%23s", c))
		}
		fmt.Fprintln(f, strings.Join(header, ","))
	}

	epochs, _ := strconv.Atoi(params["epochs"])
	for e := len(existing) + 1; e <= epochs && e <= len(helperMAP50); e++ {
		values := []float64{
			float64(e), 1.0 / float64(e), 0.5, 0.25,
			0.5 + 0.1*float64(e), 0.4 + 0.1*float64(e), helperMAP50[e-1], helperMAP[e-1],
		}
		var cells []string
		for _, v := range values {
			cells = append(cells, fmt.Sprintf("%23.5g", v))
		}
		fmt.Fprintln(f, strings.Join(cells, ","))
		time.Sleep(30 * time.Millisecond)
	}
	return 0
}

func newTestDriver(t *testing.T, opts Options, out *bytes.Buffer) (*Driver, *bytes.Buffer) {
	t.Helper()
	trainerOut := &bytes.Buffer{}
	d := NewDriver(opts, NewEmitter(out), nil)
	d.Trainer = []string{os.Args[0], "-test.run=TestHelperProcess", "--"}
	d.Env = []string{"GO_WANT_HELPER_PROCESS=1"}
	d.WorkDir = t.TempDir()
	d.Output = trainerOut
	d.PollInterval = 20 * time.Millisecond
	return d, trainerOut
}

func decodeLines(t *testing.T, out *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var records []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		if line == "" {
			continue
		}
		var rec map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &rec), line)
		records = append(records, rec)
	}
	return records
}

func TestDriver_Run(t *testing.T) {
	opts := validOptions()
	opts.MaxEpochs = 3
	opts.Weights = "/nonexistent/best.pt"

	out := &bytes.Buffer{}
	d, trainerOut := newTestDriver(t, opts, out)
	require.NoError(t, d.Run(context.Background()))

	records := decodeLines(t, out)
	require.Len(t, records, 5)

	assert.Equal(t, "start", records[0]["type"])
	assert.Equal(t, "Training yolov8s.pt on "+filepath.Join("/data/street", "data.yaml"), records[0]["message"])

	for i := 1; i <= 3; i++ {
		assert.Equal(t, "progress", records[i]["type"])
		assert.Equal(t, float64(i-1), records[i]["epoch"])
		assert.InDelta(t, 1.0/float64(i)+0.75, records[i]["loss"], 1e-4)
	}

	result := records[4]
	assert.Equal(t, "result", result["type"])
	assert.InDelta(t, 0.60, result["best_map50"], 1e-9)
	assert.InDelta(t, 0.45, result["best_map"], 1e-9)
	assert.InDelta(t, 0.70, result["precision"], 1e-9)
	assert.InDelta(t, 0.60, result["recall"], 1e-9)

	assert.Contains(t, trainerOut.String(), "model=yolov8s.pt")
	assert.Contains(t, trainerOut.String(), "workers=0")
}

func TestDriver_ResumeSkipsEarlierRows(t *testing.T) {
	opts := validOptions()
	opts.MaxEpochs = 4
	opts.Resume = true

	out := &bytes.Buffer{}
	d, _ := newTestDriver(t, opts, out)

	// two epochs from an earlier run
	first := &bytes.Buffer{}
	earlier, _ := newTestDriver(t, opts, first)
	earlier.WorkDir = d.WorkDir
	earlier.Options.MaxEpochs = 2
	earlier.Options.Resume = false
	require.NoError(t, earlier.Run(context.Background()))

	require.NoError(t, d.Run(context.Background()))
	records := decodeLines(t, out)
	require.Len(t, records, 4)
	assert.Equal(t, float64(2), records[1]["epoch"])
	assert.Equal(t, float64(3), records[2]["epoch"])
	// best row comes from the earlier epochs
	assert.InDelta(t, 0.60, records[3]["best_map50"], 1e-9)
}

func TestDriver_TrainerFailure(t *testing.T) {
	out := &bytes.Buffer{}
	d, trainerOut := newTestDriver(t, validOptions(), out)
	d.Env = append(d.Env, "FAKE_TRAINER_EXIT=2")

	err := d.Run(context.Background())
	require.Error(t, err)
	assert.True(t, IsTrainerFailure(err))
	assert.Contains(t, trainerOut.String(), "dataset not found")

	records := decodeLines(t, out)
	require.Len(t, records, 1)
	assert.Equal(t, "start", records[0]["type"])
}

func TestDriver_InvalidOptions(t *testing.T) {
	out := &bytes.Buffer{}
	d := NewDriver(DefaultOptions(), NewEmitter(out), nil)
	assert.Error(t, d.Run(context.Background()))
	assert.Empty(t, out.String())
}

func TestDriver_MissingTrainer(t *testing.T) {
	out := &bytes.Buffer{}
	d := NewDriver(validOptions(), NewEmitter(out), nil)
	d.Trainer = []string{filepath.Join(t.TempDir(), "no-such-trainer")}
	d.WorkDir = t.TempDir()

	err := d.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to start trainer")
}

func TestDriver_ReadErrorKeepsEmittedRows(t *testing.T) {
	out := &bytes.Buffer{}
	d := NewDriver(validOptions(), NewEmitter(out), nil)
	path := filepath.Join(t.TempDir(), ResultsFile)

	write := func(content string) {
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	}

	write("epoch,train/box_loss\n1,0.9\n2,0.7\n")
	d.emitNewRows(path)
	require.Len(t, decodeLines(t, out), 2)

	// a half rewritten file that does not parse
	write("epoch,train/box_loss\n1,0\"9\n")
	d.emitNewRows(path)
	assert.Len(t, decodeLines(t, out), 2)
	assert.Equal(t, 2, d.seen)
	assert.Len(t, d.rows, 2)

	write("epoch,train/box_loss\n1,0.9\n2,0.7\n3,0.5\n")
	d.emitNewRows(path)
	records := decodeLines(t, out)
	require.Len(t, records, 3)
	assert.Equal(t, float64(2), records[2]["epoch"])
	assert.Len(t, d.rows, 3)
}

func TestDriver_ShorterFileStartsOver(t *testing.T) {
	out := &bytes.Buffer{}
	d := NewDriver(validOptions(), NewEmitter(out), nil)
	path := filepath.Join(t.TempDir(), ResultsFile)

	require.NoError(t, os.WriteFile(path, []byte("epoch,train/box_loss\n1,0.9\n2,0.7\n"), 0644))
	d.emitNewRows(path)
	require.NoError(t, os.WriteFile(path, []byte("epoch,train/box_loss\n1,0.8\n"), 0644))
	d.emitNewRows(path)

	records := decodeLines(t, out)
	require.Len(t, records, 3)
	assert.Equal(t, float64(0), records[2]["epoch"])
	assert.Equal(t, 1, d.seen)
	assert.Len(t, d.rows, 1)
}
