package training

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"

	"github.com/DavidBell625/Yolo-Training/internal/logger"
)

// DefaultPollInterval rereads results.csv when no file event arrives
const DefaultPollInterval = 2 * time.Second

// Driver runs the trainer and streams its progress
type Driver struct {
	Options Options
	// Trainer is the trainer command, DefaultTrainer when empty
	Trainer []string
	// WorkDir is the trainer working directory, the current one when empty
	WorkDir string
	// Env is appended to the inherited environment
	Env []string
	// Output receives the trainer's own stdout and stderr
	Output       io.Writer
	PollInterval time.Duration

	emitter *Emitter
	logger  *logger.Logger

	seen int
	rows []Row
}

// NewDriver creates a driver writing records to emitter
func NewDriver(opts Options, emitter *Emitter, log *logger.Logger) *Driver {
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &Driver{
		Options:      opts,
		Trainer:      []string{DefaultTrainer},
		Output:       os.Stderr,
		PollInterval: DefaultPollInterval,
		emitter:      emitter,
		logger:       log,
	}
}

func (d *Driver) resultsPath() string {
	path := d.Options.ResultsPath()
	if d.WorkDir != "" {
		path = filepath.Join(d.WorkDir, path)
	}
	return path
}

// Run trains to completion. The result record is emitted only when the
// trainer exits successfully.
func (d *Driver) Run(ctx context.Context) error {
	if err := d.Options.Validate(); err != nil {
		return fmt.Errorf("invalid training options: %w", err)
	}
	if len(d.Trainer) == 0 {
		d.Trainer = []string{DefaultTrainer}
	}

	model := ResolveModel(d.Options)
	if d.Options.Weights != "" {
		abs, _ := filepath.Abs(d.Options.Weights)
		d.logger.Debug("Resolving weights", "weights", d.Options.Weights, "absolute", abs, "selected", model)
	}
	if model == d.Options.Weights {
		d.logger.Debug("Loading existing checkpoint", "model", model)
	} else {
		d.logger.Debug("No checkpoint found, using default model", "model", model)
	}

	// Rows left by an earlier run of the same experiment are not progress
	existing, err := ReadRows(d.resultsPath())
	if err != nil {
		d.logger.Warn("Failed to read existing results", "path", d.resultsPath(), "error", err)
	}
	d.seen = len(existing)
	if d.Options.Resume {
		d.rows = existing
	}

	if err := d.emitter.Emit(NewStartRecord(model, d.Options.DatasetYAML())); err != nil {
		return err
	}

	args := append(append([]string{}, d.Trainer[1:]...), TrainerArgs(d.Options, model)...)
	cmd := exec.CommandContext(ctx, d.Trainer[0], args...)
	cmd.Dir = d.WorkDir
	cmd.Stdout = d.Output
	cmd.Stderr = d.Output
	cmd.Env = append(os.Environ(), d.Env...)

	d.logger.Debug("Starting trainer", "command", d.Trainer[0], "args", args)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start trainer: %w", err)
	}

	exited := make(chan struct{})
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(exited)
		if err := cmd.Wait(); err != nil {
			return fmt.Errorf("trainer failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return d.watch(gctx, exited)
	})

	if err := g.Wait(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return err
	}

	metrics := BestMetrics(d.rows)
	d.logger.Debug("Training finished", "epochs", len(d.rows), "map50", metrics.MAP50)
	return d.emitter.Emit(NewResultRecord(metrics))
}

// watch emits progress for new results rows until the trainer exits
func (d *Driver) watch(ctx context.Context, exited <-chan struct{}) error {
	path := d.resultsPath()
	dir := filepath.Dir(path)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		d.logger.Warn("File watcher unavailable, polling only", "error", err)
	} else {
		defer watcher.Close()
	}
	watching := false
	addWatch := func() {
		if watcher == nil || watching {
			return
		}
		if err := watcher.Add(dir); err == nil {
			watching = true
		}
	}
	addWatch()

	interval := d.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var events <-chan fsnotify.Event
	var watchErrs <-chan error
	if watcher != nil {
		events = watcher.Events
		watchErrs = watcher.Errors
	}

	for {
		select {
		case <-ctx.Done():
			// the trainer goroutine reports the failure
			return nil
		case <-exited:
			d.emitNewRows(path)
			return nil
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Base(ev.Name) == ResultsFile && ev.Has(fsnotify.Write|fsnotify.Create) {
				d.emitNewRows(path)
			}
		case err, ok := <-watchErrs:
			if !ok {
				watchErrs = nil
				continue
			}
			d.logger.Warn("File watcher error", "error", err)
		case <-ticker.C:
			addWatch()
			d.emitNewRows(path)
		}
	}
}

func (d *Driver) emitNewRows(path string) {
	rows, err := ReadRows(path)
	if err != nil {
		// retried on the next event or tick
		d.logger.Warn("Failed to read results", "path", path, "error", err)
		return
	}
	if len(rows) < d.seen {
		// the trainer started a fresh file
		d.seen = 0
		d.rows = nil
	}

	for _, row := range rows[min(d.seen, len(rows)):] {
		d.seen++
		d.rows = append(d.rows, row)

		record, err := BuildProgress(row)
		if err == nil {
			err = d.emitter.Emit(record)
		}
		if err != nil {
			d.logger.Warn("Failed to emit progress", "error", err)
		}
	}
}

// IsTrainerFailure reports whether err came from a non-zero trainer exit
func IsTrainerFailure(err error) bool {
	var exitErr *exec.ExitError
	return errors.As(err, &exitErr)
}
