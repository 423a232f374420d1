package detector

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/DavidBell625/Yolo-Training/internal/logger"
	"github.com/spf13/cast"
	"go.uber.org/multierr"
)

const maxWorkerLine = 64 << 20

// WorkerLoaderConfig configures the worker backend
type WorkerLoaderConfig struct {
	// Command starts the worker. "--weights <path>" is appended.
	Command        []string
	WeightsFile    string
	StartupTimeout time.Duration
	// Env is appended to the current environment of the worker
	Env []string
}

// WorkerLoader runs each model in a long-lived worker process that speaks
// newline delimited JSON over stdin and stdout.
//
// Worker to server, once the weights are loaded:
//
//	{"type":"ready","names":{"0":"person","1":"car"}}
//	{"type":"error","error":"..."}
//
// Server to worker, one per image:
//
//	{"id":1,"image":"/data/input/a.jpg","iou":0.2,"conf":0.4}
//
// Worker to server, one per request:
//
//	{"id":1,"boxes":[{"cls":0,"conf":0.91,"xyxy":[10,20,110,220]}],"error":""}
type WorkerLoader struct {
	cfg    WorkerLoaderConfig
	logger *logger.Logger
}

// NewWorkerLoader creates a worker backed loader
func NewWorkerLoader(cfg WorkerLoaderConfig, log *logger.Logger) *WorkerLoader {
	if cfg.WeightsFile == "" {
		cfg.WeightsFile = "best.pt"
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = 60 * time.Second
	}
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &WorkerLoader{cfg: cfg, logger: log}
}

// WeightsFile returns the weights file name expected in a model folder
func (l *WorkerLoader) WeightsFile() string {
	return l.cfg.WeightsFile
}

type workerRequest struct {
	ID    uint64  `json:"id"`
	Image string  `json:"image"`
	IoU   float64 `json:"iou"`
	Conf  float64 `json:"conf"`
}

type workerBox struct {
	Class int        `json:"cls"`
	Conf  float64    `json:"conf"`
	XYXY  [4]float64 `json:"xyxy"`
}

type workerMessage struct {
	Type  string                 `json:"type,omitempty"`
	ID    uint64                 `json:"id,omitempty"`
	Names map[string]interface{} `json:"names,omitempty"`
	Boxes []workerBox            `json:"boxes,omitempty"`
	Error string                 `json:"error,omitempty"`
}

// Load starts a worker for weightsPath and waits until it reports ready
func (l *WorkerLoader) Load(ctx context.Context, weightsPath string) (Model, error) {
	if len(l.cfg.Command) == 0 {
		return nil, errors.New("worker command is not configured")
	}

	args := append(append([]string{}, l.cfg.Command[1:]...), "--weights", weightsPath)
	cmd := exec.Command(l.cfg.Command[0], args...)
	cmd.Env = append(os.Environ(), l.cfg.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open worker stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open worker stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start worker %q: %w", l.cfg.Command[0], err)
	}

	log := l.logger.WithFields("weights", weightsPath, "pid", cmd.Process.Pid)
	m := &workerModel{
		cmd:      cmd,
		stdin:    stdin,
		messages: make(chan workerMessage, 1),
		stop:     make(chan struct{}),
		exited:   make(chan struct{}),
		logger:   log,
	}

	// Wait closes the pipes, so it only runs once both readers are done
	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		m.forwardStderr(stderr)
	}()
	go func() {
		defer readers.Done()
		m.readLoop(stdout)
	}()
	go func() {
		readers.Wait()
		m.waitErr = cmd.Wait()
		close(m.exited)
	}()

	timer := time.NewTimer(l.cfg.StartupTimeout)
	defer timer.Stop()

	select {
	case msg, ok := <-m.messages:
		if !ok {
			<-m.exited
			return nil, fmt.Errorf("worker exited before becoming ready: %v", m.waitErr)
		}
		if msg.Type != "ready" {
			m.kill()
			if msg.Error != "" {
				return nil, fmt.Errorf("worker failed to load weights: %s", msg.Error)
			}
			return nil, fmt.Errorf("unexpected worker message %q while loading", msg.Type)
		}
		names, err := parseNames(msg.Names)
		if err != nil {
			m.kill()
			return nil, err
		}
		m.names = names
	case <-timer.C:
		m.kill()
		return nil, fmt.Errorf("worker did not become ready within %v", l.cfg.StartupTimeout)
	case <-ctx.Done():
		m.kill()
		return nil, ctx.Err()
	}

	log.Info("Detector worker ready", "classes", len(m.names))
	return m, nil
}

func parseNames(raw map[string]interface{}) (map[int]string, error) {
	names := make(map[int]string, len(raw))
	for k, v := range raw {
		id, err := cast.ToIntE(k)
		if err != nil {
			return nil, fmt.Errorf("invalid class id %q in worker names: %w", k, err)
		}
		names[id] = cast.ToString(v)
	}
	return names, nil
}

// workerModel is a Model served by one worker process. Requests are
// serialized; the worker handles one image at a time.
type workerModel struct {
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	messages chan workerMessage
	stop     chan struct{}
	exited   chan struct{}
	waitErr  error
	names    map[int]string
	logger   *logger.Logger

	mu       sync.Mutex
	nextID   uint64
	broken   atomic.Bool
	stopOnce sync.Once
	once     sync.Once
}

func (m *workerModel) readLoop(r io.Reader) {
	defer close(m.messages)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxWorkerLine)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg workerMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			// Libraries inside the worker sometimes print to stdout
			m.logger.Debug("Ignoring non-JSON worker output", "line", string(line))
			continue
		}
		select {
		case m.messages <- msg:
		case <-m.stop:
			return
		}
	}
	if err := scanner.Err(); err != nil {
		m.logger.Warn("Worker stdout read failed", "error", err)
	}
}

func (m *workerModel) forwardStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		m.logger.Debug("worker", "line", scanner.Text())
	}
}

// Predict sends one image to the worker and waits for its boxes.
// A cancelled context abandons the request but leaves the worker running;
// its late response is discarded by the next call.
func (m *workerModel) Predict(ctx context.Context, in Input, th Thresholds) ([]Box, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.broken.Load() {
		return nil, ErrModelClosed
	}
	if in.Path == "" {
		return nil, errors.New("worker backend requires an image path")
	}

	m.nextID++
	req := workerRequest{ID: m.nextID, Image: in.Path, IoU: th.IoU, Conf: th.Confidence}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode worker request: %w", err)
	}
	if _, err := m.stdin.Write(append(payload, '\n')); err != nil {
		m.broken.Store(true)
		return nil, fmt.Errorf("failed to send request to worker: %w", err)
	}

	for {
		select {
		case msg, ok := <-m.messages:
			if !ok {
				m.broken.Store(true)
				return nil, fmt.Errorf("worker exited during prediction: %w", ErrModelClosed)
			}
			if msg.ID < req.ID {
				m.logger.Debug("Discarding stale worker response", "expected", req.ID, "got", msg.ID)
				continue
			}
			if msg.ID != req.ID {
				m.logger.Warn("Dropping unexpected worker response", "expected", req.ID, "got", msg.ID)
				continue
			}
			if msg.Error != "" {
				return nil, fmt.Errorf("worker prediction failed for %s: %s", in.Path, msg.Error)
			}
			boxes := make([]Box, 0, len(msg.Boxes))
			for _, b := range msg.Boxes {
				boxes = append(boxes, Box{
					ClassID:    b.Class,
					Confidence: b.Conf,
					X1:         b.XYXY[0],
					Y1:         b.XYXY[1],
					X2:         b.XYXY[2],
					Y2:         b.XYXY[3],
				})
			}
			return boxes, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (m *workerModel) Names() map[int]string {
	return m.names
}

// Closed reports whether the worker was closed or died
func (m *workerModel) Closed() bool {
	return m.broken.Load()
}

func (m *workerModel) kill() {
	m.broken.Store(true)
	m.stopOnce.Do(func() { close(m.stop) })
	if m.cmd.Process != nil {
		_ = m.cmd.Process.Kill()
	}
}

// Close asks the worker to exit by closing its stdin and kills it if it
// does not exit in time.
func (m *workerModel) Close() error {
	var err error
	m.once.Do(func() {
		m.broken.Store(true)
		err = m.stdin.Close()
		// responses of abandoned requests may still be queued
		m.stopOnce.Do(func() { close(m.stop) })

		select {
		case <-m.exited:
		case <-time.After(5 * time.Second):
			m.logger.Warn("Worker did not exit, killing it")
			m.kill()
			<-m.exited
		}

		var exitErr *exec.ExitError
		if m.waitErr != nil && !errors.As(m.waitErr, &exitErr) {
			err = multierr.Append(err, m.waitErr)
		}
	})
	return err
}
