package inference

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"codeberg.org/mutker/meterreader/internal/errors"
	"codeberg.org/mutker/meterreader/internal/logger"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	// maxFrameSize bounds a single response frame.
	maxFrameSize   = 1 << 20
	stopGrace      = 2 * time.Second
	defaultTimeout = 5 * time.Second
)

type workerRequest struct {
	Input []float32 `msgpack:"input"`
	Shape []int     `msgpack:"shape"`
}

type workerResponse struct {
	Scores []float64 `msgpack:"scores"`
	Error  string    `msgpack:"error"`
}

type WorkerConfig struct {
	Command string
	Args    []string
	// Timeout bounds one request/response round trip. The process is
	// killed on expiry and respawned by the next call.
	Timeout time.Duration
}

// Worker runs the classifier as a long-lived subprocess. Requests and
// responses are msgpack maps, each preceded by a 4-byte big-endian length.
type Worker struct {
	cfg        WorkerConfig
	logger     logger.Logger
	errFactory errors.Factory

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
	done   chan struct{}
}

func NewWorker(cfg WorkerConfig, log logger.Logger) (*Worker, error) {
	if cfg.Command == "" {
		return nil, errors.New().WithMessage(ErrClassifierUnavailable, "classifier command is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if log == nil {
		log = logger.New("classifier")
	}

	return &Worker{
		cfg:        cfg,
		logger:     log,
		errFactory: errors.New(),
	}, nil
}

func (w *Worker) Classify(ctx context.Context, input []float32) ([]float64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cmd == nil {
		if err := w.start(); err != nil {
			return nil, err
		}
	}

	type reply struct {
		resp workerResponse
		err  error
	}
	replies := make(chan reply, 1)
	stdin, stdout := w.stdin, w.stdout

	go func() {
		var r reply
		if r.err = writeFrame(stdin, workerRequest{Input: input, Shape: InputShape}); r.err == nil {
			r.err = readFrame(stdout, &r.resp)
		}
		replies <- r
	}()

	timer := time.NewTimer(w.cfg.Timeout)
	defer timer.Stop()

	select {
	case r := <-replies:
		if r.err != nil {
			w.stop()
			return nil, w.errFactory.Wrap(ErrClassifierProtocol, r.err)
		}
		if r.resp.Error != "" {
			return nil, w.errFactory.WithData(ErrClassifierRejected, r.resp.Error)
		}
		return r.resp.Scores, nil
	case <-timer.C:
		w.logger.Warn().Dur("timeout", w.cfg.Timeout).Msg("Classifier timed out, killing worker")
		w.stop()
		return nil, w.errFactory.New(ErrClassifierTimeout)
	case <-ctx.Done():
		w.stop()
		return nil, w.errFactory.Wrap(ErrClassifierTimeout, ctx.Err())
	}
}

// Reload stops the worker. The next Classify starts a fresh process, which
// loads the model again.
func (w *Worker) Reload(_ context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.stop()
	return nil
}

func (w *Worker) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.stop()
	return nil
}

func (w *Worker) start() error {
	cmd := exec.Command(w.cfg.Command, w.cfg.Args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return w.errFactory.Wrap(ErrClassifierUnavailable, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return w.errFactory.Wrap(ErrClassifierUnavailable, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return w.errFactory.Wrap(ErrClassifierUnavailable, err)
	}

	if err := cmd.Start(); err != nil {
		return w.errFactory.Wrap(ErrClassifierUnavailable, err)
	}

	w.cmd = cmd
	w.stdin = stdin
	w.stdout = bufio.NewReader(stdout)
	w.done = make(chan struct{})

	go w.forwardStderr(stderr)
	go func(done chan struct{}) {
		err := cmd.Wait()
		w.logger.Debug().Err(err).Int("pid", cmd.Process.Pid).Msg("Classifier worker exited")
		close(done)
	}(w.done)

	w.logger.Info().
		Str("command", w.cfg.Command).
		Int("pid", cmd.Process.Pid).
		Msg("Classifier worker started")

	return nil
}

// stop kills the process and waits briefly for it to be reaped. Callers
// hold w.mu.
func (w *Worker) stop() {
	if w.cmd == nil {
		return
	}

	cmd, done := w.cmd, w.done
	w.cmd, w.stdin, w.stdout, w.done = nil, nil, nil, nil

	if err := cmd.Process.Kill(); err != nil {
		w.logger.Debug().Err(err).Msg("Failed to kill classifier worker")
	}

	select {
	case <-done:
	case <-time.After(stopGrace):
		w.logger.Warn().Int("pid", cmd.Process.Pid).Msg("Classifier worker did not exit")
	}
}

func (w *Worker) forwardStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		w.logger.Debug().Str("stderr", scanner.Text()).Msg("Classifier worker output")
	}
}

func writeFrame(wr io.Writer, v any) error {
	payload, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[4:], payload)

	if _, err := wr.Write(frame); err != nil {
		return fmt.Errorf("failed to write request: %w", err)
	}
	return nil
}

func readFrame(r io.Reader, v any) error {
	var lengthBuf [4]byte
	if _, err := io.ReadFull(r, lengthBuf[:]); err != nil {
		return fmt.Errorf("failed to read length prefix: %w", err)
	}

	length := binary.BigEndian.Uint32(lengthBuf[:])
	if length > maxFrameSize {
		return fmt.Errorf("response of %d bytes exceeds limit", length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if err := msgpack.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}
