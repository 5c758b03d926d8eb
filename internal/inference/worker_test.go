package inference

import (
	"context"
	"os"
	"testing"
	"time"

	"codeberg.org/mutker/meterreader/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const helperEnv = "METERREADER_HELPER_CLASSIFIER"

// TestHelperClassifier is not a real test. It is the classifier process
// spawned by the worker tests, selected through helperEnv.
func TestHelperClassifier(t *testing.T) {
	mode := os.Getenv(helperEnv)
	if mode == "" {
		return
	}

	for {
		var req workerRequest
		if err := readFrame(os.Stdin, &req); err != nil {
			os.Exit(0)
		}

		var resp workerResponse
		switch mode {
		case "hang":
			time.Sleep(time.Hour)
		case "reject":
			resp.Error = "unsupported shape"
		default:
			if len(req.Input) != InputWidth*InputHeight*InputChannels || len(req.Shape) != 3 {
				resp.Error = "bad input"
				break
			}
			resp.Scores = make([]float64, Classes)
			resp.Scores[7] = 0.9
		}

		if err := writeFrame(os.Stdout, resp); err != nil {
			os.Exit(1)
		}
	}
}

func helperWorker(t *testing.T, mode string, timeout time.Duration) *Worker {
	t.Helper()
	t.Setenv(helperEnv, mode)

	w, err := NewWorker(WorkerConfig{
		Command: os.Args[0],
		Args:    []string{"-test.run=^TestHelperClassifier$"},
		Timeout: timeout,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })

	return w
}

func input() []float32 {
	return make([]float32, InputWidth*InputHeight*InputChannels)
}

func TestWorkerClassify(t *testing.T) {
	w := helperWorker(t, "ok", 5*time.Second)

	for i := 0; i < 3; i++ {
		scores, err := w.Classify(context.Background(), input())
		require.NoError(t, err)
		require.Len(t, scores, Classes)
		assert.Equal(t, 0.9, scores[7])
	}
}

func TestWorkerRejected(t *testing.T) {
	w := helperWorker(t, "reject", 5*time.Second)

	_, err := w.Classify(context.Background(), input())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, ErrClassifierRejected))
}

func TestWorkerTimeoutRespawns(t *testing.T) {
	w := helperWorker(t, "hang", 200*time.Millisecond)

	_, err := w.Classify(context.Background(), input())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, ErrClassifierTimeout))

	// The hung process was killed; the next call starts a fresh one.
	t.Setenv(helperEnv, "ok")
	scores, err := w.Classify(context.Background(), input())
	require.NoError(t, err)
	assert.Len(t, scores, Classes)
}

func TestWorkerReload(t *testing.T) {
	w := helperWorker(t, "ok", 5*time.Second)

	_, err := w.Classify(context.Background(), input())
	require.NoError(t, err)
	first := w.cmd.Process.Pid

	require.NoError(t, w.Reload(context.Background()))
	assert.Nil(t, w.cmd)

	_, err = w.Classify(context.Background(), input())
	require.NoError(t, err)
	assert.NotEqual(t, first, w.cmd.Process.Pid)
}

func TestWorkerMissingCommand(t *testing.T) {
	_, err := NewWorker(WorkerConfig{}, nil)
	require.Error(t, err)

	w, err := NewWorker(WorkerConfig{Command: "/nonexistent/classifier"}, nil)
	require.NoError(t, err)
	_, err = w.Classify(context.Background(), input())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, ErrClassifierUnavailable))
}
