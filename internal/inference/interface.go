package inference

import (
	"context"

	"codeberg.org/mutker/meterreader/internal/health"
)

const (
	// InputWidth and InputHeight are the classifier's input size in pixels.
	InputWidth  = 20
	InputHeight = 32
	// InputChannels is BGR.
	InputChannels = 3

	// Classes are the ten digits plus NoDigit.
	Classes = 11
	NoDigit = 10
)

// InputShape is the tensor shape sent to the classifier: height, width, channels.
var InputShape = []int{InputHeight, InputWidth, InputChannels}

// Classifier maps one digit image to Classes confidences.
type Classifier interface {
	// Classify takes a float32 BGR tensor of InputShape with values 0-255.
	Classify(ctx context.Context, input []float32) ([]float64, error)
	// Reload drops any loaded model state so the next call starts fresh.
	Reload(ctx context.Context) error
	Close() error
}

// FaultRecorder is the part of the health supervisor the pipeline writes to.
type FaultRecorder interface {
	SetFault(f health.Fault, detail string)
	ClearFault(f health.Fault) bool
}
