package reader

import (
	"context"
	"time"

	"codeberg.org/mutker/meterreader/internal/capture"
	"codeberg.org/mutker/meterreader/internal/meterconf"
	"codeberg.org/mutker/meterreader/internal/messaging"
)

// Messenger is the part of messaging.Client the reader uses.
type Messenger interface {
	Publish(topic string, payload []byte) (bool, string)
	Subscribe(topic string, h messaging.Handler) error
	Unsubscribe(topic string) error
	Reconnect(opts messaging.Options)
}

// DocumentStore loads and persists the meter document.
type DocumentStore interface {
	Load() (*meterconf.Document, error)
	Save(doc *meterconf.Document) error
}

// SourceFactory builds the capture source for a camera URL.
type SourceFactory func(camURL string) (capture.Source, error)

// Recorder receives every finished cycle. Errors are logged and never
// become faults.
type Recorder interface {
	RecordCycle(ctx context.Context, res CycleResult) error
}

// Sleeper waits for d or until ctx is done, returning ctx.Err() in the
// latter case.
type Sleeper func(ctx context.Context, d time.Duration) error

// Option configures a Reader.
type Option func(*Reader)

func WithSourceFactory(f SourceFactory) Option {
	return func(r *Reader) { r.newSource = f }
}

func WithRecorders(recorders ...Recorder) Option {
	return func(r *Reader) { r.recorders = append(r.recorders, recorders...) }
}

// WithBrokerDefaults sets the connection settings not stored in the
// document: client name, QoS and timeouts.
func WithBrokerDefaults(opts messaging.Options) Option {
	return func(r *Reader) { r.brokerDefaults = opts }
}

func WithClock(now func() time.Time, sleep Sleeper) Option {
	return func(r *Reader) {
		if now != nil {
			r.now = now
		}
		if sleep != nil {
			r.sleep = sleep
		}
	}
}
