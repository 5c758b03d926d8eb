package metrics

import (
	"context"
	"time"
)

// HistoryCollector defines the core domain interface
type HistoryCollector interface {
	Record(ctx context.Context, reading *Reading) error
	Recent(ctx context.Context, limit int) ([]Reading, error)
	Close() error
}

// HistoryRepository defines the interface for reading storage
type HistoryRepository interface {
	Record(reading *Reading) error
	Recent(limit int) ([]Reading, error)
	Close() error
}

// Reading is one stored cycle outcome.
type Reading struct {
	Timestamp     time.Time
	SensorValue   float64
	AcceptedValue float64
	Delta         float64
	Accepted      bool
	Health        uint8
	Digits        string
	AbortedAt     string
	Streak        int
	Reinitialized bool
	Duration      time.Duration
}
