package telemetry

import (
	"codeberg.org/mutker/meterreader/internal/health"
	"codeberg.org/mutker/meterreader/internal/reader"
)

// HealthSource exposes the live health register.
type HealthSource interface {
	Mask() health.Mask
	Details() map[string]string
	Streak() int
}

// ReadingSource exposes the most recent cycle.
type ReadingSource interface {
	LastResult() (reader.CycleResult, bool)
}

// HealthStatus is the /health response body.
type HealthStatus struct {
	Healthy bool              `json:"healthy"`
	Mask    uint8             `json:"sensorHealth"`
	Faults  []string          `json:"faults"`
	Details map[string]string `json:"details,omitempty"`
	Streak  int               `json:"streak"`
}
