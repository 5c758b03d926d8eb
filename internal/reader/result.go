package reader

import (
	"time"

	"codeberg.org/mutker/meterreader/internal/health"
	"codeberg.org/mutker/meterreader/internal/inference"
)

// Stage of the read cycle.
type Stage string

const (
	StageNone          Stage = ""
	StageIlluminateOn  Stage = "illuminate_on"
	StageCapture       Stage = "capture"
	StageRectify       Stage = "rectify"
	StageInfer         Stage = "infer"
	StageValidate      Stage = "validate"
	StagePersist       Stage = "persist"
	StageReport        Stage = "report"
	StageIlluminateOff Stage = "illuminate_off"
	StageIdle          Stage = "idle"
)

// CycleResult summarizes one read cycle.
type CycleResult struct {
	Started time.Time `json:"started"`
	// SensorValue is the candidate read from the dial, or the previous
	// value when inference did not produce a complete reading.
	SensorValue   float64             `json:"sensorValue"`
	AcceptedValue float64             `json:"acceptedValue"`
	Delta         float64             `json:"delta"`
	Accepted      bool                `json:"accepted"`
	Health        health.Mask         `json:"sensorHealth"`
	Verdicts      []inference.Verdict `json:"verdicts,omitempty"`
	AbortedAt     Stage               `json:"abortedAt,omitempty"`
	// InferSkipped names why inference did not run, if it did not.
	InferSkipped  string        `json:"inferSkipped,omitempty"`
	Streak        int           `json:"streak"`
	Reinitialized bool          `json:"reinitialized"`
	Duration      time.Duration `json:"duration"`
}

type flashPayload struct {
	Bright any `json:"bright"`
}

type reportPayload struct {
	SensorValue  float64 `json:"sensorValue"`
	Delta        float64 `json:"delta"`
	SensorHealth uint8   `json:"sensorHealth"`
}

type valuePayload struct {
	SensorValue *float64 `json:"sensorValue,omitempty"`
}
