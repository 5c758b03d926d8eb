// Package health tracks the reader's fault register and the consecutive
// unhealthy cycle streak that escalates into reinitialization.
package health

import "strings"

// Fault is a single bit in the health register. The values are part of the
// report payload and must not change.
type Fault uint8

const (
	FaultVideo         Fault = 1 << iota // capture failed or returned an empty frame
	FaultMessaging                       // publish failed or broker unreachable
	FaultLowConfidence                   // a digit was classified below the confidence floor
	FaultSetting                         // digit masks missing or outside the frame
	FaultClassifier                      // classifier invocation failed
	FaultPlausibility                    // candidate reading rejected
	FaultPersistence                     // meter document could not be saved
	FaultConfigLoad                      // meter document could not be loaded
)

// AllFaults lists every fault kind in bit order.
var AllFaults = []Fault{
	FaultVideo,
	FaultMessaging,
	FaultLowConfidence,
	FaultSetting,
	FaultClassifier,
	FaultPlausibility,
	FaultPersistence,
	FaultConfigLoad,
}

// PassFaults are resolved only by a complete inference pass, so they never
// gate one.
var PassFaults = []Fault{
	FaultLowConfidence,
	FaultClassifier,
	FaultPlausibility,
	FaultPersistence,
}

func (f Fault) String() string {
	switch f {
	case FaultVideo:
		return "video"
	case FaultMessaging:
		return "messaging"
	case FaultLowConfidence:
		return "low_confidence"
	case FaultSetting:
		return "setting"
	case FaultClassifier:
		return "classifier"
	case FaultPlausibility:
		return "plausibility"
	case FaultPersistence:
		return "persistence"
	case FaultConfigLoad:
		return "config_load"
	default:
		return "unknown"
	}
}

// Mask is the health register: one bit per fault kind.
type Mask uint8

// Set returns m with f set.
func (m Mask) Set(f Fault) Mask { return m | Mask(f) }

// Clear returns m with f cleared.
func (m Mask) Clear(f Fault) Mask { return m &^ Mask(f) }

// Has reports whether f is set in m.
func (m Mask) Has(f Fault) bool { return m&Mask(f) != 0 }

// Healthy reports whether no fault is set.
func (m Mask) Healthy() bool { return m == 0 }

// Blocking returns m without PassFaults: the faults that stop the next
// inference pass.
func (m Mask) Blocking() Mask {
	for _, f := range PassFaults {
		m = m.Clear(f)
	}
	return m
}

// Faults returns the set faults in bit order.
func (m Mask) Faults() []Fault {
	var out []Fault
	for _, f := range AllFaults {
		if m.Has(f) {
			out = append(out, f)
		}
	}
	return out
}

func (m Mask) String() string {
	if m == 0 {
		return "ok"
	}
	names := make([]string, 0, len(AllFaults))
	for _, f := range m.Faults() {
		names = append(names, f.String())
	}
	return strings.Join(names, "|")
}
