// Package plausibility decides whether a candidate meter reading is
// physically possible given the previously accepted value.
package plausibility

import (
	"fmt"
	"math"
)

// Outcome of a validation.
type Outcome int

const (
	Accepted Outcome = iota
	RejectedDecrease
	RejectedStep
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case RejectedDecrease:
		return "rejected_decrease"
	case RejectedStep:
		return "rejected_step"
	default:
		return "unknown"
	}
}

// Decision is the result of Validate. On rejection Value is the previous
// value and Delta is zero.
type Decision struct {
	Outcome Outcome
	Value   float64
	Delta   float64
	Reason  string
}

// Accepted reports whether the candidate was accepted.
func (d Decision) Accepted() bool {
	return d.Outcome == Accepted
}

// Validate checks candidate against previous. A meter never runs backwards,
// and outside the exempt first round it never advances more than maxStep in
// one cycle.
func Validate(candidate, previous, maxStep float64, firstRoundExempt bool) Decision {
	if candidate < previous {
		return Decision{
			Outcome: RejectedDecrease,
			Value:   previous,
			Reason:  fmt.Sprintf("candidate %.3f below previous %.3f", candidate, previous),
		}
	}

	if candidate > previous+maxStep && !firstRoundExempt {
		return Decision{
			Outcome: RejectedStep,
			Value:   previous,
			Reason:  fmt.Sprintf("candidate %.3f exceeds previous %.3f by more than %.3f", candidate, previous, maxStep),
		}
	}

	return Decision{
		Outcome: Accepted,
		Value:   candidate,
		Delta:   Round3(candidate - previous),
	}
}

// Round3 rounds v to three decimal places.
func Round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
