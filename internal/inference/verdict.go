package inference

import (
	"fmt"
	"strconv"
	"strings"
)

type Status int

const (
	StatusDigit Status = iota
	StatusNoDigit
	StatusLowConfidence
	StatusError
	StatusSkipped
)

func (s Status) String() string {
	switch s {
	case StatusDigit:
		return "digit"
	case StatusNoDigit:
		return "no_digit"
	case StatusLowConfidence:
		return "low_confidence"
	case StatusError:
		return "error"
	case StatusSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Verdict is the outcome for one digit position.
type Verdict struct {
	Exponent   int     `json:"exponent"`
	Status     Status  `json:"status"`
	Class      int     `json:"class"`
	Confidence float64 `json:"confidence"`
	Detail     string  `json:"detail,omitempty"`
}

// Resolved reports whether the position contributes to the candidate.
func (v Verdict) Resolved() bool {
	return v.Status == StatusDigit || v.Status == StatusNoDigit
}

// Symbol renders the verdict for logs: the digit, NaN for an empty
// position, or ? when unresolved.
func (v Verdict) Symbol() string {
	switch v.Status {
	case StatusDigit:
		return strconv.Itoa(v.Class)
	case StatusNoDigit:
		return "NaN"
	default:
		return "?"
	}
}

func (v Verdict) String() string {
	return fmt.Sprintf("10^%d=%s(%.2f)", v.Exponent, v.Symbol(), v.Confidence)
}

// Result of one pass over all masks.
type Result struct {
	Verdicts  []Verdict
	Candidate float64
	// Complete is true when every position resolved. Only complete results
	// are validated; otherwise the previous value stands.
	Complete bool
	// Aborted is set when the pass could not start, e.g. a mask lies
	// outside the frame.
	Aborted bool
}

// Resolved counts the positions that contributed to Candidate.
func (r Result) Resolved() int {
	n := 0
	for _, v := range r.Verdicts {
		if v.Resolved() {
			n++
		}
	}
	return n
}

// Digits renders the verdicts most significant first, e.g. "04.5".
func (r Result) Digits() string {
	var b strings.Builder
	for i, v := range r.Verdicts {
		if i > 0 && v.Exponent == -1 {
			b.WriteByte('.')
		}
		b.WriteString(v.Symbol())
	}
	return b.String()
}
