// Package inference turns the digit masks of a rectified frame into a
// candidate meter reading.
package inference

import (
	"context"
	"fmt"
	"image"
	"math"

	"codeberg.org/mutker/meterreader/internal/errors"
	"codeberg.org/mutker/meterreader/internal/health"
	"codeberg.org/mutker/meterreader/internal/logger"
	"codeberg.org/mutker/meterreader/internal/meterconf"
	"codeberg.org/mutker/meterreader/internal/plausibility"
)

type Pipeline struct {
	classifier Classifier
	faults     FaultRecorder
	logger     logger.Logger
	errFactory errors.Factory
}

func NewPipeline(classifier Classifier, faults FaultRecorder, log logger.Logger) *Pipeline {
	if log == nil {
		log = logger.New("inference")
	}
	return &Pipeline{
		classifier: classifier,
		faults:     faults,
		logger:     log,
		errFactory: errors.New(),
	}
}

// Run classifies every mask, most significant digit first.
//
// A failed invocation marks that position and the pass continues. A digit
// below minConfidence ends the pass; the positions after it are skipped.
// Either way the result is incomplete and the caller keeps the previous
// value.
func (p *Pipeline) Run(ctx context.Context, frame image.Image, masks map[int]meterconf.Rect, minConfidence float64) Result {
	exps := meterconf.ImgMaskDesc{DigMasks: masks}.Exponents()
	bounds := frame.Bounds()

	rects := make([]image.Rectangle, len(exps))
	for i, e := range exps {
		rect, ok := maskBounds(bounds, masks[e])
		if !ok {
			err := p.errFactory.WithData(ErrMaskOutOfFrame, fmt.Sprintf("10^%d %v outside %v", e, masks[e], bounds))
			p.faults.SetFault(health.FaultSetting, err.Error())
			return Result{Aborted: true}
		}
		rects[i] = rect
	}

	result := Result{Verdicts: make([]Verdict, 0, len(exps))}
	invocationFailed := false
	lowConfidence := false
	sum := 0.0

	for i, e := range exps {
		if lowConfidence {
			result.Verdicts = append(result.Verdicts, Verdict{Exponent: e, Status: StatusSkipped, Class: -1})
			continue
		}

		v := p.classify(ctx, e, rects[i], frame, minConfidence)
		switch v.Status {
		case StatusError:
			invocationFailed = true
			p.faults.SetFault(health.FaultClassifier, v.Detail)
		case StatusLowConfidence:
			lowConfidence = true
			p.faults.SetFault(health.FaultLowConfidence, v.Detail)
		case StatusDigit:
			sum += float64(v.Class) * math.Pow10(e)
		}

		result.Verdicts = append(result.Verdicts, v)
	}

	if !invocationFailed {
		p.faults.ClearFault(health.FaultClassifier)
	}
	if !lowConfidence {
		p.faults.ClearFault(health.FaultLowConfidence)
	}

	result.Candidate = plausibility.Round3(sum)
	result.Complete = len(exps) > 0 && result.Resolved() == len(exps)

	p.logger.Debug().
		Str("digits", result.Digits()).
		Float64("candidate", result.Candidate).
		Bool("complete", result.Complete).
		Msg("Inference pass finished")

	return result
}

func (p *Pipeline) classify(ctx context.Context, exp int, rect image.Rectangle, frame image.Image, minConfidence float64) Verdict {
	v := Verdict{Exponent: exp, Class: -1}

	scores, err := p.classifier.Classify(ctx, Tensor(frame, rect))
	if err == nil && len(scores) != Classes {
		err = p.errFactory.WithData(ErrInvalidScores, len(scores))
	}
	if err != nil {
		v.Status = StatusError
		v.Detail = fmt.Sprintf("digit 10^%d: %v", exp, err)
		return v
	}

	v.Class, v.Confidence = argmax(scores)
	switch {
	case v.Confidence < minConfidence:
		v.Status = StatusLowConfidence
		v.Detail = fmt.Sprintf("digit 10^%d: confidence %.2f below %.2f", exp, v.Confidence, minConfidence)
	case v.Class == NoDigit:
		v.Status = StatusNoDigit
	default:
		v.Status = StatusDigit
	}

	return v
}
