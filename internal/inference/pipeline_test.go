package inference_test

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"testing"

	"codeberg.org/mutker/meterreader/internal/health"
	"codeberg.org/mutker/meterreader/internal/inference"
	"codeberg.org/mutker/meterreader/internal/meterconf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedClassifier returns one scripted answer per call.
type scriptedClassifier struct {
	answers []answer
	calls   int
	inputs  [][]float32
}

type answer struct {
	class      int
	confidence float64
	err        error
}

func (c *scriptedClassifier) Classify(_ context.Context, input []float32) ([]float64, error) {
	a := c.answers[c.calls]
	c.calls++
	c.inputs = append(c.inputs, input)
	if a.err != nil {
		return nil, a.err
	}
	return scores(a.class, a.confidence), nil
}

func (c *scriptedClassifier) Reload(context.Context) error { return nil }
func (c *scriptedClassifier) Close() error                 { return nil }

func scores(class int, confidence float64) []float64 {
	out := make([]float64, inference.Classes)
	rest := (1 - confidence) / float64(inference.Classes-1)
	for i := range out {
		out[i] = rest
	}
	out[class] = confidence
	return out
}

func testFrame() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 100, 40))
	for y := 0; y < 40; y++ {
		for x := 0; x < 100; x++ {
			img.Set(x, y, color.RGBA{R: 10, G: 20, B: 30, A: 255})
		}
	}
	return img
}

func masks(exps ...int) map[int]meterconf.Rect {
	m := make(map[int]meterconf.Rect, len(exps))
	for i, e := range exps {
		m[e] = meterconf.Rect{{i * 20, 0}, {i*20 + 20, 32}}
	}
	return m
}

func TestRunAggregatesDigits(t *testing.T) {
	classifier := &scriptedClassifier{answers: []answer{{4, 0.95, nil}, {5, 0.9, nil}}}
	sup := health.NewSupervisor(4, nil)
	sup.SetFault(health.FaultClassifier, "stale")
	sup.SetFault(health.FaultLowConfidence, "stale")

	p := inference.NewPipeline(classifier, sup, nil)
	res := p.Run(context.Background(), testFrame(), masks(1, 0), 0.8)

	require.True(t, res.Complete)
	assert.Equal(t, 45.0, res.Candidate)
	assert.Equal(t, 2, res.Resolved())
	assert.Equal(t, "45", res.Digits())
	assert.True(t, sup.Healthy())
}

func TestRunOrdersMostSignificantFirst(t *testing.T) {
	classifier := &scriptedClassifier{answers: []answer{
		{1, 0.9, nil}, {2, 0.9, nil}, {3, 0.9, nil}, {7, 0.9, nil},
	}}
	p := inference.NewPipeline(classifier, health.NewSupervisor(4, nil), nil)

	res := p.Run(context.Background(), testFrame(), masks(-2, 0, 1, -1), 0.8)

	require.True(t, res.Complete)
	exps := make([]int, 0, len(res.Verdicts))
	for _, v := range res.Verdicts {
		exps = append(exps, v.Exponent)
	}
	assert.Equal(t, []int{1, 0, -1, -2}, exps)
	assert.Equal(t, 12.37, res.Candidate)
	assert.Equal(t, "12.37", res.Digits())
}

func TestRunLowConfidenceShortCircuits(t *testing.T) {
	classifier := &scriptedClassifier{answers: []answer{{4, 0.3, nil}}}
	sup := health.NewSupervisor(4, nil)
	p := inference.NewPipeline(classifier, sup, nil)

	res := p.Run(context.Background(), testFrame(), masks(1, 0, -1), 0.8)

	assert.False(t, res.Complete)
	assert.Equal(t, 1, classifier.calls)
	require.Len(t, res.Verdicts, 3)
	assert.Equal(t, inference.StatusLowConfidence, res.Verdicts[0].Status)
	assert.Equal(t, inference.StatusSkipped, res.Verdicts[1].Status)
	assert.Equal(t, inference.StatusSkipped, res.Verdicts[2].Status)
	assert.Equal(t, health.Mask(health.FaultLowConfidence), sup.Mask())
}

func TestRunInvocationErrorContinues(t *testing.T) {
	classifier := &scriptedClassifier{answers: []answer{
		{0, 0, fmt.Errorf("worker crashed")}, {5, 0.9, nil},
	}}
	sup := health.NewSupervisor(4, nil)
	p := inference.NewPipeline(classifier, sup, nil)

	res := p.Run(context.Background(), testFrame(), masks(1, 0), 0.8)

	assert.False(t, res.Complete)
	assert.Equal(t, 2, classifier.calls)
	assert.Equal(t, inference.StatusError, res.Verdicts[0].Status)
	assert.Equal(t, inference.StatusDigit, res.Verdicts[1].Status)
	assert.Equal(t, health.Mask(health.FaultClassifier), sup.Mask())
}

func TestRunNoDigitContributesZero(t *testing.T) {
	classifier := &scriptedClassifier{answers: []answer{{inference.NoDigit, 0.99, nil}, {7, 0.9, nil}}}
	sup := health.NewSupervisor(4, nil)
	p := inference.NewPipeline(classifier, sup, nil)

	res := p.Run(context.Background(), testFrame(), masks(1, 0), 0.8)

	require.True(t, res.Complete)
	assert.Equal(t, 7.0, res.Candidate)
	assert.Equal(t, "NaN7", res.Digits())
	assert.True(t, sup.Healthy())
}

func TestRunWrongScoreCount(t *testing.T) {
	sup := health.NewSupervisor(4, nil)
	p := inference.NewPipeline(shortClassifier{}, sup, nil)

	res := p.Run(context.Background(), testFrame(), masks(0), 0.8)

	assert.False(t, res.Complete)
	assert.Equal(t, health.Mask(health.FaultClassifier), sup.Mask())
}

type shortClassifier struct{}

func (shortClassifier) Classify(context.Context, []float32) ([]float64, error) {
	return []float64{0.9, 0.1}, nil
}
func (shortClassifier) Reload(context.Context) error { return nil }
func (shortClassifier) Close() error                 { return nil }

func TestRunMaskOutsideFrame(t *testing.T) {
	classifier := &scriptedClassifier{}
	sup := health.NewSupervisor(4, nil)
	p := inference.NewPipeline(classifier, sup, nil)

	m := masks(0)
	m[1] = meterconf.Rect{{90, 0}, {120, 32}}
	res := p.Run(context.Background(), testFrame(), m, 0.8)

	assert.True(t, res.Aborted)
	assert.False(t, res.Complete)
	assert.Zero(t, classifier.calls)
	assert.Equal(t, health.Mask(health.FaultSetting), sup.Mask())
}

func TestTensor(t *testing.T) {
	tensor := inference.Tensor(testFrame(), image.Rect(5, 5, 45, 37))

	require.Len(t, tensor, inference.InputWidth*inference.InputHeight*inference.InputChannels)
	// BGR order.
	assert.Equal(t, []float32{30, 20, 10}, tensor[:3])
	assert.Equal(t, []float32{30, 20, 10}, tensor[len(tensor)-3:])
}
