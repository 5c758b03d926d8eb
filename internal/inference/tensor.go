package inference

import (
	"image"

	"codeberg.org/mutker/meterreader/internal/meterconf"
	"github.com/disintegration/imaging"
)

// maskBounds translates a mask into frame coordinates and reports whether
// it lies fully inside the frame.
func maskBounds(frame image.Rectangle, r meterconf.Rect) (image.Rectangle, bool) {
	rect := image.Rect(r.Min().X(), r.Min().Y(), r.Max().X(), r.Max().Y()).Add(frame.Min)
	return rect, !rect.Empty() && rect.In(frame)
}

// Tensor crops rect from frame, resizes it to the classifier input and
// returns it as HxWx3 float32 BGR in 0-255.
func Tensor(frame image.Image, rect image.Rectangle) []float32 {
	crop := imaging.Crop(frame, rect)
	img := imaging.Resize(crop, InputWidth, InputHeight, imaging.Linear)

	out := make([]float32, 0, InputWidth*InputHeight*InputChannels)
	for y := 0; y < InputHeight; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+InputWidth*4]
		for x := 0; x < InputWidth; x++ {
			px := row[x*4 : x*4+4]
			out = append(out, float32(px[2]), float32(px[1]), float32(px[0]))
		}
	}

	return out
}

// argmax returns the index and value of the highest score.
func argmax(scores []float64) (int, float64) {
	best := 0
	for i := 1; i < len(scores); i++ {
		if scores[i] > scores[best] {
			best = i
		}
	}
	return best, scores[best]
}
