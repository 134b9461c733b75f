// Package agc implements a root-mean-squared automatic gain controller for
// the discriminator output, so the symbol slicer sees a stable deviation
// regardless of received signal level.
package agc

import (
	"math"
)

type RMS struct {
	alpha   float64
	beta    float64
	gain    float64
	average float64
}

func NewRMS(alpha, k float64) *RMS {
	return &RMS{
		alpha:   alpha,
		beta:    1 - alpha,
		average: 1.0,
		gain:    k,
	}
}

func (r *RMS) WorkBuffer(input, output []float32) int {
	for i := 0; i < len(input); i++ {
		cur := float64(input[i])
		magSquared := cur * cur
		r.average = r.beta*r.average + r.alpha*magSquared
		if r.average > 0 {
			output[i] = float32(r.gain * cur / math.Sqrt(r.average))
		} else {
			output[i] = float32(r.gain * cur)
		}
	}
	return len(input)
}

func (r *RMS) PredictOutputSize(inputSize int) int {
	return inputSize
}

// AverageDB reports the smoothed signal power, used as the channel-quality
// estimate attached to symbol frames.
func (r *RMS) AverageDB() float32 {
	if r.average <= 0 {
		return -120
	}
	return float32(10 * math.Log10(r.average))
}

func (r *RMS) Reset() {
	r.average = 1.0
}
