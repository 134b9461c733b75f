// Package demod implements the FM quadrature discriminator: instantaneous
// frequency is recovered from the phase difference of consecutive complex
// samples.
package demod

import (
	"math"
)

type Quad struct {
	gain float32
	prev complex64
}

// NewQuad builds a discriminator. Gain is typically
// sampleRate / (2*pi*deviation).
func NewQuad(gain float32) *Quad {
	return &Quad{gain: gain}
}

func (q *Quad) WorkBuffer(input []complex64, output []float32) int {
	prev := q.prev
	for i := 0; i < len(input); i++ {
		cur := input[i]
		// cur * conj(prev)
		re := real(cur)*real(prev) + imag(cur)*imag(prev)
		im := imag(cur)*real(prev) - real(cur)*imag(prev)
		output[i] = q.gain * float32(math.Atan2(float64(im), float64(re)))
		prev = cur
	}
	q.prev = prev
	return len(input)
}

func (q *Quad) PredictOutputSize(inputLength int) int {
	return inputLength
}

// Reset drops the carried sample so the first post-retune output does not
// mix phases from two tuned frequencies.
func (q *Quad) Reset() {
	q.prev = 0
}
