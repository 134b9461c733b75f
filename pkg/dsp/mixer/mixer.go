// Package mixer implements a complex oscillator used to shift a channel
// offset from the tuner's center frequency down to baseband.
package mixer

import (
	"math"
)

const tau = math.Pi * 2

type Oscillator struct {
	sampleRate     int
	frequency      int
	phase          float64
	phaseIncrement float64
}

func NewOscillator(sampleRate, frequency int) *Oscillator {
	return &Oscillator{
		sampleRate:     sampleRate,
		frequency:      frequency,
		phaseIncrement: float64(frequency) * tau / float64(sampleRate),
	}
}

func (o *Oscillator) incrementPhase() {
	o.phase += o.phaseIncrement
	if o.phase > tau {
		o.phase -= tau
	} else if o.phase < -tau {
		o.phase += tau
	}
}

func (o *Oscillator) WorkBuffer(input, output []complex64) int {
	for i := 0; i < len(input); i++ {
		sin, cos := math.Sincos(o.phase)
		output[i] = complex(float32(cos), float32(sin)) * input[i]
		o.incrementPhase()
	}
	return len(input)
}

func (o *Oscillator) PredictOutputSize(inputSize int) int {
	return inputSize
}

// Reset rewinds the oscillator phase. Called when the tuner retunes so the
// mix is phase-continuous from the first post-settle sample.
func (o *Oscillator) Reset() {
	o.phase = 0
}
