// Package meter tracks signal quality for the tracker: smoothed RMS power of
// the demodulated baseband, plus a periodic FFT-based estimate of how far the
// received carrier sits from the channel center.
package meter

import (
	"math"

	"github.com/mjibson/go-dsp/fft"
)

type Meter struct {
	alpha float64
	beta  float64
	avg   float64

	every   int
	count   int
	fftSize int
	scratch []complex128

	offsetHz float32
}

// New builds a meter. every controls how often ObserveIQ actually runs an
// FFT; the power average updates on every call.
func New(alpha float64, every, fftSize int) *Meter {
	if every < 1 {
		every = 1
	}
	if fftSize < 64 {
		fftSize = 64
	}
	return &Meter{
		alpha:   alpha,
		beta:    1 - alpha,
		avg:     1e-6,
		every:   every,
		fftSize: fftSize,
		scratch: make([]complex128, fftSize),
	}
}

// UpdatePower folds one block of baseband into the power average. Runs on
// the hot path; no allocation.
func (m *Meter) UpdatePower(baseband []float32) {
	if len(baseband) == 0 {
		return
	}
	var sum float64
	for _, s := range baseband {
		sum += float64(s) * float64(s)
	}
	m.avg = m.beta*m.avg + m.alpha*(sum/float64(len(baseband)))
}

func (m *Meter) PowerDB() float32 {
	if m.avg <= 0 {
		return -120
	}
	return float32(10 * math.Log10(m.avg))
}

// ObserveIQ estimates the carrier offset from the strongest FFT bin of the
// channelized complex signal. The FFT allocates, so it only runs every Nth
// call; the hot path between observations just increments a counter.
func (m *Meter) ObserveIQ(iq []complex64, sampleRate int) {
	m.count++
	if m.count%m.every != 0 || len(iq) < m.fftSize {
		return
	}

	for i := 0; i < m.fftSize; i++ {
		m.scratch[i] = complex128(iq[i])
	}

	bins := fft.FFT(m.scratch)

	peak := 0
	peakMag := 0.0
	for i, b := range bins {
		mag := real(b)*real(b) + imag(b)*imag(b)
		if mag > peakMag {
			peakMag = mag
			peak = i
		}
	}

	// Bins above N/2 are negative frequencies.
	bin := peak
	if bin >= m.fftSize/2 {
		bin -= m.fftSize
	}
	m.offsetHz = float32(bin * sampleRate / m.fftSize)
}

func (m *Meter) OffsetHz() float32 {
	return m.offsetHz
}

func (m *Meter) Reset() {
	m.avg = 1e-6
	m.offsetHz = 0
	m.count = 0
}
