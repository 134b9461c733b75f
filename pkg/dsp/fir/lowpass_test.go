package fir

import (
	"math"
	"math/cmplx"
	"testing"
)

// response evaluates the filter's magnitude response at the given frequency.
func response(taps []float32, freq, sampleRate float64) float64 {
	var sum complex128
	for i, tap := range taps {
		phase := -2 * math.Pi * freq / sampleRate * float64(i)
		sum += complex(float64(tap), 0) * cmplx.Exp(complex(0, phase))
	}
	return cmplx.Abs(sum)
}

func TestMakeLowPass(t *testing.T) {
	tests := []struct {
		name       string
		sampleRate float64
		cutoff     float64
		transition float64
		win        WindowType
	}{
		{"audio", 48000, 3000, 500, Hamming},
		{"channel", 96000, 6250, 1200, Hamming},
		{"narrow", 48000, 2000, 400, Hann},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			taps := MakeLowPass(1.0, tt.sampleRate, tt.cutoff, tt.transition, tt.win)

			if len(taps)%2 != 1 {
				t.Fatalf("ntaps = %d, want odd", len(taps))
			}

			if dc := response(taps, 0, tt.sampleRate); math.Abs(dc-1.0) > 0.01 {
				t.Errorf("DC gain = %v, want 1.0", dc)
			}

			stop := response(taps, tt.cutoff*3, tt.sampleRate)
			if stop > 0.05 {
				t.Errorf("stopband response = %v, want < 0.05", stop)
			}
		})
	}
}

func TestWindowsSymmetric(t *testing.T) {
	for name, fn := range map[string]WindowFunc{
		"hamming":  HammingWindow,
		"hann":     HannWindow,
		"blackman": BlackmanWindow,
	} {
		w := fn(33)
		for i := 0; i < len(w)/2; i++ {
			if math.Abs(float64(w[i]-w[len(w)-1-i])) > 1e-6 {
				t.Errorf("%s window asymmetric at %d: %v != %v", name, i, w[i], w[len(w)-1-i])
			}
		}
	}
}
