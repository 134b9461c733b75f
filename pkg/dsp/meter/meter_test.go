package meter

import (
	"math"
	"testing"
)

func TestObserveIQFindsOffset(t *testing.T) {
	const (
		sampleRate = 48000
		offset     = 3000.0
		fftSize    = 1024
	)
	m := New(0.1, 1, fftSize)

	iq := make([]complex64, fftSize)
	for i := range iq {
		phase := 2 * math.Pi * offset * float64(i) / sampleRate
		s, c := math.Sincos(phase)
		iq[i] = complex(float32(c), float32(s))
	}

	m.ObserveIQ(iq, sampleRate)

	binWidth := float64(sampleRate) / fftSize
	if got := float64(m.OffsetHz()); math.Abs(got-offset) > binWidth {
		t.Fatalf("offset = %v Hz, want %v ± %v", got, offset, binWidth)
	}
}

func TestUpdatePowerNoAlloc(t *testing.T) {
	m := New(0.05, 50, 256)
	baseband := make([]float32, 4096)
	for i := range baseband {
		baseband[i] = 0.5
	}

	allocs := testing.AllocsPerRun(100, func() {
		m.UpdatePower(baseband)
	})
	if allocs > 0 {
		t.Fatalf("allocs per update = %v, want 0", allocs)
	}

	if db := m.PowerDB(); db > 0 || db < -30 {
		t.Fatalf("power = %v dB for half-scale signal", db)
	}
}
