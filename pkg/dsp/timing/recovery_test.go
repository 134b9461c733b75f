package timing

import (
	"math"
	"testing"
)

// squareTone builds a baseband alternating between +level and -level every
// sps samples: a 2-level signal exactly at the symbol rate.
func squareTone(symbols, sps int, level, offset float32) []float32 {
	out := make([]float32, 0, symbols*sps)
	for s := 0; s < symbols; s++ {
		v := level
		if s%2 == 1 {
			v = -level
		}
		for i := 0; i < sps; i++ {
			out = append(out, v+offset)
		}
	}
	return out
}

func TestSymbolCountTracksRatio(t *testing.T) {
	const (
		sampleRate = 48000
		symbolRate = 4800
		symbols    = 200
	)
	r := NewRecovery(sampleRate, symbolRate, Levels2)
	input := squareTone(symbols, sampleRate/symbolRate, 1.0, 0)

	out := make([]byte, r.PredictOutputSize(len(input)))
	n := r.WorkBuffer(input, out)

	if n < symbols-2 || n > symbols {
		t.Fatalf("recovered %d symbols from %d transmitted", n, symbols)
	}
}

func TestDeterministicAcrossReset(t *testing.T) {
	r := NewRecovery(48000, 4800, Levels4)
	input := squareTone(100, 10, 1.5, 0.05)

	out1 := make([]byte, r.PredictOutputSize(len(input)))
	n1 := r.WorkBuffer(input, out1)
	err1 := r.FreqErrorHz()

	r.Reset()

	out2 := make([]byte, r.PredictOutputSize(len(input)))
	n2 := r.WorkBuffer(input, out2)
	err2 := r.FreqErrorHz()

	if n1 != n2 {
		t.Fatalf("symbol count changed across reset: %d != %d", n1, n2)
	}
	for i := 0; i < n1; i++ {
		if out1[i] != out2[i] {
			t.Fatalf("dibit %d changed across reset: %d != %d", i, out1[i], out2[i])
		}
	}
	if err1 != err2 {
		t.Fatalf("frequency error changed across reset: %v != %v", err1, err2)
	}
}

func TestCenteredToneHasNearZeroFreqError(t *testing.T) {
	const symbolRate = 4800
	r := NewRecovery(48000, symbolRate, Levels2)
	input := squareTone(500, 10, 1.0, 0)

	out := make([]byte, r.PredictOutputSize(len(input)))
	r.WorkBuffer(input, out)

	if err := float64(r.FreqErrorHz()); math.Abs(err) > 0.02*symbolRate {
		t.Fatalf("frequency error = %v Hz for centered tone", err)
	}
}

func TestAlternatingSymbolsDecoded(t *testing.T) {
	r := NewRecovery(48000, 4800, Levels2)
	input := squareTone(100, 10, 1.0, 0)

	out := make([]byte, r.PredictOutputSize(len(input)))
	n := r.WorkBuffer(input, out)
	if n < 50 {
		t.Fatalf("too few symbols recovered: %d", n)
	}

	// After acquisition the decisions must alternate 0,1,0,1.
	settled := out[n/2 : n-1]
	for i := 1; i < len(settled); i++ {
		if settled[i] == settled[i-1] {
			t.Fatalf("symbols not alternating at %d: %d %d", i, settled[i-1], settled[i])
		}
	}
}

func TestWorkBufferDoesNotAllocate(t *testing.T) {
	r := NewRecovery(48000, 4800, Levels4)
	input := squareTone(100, 10, 1.5, 0)
	out := make([]byte, r.PredictOutputSize(len(input)))

	allocs := testing.AllocsPerRun(100, func() {
		r.WorkBuffer(input, out)
	})
	if allocs > 0 {
		t.Fatalf("allocs per work = %v, want 0", allocs)
	}
}
