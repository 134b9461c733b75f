// Package timing implements decision-directed symbol clock recovery for
// 2- and 4-level FSK baseband. One dibit is emitted per recovered timing
// tick; the loop tracks symbol deviation, clock drift, and carrier offset
// through error feedback.
package timing

import (
	"math"
)

const (
	defaultSymbolSpread = 2.0 // normalized deviation between ±1 symbols

	symbolSpreadMin = 1.0
	symbolSpreadMax = 4.0

	// Loop gains. Small relative to the error terms so a burst of noise
	// cannot throw the clock.
	gainSymbolTiming    = 0.025
	gainSymbolSpread    = 0.010
	gainFineFrequency   = 0.125
	gainCoarseFrequency = 0.00125

	historyLen = 4
)

type Levels int

const (
	Levels2 Levels = 2
	Levels4 Levels = 4
)

type Recovery struct {
	sampleRate int
	symbolRate int
	levels     Levels

	symbolClock  float32
	symbolTime   float32
	symbolSpread float32

	fineFreqCorrection   float32
	coarseFreqCorrection float32

	history     [historyLen]float32
	historyLast int
}

func NewRecovery(sampleRate, symbolRate int, levels Levels) *Recovery {
	return &Recovery{
		sampleRate:   sampleRate,
		symbolRate:   symbolRate,
		levels:       levels,
		symbolTime:   float32(symbolRate) / float32(sampleRate),
		symbolSpread: defaultSymbolSpread,
	}
}

// interp is the moving-average-assisted sample estimate at the recovered
// symbol instant: a short history window interpolated at the fractional
// clock position.
func (r *Recovery) interp(mu float32) float32 {
	// Linear interpolation between the two newest history entries,
	// pre-smoothed by the window average to knock down single-sample
	// noise.
	newest := r.history[(r.historyLast+historyLen-1)%historyLen]
	prev := r.history[(r.historyLast+historyLen-2)%historyLen]

	var avg float32
	for _, h := range r.history {
		avg += h
	}
	avg /= historyLen

	point := prev + (newest-prev)*mu
	return 0.75*point + 0.25*avg
}

func (r *Recovery) step(input float32, out *byte) bool {
	r.symbolClock += r.symbolTime
	r.history[r.historyLast] = input
	r.historyLast = (r.historyLast + 1) % historyLen

	if r.symbolClock <= 1.0 {
		return false
	}
	r.symbolClock -= 1.0

	mu := 1.0 - r.symbolClock/r.symbolTime
	if mu < 0 {
		mu = 0
	} else if mu > 1 {
		mu = 1
	}

	interp := r.interp(mu) - r.fineFreqCorrection

	// Hard decision, then error against the nominal level position:
	// ±0.5*spread for the inner symbols, ±1.5*spread for the outer.
	var symbolError float32
	switch {
	case r.levels == Levels2:
		if interp < 0 {
			*out = 1
			symbolError = interp + 0.5*r.symbolSpread
			r.symbolSpread -= symbolError * gainSymbolSpread
		} else {
			*out = 0
			symbolError = interp - 0.5*r.symbolSpread
			r.symbolSpread += symbolError * gainSymbolSpread
		}

	case interp < -r.symbolSpread:
		*out = 3 // -3 level
		symbolError = interp + 1.5*r.symbolSpread
		r.symbolSpread -= symbolError * 0.5 * gainSymbolSpread
	case interp < 0:
		*out = 2 // -1 level
		symbolError = interp + 0.5*r.symbolSpread
		r.symbolSpread -= symbolError * gainSymbolSpread
	case interp < r.symbolSpread:
		*out = 0 // +1 level
		symbolError = interp - 0.5*r.symbolSpread
		r.symbolSpread += symbolError * gainSymbolSpread
	default:
		*out = 1 // +3 level
		symbolError = interp - 1.5*r.symbolSpread
		r.symbolSpread += symbolError * 0.5 * gainSymbolSpread
	}
	r.symbolClock += symbolError * gainSymbolTiming

	r.symbolSpread = float32(math.Max(float64(r.symbolSpread), symbolSpreadMin))
	r.symbolSpread = float32(math.Min(float64(r.symbolSpread), symbolSpreadMax))

	r.coarseFreqCorrection += (r.fineFreqCorrection - r.coarseFreqCorrection) * gainCoarseFrequency
	r.fineFreqCorrection += symbolError * gainFineFrequency

	return true
}

func (r *Recovery) WorkBuffer(input []float32, output []byte) int {
	n := 0
	for i := 0; i < len(input); i++ {
		if r.step(input[i], &output[n]) {
			n++
		}
	}
	return n
}

func (r *Recovery) PredictOutputSize(inputSize int) int {
	sps := r.sampleRate / r.symbolRate
	if sps < 1 {
		sps = 1
	}
	return inputSize/sps + 2
}

// FreqErrorHz estimates the carrier offset from the slow frequency
// correction. With discriminator gain sampleRate/(2*pi*symbolRate), one
// unit of baseband amplitude corresponds to one symbol rate of deviation.
func (r *Recovery) FreqErrorHz() float32 {
	return r.coarseFreqCorrection * float32(r.symbolRate)
}

// Reset reacquires from scratch. Called after every retune so symbols never
// straddle two tuned frequencies.
func (r *Recovery) Reset() {
	r.symbolClock = 0
	r.symbolSpread = defaultSymbolSpread
	r.fineFreqCorrection = 0
	r.coarseFreqCorrection = 0
	for i := range r.history {
		r.history[i] = 0
	}
	r.historyLast = 0
}
