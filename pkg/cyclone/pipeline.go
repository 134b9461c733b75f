package cyclone

import (
	"math"

	"github.com/influxdata/influxdb-client-go/api"
	"github.com/pkg/errors"
	"github.com/racerxdl/segdsp/dsp"
	"github.com/rs/zerolog"

	"github.com/cyclone-radio/cyclone/pkg/dsp/agc"
	"github.com/cyclone-radio/cyclone/pkg/dsp/chain"
	"github.com/cyclone-radio/cyclone/pkg/dsp/demod"
	"github.com/cyclone-radio/cyclone/pkg/dsp/fir"
	"github.com/cyclone-radio/cyclone/pkg/dsp/meter"
	"github.com/cyclone-radio/cyclone/pkg/dsp/mixer"
	"github.com/cyclone-radio/cyclone/pkg/dsp/timing"
	"github.com/cyclone-radio/cyclone/pkg/sdr/pool"
)

const (
	// Two-stage decimation: sampleRate -> if1 -> if2. if2 is the symbol
	// processing rate.
	if1Rate = 240000
	if2Rate = 48000

	rrcAlpha = 0.35

	fftSize         = 1024
	powerAlpha      = 0.05
	fftEveryNBlocks = 25
)

// buildChain assembles the single-channel DSP chain:
//
//	tuning shift -> decimate to if1 -> decimate to if2 -> cutoff ->
//	FM discriminator -> RMS AGC -> RRC symbol filter -> timing recovery
//
// The tuner is parked tuningOffset away from the target channel to keep the
// receiver's DC spike out of band; the oscillator shifts it back.
func buildChain(sampleRate, symbolRate, tuningOffset int, p *pool.Pool, logger zerolog.Logger, metrics api.WriteAPI) (*chain.Chain, error) {
	if sampleRate%if1Rate != 0 {
		return nil, errors.Errorf("cyclone: sample rate %d not divisible by %d", sampleRate, if1Rate)
	}
	dec1 := sampleRate / if1Rate
	dec2 := if1Rate / if2Rate
	sps := if2Rate / symbolRate
	if sps < 2 {
		return nil, errors.Errorf("cyclone: symbol rate %d too high for %d samples/s", symbolRate, if2Rate)
	}

	rec := timing.NewRecovery(if2Rate, symbolRate, timing.Levels4)
	met := meter.New(powerAlpha, fftEveryNBlocks, fftSize)
	c := chain.New("channel", p, rec, met, logger, metrics)

	c.Add(chain.NewCC("tuning_shift", sampleRate, sampleRate, func() chain.CCWorker {
		return mixer.NewOscillator(sampleRate, -tuningOffset)
	}))

	lpf1 := fir.MakeLowPass(1.0, float64(sampleRate), if1Rate/2*0.8, if1Rate/8, fir.Hamming)
	c.Add(chain.NewCC("channel_decimator", sampleRate, if1Rate, func() chain.CCWorker {
		return dsp.MakeDecimationFirFilter(dec1, lpf1)
	}))

	fa := float64(6250)
	fb := float64(if2Rate) / 2
	lpf2 := fir.MakeLowPass(1.0, if1Rate, (fb+fa)/2, fb-fa, fir.Hamming)
	c.Add(chain.NewCC("lowpass_decimator", if1Rate, if2Rate, func() chain.CCWorker {
		return dsp.MakeDecimationFirFilter(dec2, lpf2)
	}))

	fb = fa + 625
	cutoff := fir.MakeLowPass(1.0, if2Rate, (fb+fa)/2, fb-fa, fir.Hann)
	c.Add(chain.NewCC("cutoff", if2Rate, if2Rate, func() chain.CCWorker {
		return dsp.MakeFirFilter(cutoff)
	}))

	c.Add(chain.NewCF("quad_demod", if2Rate, if2Rate, func() chain.CFWorker {
		return demod.NewQuad(if2Rate / (2 * math.Pi * float32(symbolRate)))
	}))

	c.Add(chain.NewFF("baseband_agc", if2Rate, if2Rate, func() chain.FFWorker {
		return agc.NewRMS(0.01, 0.61)
	}))

	ntaps := (7 * sps) | 1
	rrc := dsp.MakeRRC(1.0, if2Rate, float64(symbolRate), rrcAlpha, ntaps)
	c.Add(chain.NewFF("symbol_filter", if2Rate, if2Rate, func() chain.FFWorker {
		return dsp.MakeFloatFirFilter(rrc)
	}))

	return c, nil
}
