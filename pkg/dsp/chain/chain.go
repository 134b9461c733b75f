// Package chain runs the fixed DSP pipeline for one tuned channel: a typed
// sequence of stream transforms ending in symbol timing recovery. Stage
// output buffers are preallocated; after warm-up the per-block path does not
// allocate.
package chain

import (
	"errors"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go"
	"github.com/influxdata/influxdb-client-go/api"
	"github.com/rs/zerolog"

	"github.com/cyclone-radio/cyclone/pkg/dsp/meter"
	"github.com/cyclone-radio/cyclone/pkg/dsp/timing"
	"github.com/cyclone-radio/cyclone/pkg/sdr"
	"github.com/cyclone-radio/cyclone/pkg/sdr/pool"
)

var (
	// ErrOutOfOrder marks a sample block whose sequence number regressed.
	// The block is dropped, never reordered.
	ErrOutOfOrder = errors.New("chain: sample block out of order")
	// ErrFrameTooSmall means the pool's symbol-frame class cannot hold one
	// block's worth of symbols; a configuration error.
	ErrFrameTooSmall = errors.New("chain: symbol frame capacity too small")
)

type Chain struct {
	name    string
	blocks  []*Block
	rec     *timing.Recovery
	met     *meter.Meter
	pool    *pool.Pool
	logger  zerolog.Logger
	metrics api.WriteAPI

	lastSeq     uint64
	initialized bool
	dropped     uint64
	processed   uint64
}

// metricsInterval spaces out influx points so the per-block path stays
// allocation-free between reports.
const metricsInterval = 64

func New(name string, p *pool.Pool, rec *timing.Recovery, met *meter.Meter, logger zerolog.Logger, metrics api.WriteAPI) *Chain {
	return &Chain{
		name:    name,
		rec:     rec,
		met:     met,
		pool:    p,
		logger:  logger.With().Str("chain", name).Logger(),
		metrics: metrics,
	}
}

func (c *Chain) Add(b *Block) {
	c.blocks = append(c.blocks, b)
}

// Initialize validates stage adjacency (type and rate) and sizes output
// buffers. Called lazily on the first Process.
func (c *Chain) Initialize(blockSize int) error {
	if c.initialized {
		return nil
	}
	if len(c.blocks) == 0 {
		return fmt.Errorf("chain %s: no blocks", c.name)
	}
	if c.blocks[0].inputType != DataTypeComplex {
		return fmt.Errorf("chain %s: first block %s must take complex input", c.name, c.blocks[0].Name)
	}
	if c.blocks[len(c.blocks)-1].outputType != DataTypeFloat {
		return fmt.Errorf("chain %s: last block %s must produce float output", c.name, c.blocks[len(c.blocks)-1].Name)
	}

	size := blockSize
	for i, b := range c.blocks {
		if i > 0 {
			prev := c.blocks[i-1]
			if prev.outputType != b.inputType {
				return fmt.Errorf("chain %s: %s -> %s data type mismatch", c.name, prev.Name, b.Name)
			}
			if prev.OutputRate != b.InputRate {
				return fmt.Errorf("chain %s: %s -> %s rate mismatch (%d %d)", c.name, prev.Name, b.Name, prev.OutputRate, b.InputRate)
			}
		}

		switch b.outputType {
		case DataTypeComplex:
			size = b.cc.PredictOutputSize(size)
			b.cOutput = make([]complex64, size*2)
		case DataTypeFloat:
			if b.inputType == DataTypeComplex {
				size = b.cf.PredictOutputSize(size)
			} else {
				size = b.ff.PredictOutputSize(size)
			}
			b.fOutput = make([]float32, size*2)
		}
	}

	c.initialized = true
	return nil
}

// Process runs one sample block through every stage and emits a symbol
// frame acquired from the pool. The caller owns both: the input block may be
// released as soon as Process returns, the frame once the decoder has
// consumed it.
func (c *Chain) Process(in *sdr.SampleBlock) (*sdr.SymbolFrame, error) {
	if err := c.Initialize(len(in.Data)); err != nil {
		return nil, err
	}

	if c.lastSeq != 0 && in.Seq <= c.lastSeq {
		c.dropped++
		c.logger.Warn().
			Uint64("seq", in.Seq).
			Uint64("last_seq", c.lastSeq).
			Msg("dropping out-of-order sample block")
		return nil, ErrOutOfOrder
	}
	c.lastSeq = in.Seq

	start := time.Now()

	cIn := in.Data
	var fIn []float32
	var lastComplex []complex64
	lastComplexRate := in.SampleRate

	for _, b := range c.blocks {
		switch {
		case b.cc != nil:
			n := b.cc.WorkBuffer(cIn, b.cOutput)
			cIn = b.cOutput[:n]
			lastComplex = cIn
			lastComplexRate = b.OutputRate
		case b.cf != nil:
			n := b.cf.WorkBuffer(cIn, b.fOutput)
			fIn = b.fOutput[:n]
		case b.ff != nil:
			n := b.ff.WorkBuffer(fIn, b.fOutput)
			fIn = b.fOutput[:n]
		}
	}

	if lastComplex != nil {
		c.met.ObserveIQ(lastComplex, lastComplexRate)
	}
	c.met.UpdatePower(fIn)

	frame, err := c.pool.AcquireSymbol()
	if err != nil {
		return nil, err
	}

	if need := c.rec.PredictOutputSize(len(fIn)); need > cap(frame.Dibits) {
		c.pool.ReleaseSymbol(frame)
		return nil, ErrFrameTooSmall
	}

	dibits := frame.Dibits[:cap(frame.Dibits)]
	n := c.rec.WorkBuffer(fIn, dibits)
	frame.Dibits = dibits[:n]
	frame.Seq = in.Seq
	frame.Time = in.Time
	frame.SymbolRate = c.blocks[len(c.blocks)-1].OutputRate
	frame.PowerDB = c.met.PowerDB()
	frame.FreqErrorHz = c.rec.FreqErrorHz() + c.met.OffsetHz()

	c.processed++
	if c.processed%metricsInterval == 0 {
		go c.metrics.WritePoint(influxdb2.NewPoint("dsp.processed",
			map[string]string{"chain": c.name},
			map[string]interface{}{
				"sample_length": len(in.Data),
				"symbols":       n,
				"duration_us":   time.Since(start).Microseconds(),
				"dropped":       c.dropped,
			}, start))
	}

	return frame, nil
}

// Reset clears every stage's history and reacquires symbol timing. Called
// exactly once after each completed retune; symbols emitted afterwards come
// only from the new frequency.
func (c *Chain) Reset() {
	for _, b := range c.blocks {
		b.reset()
	}
	c.rec.Reset()
	c.met.Reset()
	c.lastSeq = 0
	c.logger.Debug().Msg("chain reset")
}

// Dropped reports how many blocks were discarded for sequence regressions.
func (c *Chain) Dropped() uint64 {
	return c.dropped
}
