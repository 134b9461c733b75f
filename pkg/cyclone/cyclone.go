// Package cyclone wires the whole daemon together: device, DSP chain,
// protocol decoder, trunking tracker, event hub, and audio outputs. One
// tuner follows one trunked system, hopping between the control channel and
// whichever voice channel the tracker is following.
package cyclone

import (
	"context"
	"runtime"
	"time"

	"github.com/influxdata/influxdb-client-go/api"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/cyclone-radio/cyclone/pkg/audio"
	"github.com/cyclone-radio/cyclone/pkg/cyclone/device"
	"github.com/cyclone-radio/cyclone/pkg/dsp/chain"
	"github.com/cyclone-radio/cyclone/pkg/hub"
	"github.com/cyclone-radio/cyclone/pkg/sdr"
	"github.com/cyclone-radio/cyclone/pkg/sdr/pool"
	"github.com/cyclone-radio/cyclone/pkg/trunk"
	"github.com/cyclone-radio/cyclone/pkg/util"
)

const (
	rawChanDepth    = 1
	symbolChanDepth = 8

	// maxRestarts bounds how often a failed pipeline is restarted before
	// the daemon gives up.
	maxRestarts    = 5
	restartBackoff = 2 * time.Second
)

type Options struct {
	SampleRate  int
	ControlFreq int
	SymbolRate  int
	// TuningOffset parks the tuner slightly off the target channel so the
	// zero-IF DC spike lands out of band.
	TuningOffset int
	// SettleTime is how long post-retune samples are discarded while the
	// synthesizer locks.
	SettleTime time.Duration

	Tracker trunk.Config

	AudioOutputs []audio.Output
}

type Option func(c *Cyclone) error

func WithInfluxDB(writeAPI api.WriteAPI) Option {
	return func(c *Cyclone) error {
		c.writeAPI = writeAPI
		return nil
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Cyclone) error {
		c.logger = logger
		return nil
	}
}

// WithDecoder overrides the protocol decoder (by default built from the
// registry via trunk.NewDecoder).
func WithDecoder(dec trunk.Decoder) Option {
	return func(c *Cyclone) error {
		c.decoder = dec
		return nil
	}
}

func WithCodec(codec audio.Codec) Option {
	return func(c *Cyclone) error {
		c.codec = codec
		return nil
	}
}

func WithPool(p *pool.Pool) Option {
	return func(c *Cyclone) error {
		c.pool = p
		return nil
	}
}

type tuneRequest struct {
	freq  int
	reply chan error
}

// tuner is the tracker's retune handle: requests are serialized through the
// DSP goroutine so hardware retune and chain reset cannot race with sample
// processing.
type tuner struct {
	tuneChan chan tuneRequest
}

// retuneTimeout keeps a retune from blocking the tracker forever when the
// DSP goroutine has already gone down.
const retuneTimeout = time.Second

func (t *tuner) Retune(freq int) error {
	req := tuneRequest{freq: freq, reply: make(chan error, 1)}
	select {
	case t.tuneChan <- req:
	case <-time.After(retuneTimeout):
		return device.ErrRetuneTimeout
	}
	select {
	case err := <-req.reply:
		return err
	case <-time.After(retuneTimeout):
		return device.ErrRetuneTimeout
	}
}

type Cyclone struct {
	opts     Options
	device   device.Device
	writeAPI api.WriteAPI
	logger   zerolog.Logger

	pool    *pool.Pool
	hub     *hub.Hub
	decoder trunk.Decoder
	codec   audio.Codec
	tracker *trunk.Tracker

	tuneChan chan tuneRequest

	cancel context.CancelFunc
}

func New(dev device.Device, h *hub.Hub, opts Options, options ...Option) (*Cyclone, error) {
	c := &Cyclone{
		opts:     opts,
		device:   dev,
		hub:      h,
		writeAPI: &util.MockWriteAPI{},
		logger:   log.Logger,
		tuneChan: make(chan tuneRequest),
	}

	for _, opt := range options {
		if err := opt(c); err != nil {
			return nil, err
		}
	}

	if c.opts.ControlFreq == 0 || c.opts.SampleRate == 0 || c.opts.SymbolRate == 0 {
		return nil, errors.New("cyclone: must specify control freq, sample rate, and symbol rate")
	}
	if c.opts.SampleRate > dev.MaxSampleRate() {
		return nil, errors.Errorf("cyclone: sample rate %d > device max %d", c.opts.SampleRate, dev.MaxSampleRate())
	}
	if c.opts.SettleTime == 0 {
		c.opts.SettleTime = 40 * time.Millisecond
	}

	if c.pool == nil {
		c.pool = pool.New(pool.Config{})
	}
	if c.decoder == nil {
		dec, err := trunk.NewDecoder("null", c.opts.SymbolRate)
		if err != nil {
			return nil, err
		}
		c.decoder = dec
	}
	if c.codec == nil {
		codec, err := audio.NewCodec("pcm16")
		if err != nil {
			return nil, err
		}
		c.codec = codec
	}

	sink := &eventSink{
		hub:     c.hub,
		outputs: c.opts.AudioOutputs,
		logger:  c.logger,
		metrics: c.writeAPI,
	}
	c.opts.Tracker.ControlFreq = c.opts.ControlFreq
	c.tracker = trunk.NewTracker(c.opts.Tracker, c.decoder, c.codec,
		&tuner{tuneChan: c.tuneChan}, sink, c.pool, c.logger, c.writeAPI)

	return c, nil
}

// Tracker exposes the control surface used by the HTTP API.
func (c *Cyclone) Tracker() *trunk.Tracker {
	return c.tracker
}

func (c *Cyclone) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	return c.device.Stop()
}

// Run supervises the pipeline, restarting it after transient hardware
// faults up to maxRestarts times.
func (c *Cyclone) Run(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)

	restarts := 0
	for {
		err := c.runOnce(ctx)
		if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if !errors.Is(err, device.ErrTunerDisconnected) || restarts >= maxRestarts {
			return err
		}
		restarts++
		c.logger.Warn().Err(err).
			Int("restart", restarts).
			Int("max_restarts", maxRestarts).
			Msg("pipeline failed, restarting")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(restartBackoff):
		}
	}
}

func (c *Cyclone) runOnce(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)

	rawSampleChan := make(chan *sdr.SampleBlock, rawChanDepth)
	symbolChan := make(chan *sdr.SymbolFrame, symbolChanDepth)

	ch, err := buildChain(c.opts.SampleRate, c.opts.SymbolRate, c.opts.TuningOffset,
		c.pool, c.logger, c.writeAPI)
	if err != nil {
		return err
	}

	tuneFreq := c.opts.ControlFreq + c.opts.TuningOffset

	c.logger.Info().
		Str("control_freq", util.MHzToString(c.opts.ControlFreq)).
		Str("sample_rate", util.MHzToString(c.opts.SampleRate)).
		Int("symbol_rate", c.opts.SymbolRate).
		Msg("starting pipeline")

	eg.Go(func() error {
		return c.device.Start(ctx, tuneFreq, c.opts.SampleRate, rawSampleChan)
	})

	eg.Go(func() error {
		return c.processSamples(ctx, ch, rawSampleChan, symbolChan)
	})

	eg.Go(func() error {
		return c.tracker.Run(ctx, symbolChan)
	})

	for _, output := range c.opts.AudioOutputs {
		thisOutput := output
		eg.Go(func() error {
			return thisOutput.Start(ctx)
		})
	}

	return eg.Wait()
}

// processSamples is the single DSP goroutine: it owns the chain and applies
// retunes, so a chain reset can never race with block processing. Post-
// retune blocks inside the settle window are discarded.
func (c *Cyclone) processSamples(ctx context.Context, ch *chain.Chain, rawSampleChan chan *sdr.SampleBlock, symbolChan chan<- *sdr.SymbolFrame) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	var settleUntil time.Time
	var droppedSymbols uint64

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case req := <-c.tuneChan:
			err := c.device.Retune(req.freq + c.opts.TuningOffset)
			if err == nil {
				// Anything already queued was captured on the old
				// frequency.
				c.drainRaw(rawSampleChan)
				ch.Reset()
				settleUntil = time.Now().Add(c.opts.SettleTime)
			}
			req.reply <- err

		case block := <-rawSampleChan:
			if block.Time.Before(settleUntil) {
				c.pool.ReleaseIQ(block)
				continue
			}

			frame, err := ch.Process(block)
			c.pool.ReleaseIQ(block)
			if err != nil {
				if errors.Is(err, chain.ErrOutOfOrder) || errors.Is(err, pool.ErrExhausted) {
					continue
				}
				return err
			}

			// Non-blocking handoff: if the tracker is mid-retune it is
			// waiting on this goroutine, and these symbols are stale
			// anyway.
			select {
			case symbolChan <- frame:
			default:
				c.pool.ReleaseSymbol(frame)
				droppedSymbols++
				if droppedSymbols%100 == 1 {
					c.logger.Warn().
						Uint64("dropped", droppedSymbols).
						Msg("symbol frames dropped, tracker falling behind")
				}
			}
		}
	}
}

func (c *Cyclone) drainRaw(rawSampleChan chan *sdr.SampleBlock) {
	for {
		select {
		case block := <-rawSampleChan:
			c.pool.ReleaseIQ(block)
		default:
			return
		}
	}
}
