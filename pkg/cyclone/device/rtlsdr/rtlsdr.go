// Package rtlsdr adapts an RTL-SDR dongle to the device interface.
package rtlsdr

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	gsdr "github.com/jpoirier/gortlsdr"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/cyclone-radio/cyclone/pkg/cyclone/device"
	"github.com/cyclone-radio/cyclone/pkg/sdr"
	"github.com/cyclone-radio/cyclone/pkg/sdr/pool"
)

const maxSampleRate = 2e6

type RTLSDRDevice struct {
	deviceIdx int

	mu     sync.Mutex
	dev    *gsdr.Context
	ctx    context.Context
	out    chan<- *sdr.SampleBlock
	pool   *pool.Pool
	logger zerolog.Logger

	sampleRate int
	seq        uint64
	dropped    uint64

	wg sync.WaitGroup
}

func New(deviceIdx int, p *pool.Pool, logger zerolog.Logger) *RTLSDRDevice {
	return &RTLSDRDevice{
		deviceIdx: deviceIdx,
		pool:      p,
		logger:    logger.With().Str("device", "rtlsdr").Logger(),
	}
}

func (r *RTLSDRDevice) MaxSampleRate() int {
	return maxSampleRate
}

func (r *RTLSDRDevice) callback(buf []byte) {
	r.wg.Add(1)
	defer r.wg.Done()

	block, err := r.pool.AcquireIQ()
	if err != nil {
		// Downstream is saturated; this chunk of air is gone.
		atomic.AddUint64(&r.dropped, 1)
		return
	}

	data := block.Data[:cap(block.Data)]
	n := device.ConvertCU8(data, buf)
	block.Data = data[:n]
	block.Seq = atomic.AddUint64(&r.seq, 1)
	block.Time = time.Now()
	block.SampleRate = r.sampleRate

	select {
	case <-r.ctx.Done():
		r.pool.ReleaseIQ(block)
	case r.out <- block:
	}
}

func (r *RTLSDRDevice) Start(ctx context.Context, centerFreq int, sampleRate int, out chan<- *sdr.SampleBlock) error {
	dev, err := gsdr.Open(r.deviceIdx)
	if err != nil {
		return errors.Wrapf(device.ErrTunerDisconnected, "open rtlsdr %d: %v", r.deviceIdx, err)
	}

	r.mu.Lock()
	r.dev = dev
	r.ctx = ctx
	r.out = out
	r.sampleRate = sampleRate
	r.mu.Unlock()

	if err := dev.SetCenterFreq(centerFreq); err != nil {
		return err
	}
	if err := dev.SetSampleRate(sampleRate); err != nil {
		return err
	}
	if err := dev.ResetBuffer(); err != nil {
		return err
	}

	r.logger.Info().Int("center_freq", centerFreq).Int("sample_rate", sampleRate).Msg("streaming")

	r.wg.Add(1)
	defer r.wg.Done()
	if err := dev.ReadAsync(r.callback, nil, 0, 0); err != nil {
		return errors.Wrapf(device.ErrTunerDisconnected, "rtlsdr read: %v", err)
	}
	return nil
}

// Retune changes the center frequency mid-stream. The rtl2832 applies it to
// subsequent buffers; already-captured buffers keep the old frequency and
// are handled by the settle window downstream.
func (r *RTLSDRDevice) Retune(centerFreq int) error {
	r.mu.Lock()
	dev := r.dev
	r.mu.Unlock()
	if dev == nil {
		return device.ErrNotStarted
	}
	if err := dev.SetCenterFreq(centerFreq); err != nil {
		return errors.Wrapf(err, "rtlsdr retune to %d", centerFreq)
	}
	return nil
}

func (r *RTLSDRDevice) Stop() error {
	r.mu.Lock()
	dev := r.dev
	r.dev = nil
	r.mu.Unlock()
	if dev == nil {
		return nil
	}

	err := dev.CancelAsync()
	r.wg.Wait()
	if err != nil {
		return err
	}
	return dev.Close()
}

// Dropped reports blocks lost to pool exhaustion.
func (r *RTLSDRDevice) Dropped() uint64 {
	return atomic.LoadUint64(&r.dropped)
}
