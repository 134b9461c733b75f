// Package hackrfdev adapts a HackRF One to the device interface, optionally
// recording the raw byte stream for later playback.
package hackrfdev

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/samuel/go-hackrf/hackrf"

	"github.com/cyclone-radio/cyclone/pkg/cyclone/device"
	"github.com/cyclone-radio/cyclone/pkg/sdr"
	"github.com/cyclone-radio/cyclone/pkg/sdr/pool"
)

const maxSampleRate = 20e6

const lnaGain = 39

type HackRFDevice struct {
	mu  sync.Mutex
	dev *hackrf.Device

	ctx  context.Context
	out  chan<- *sdr.SampleBlock
	pool *pool.Pool

	sampleRate int
	seq        uint64
	dropped    uint64

	recordFile *os.File
	logger     zerolog.Logger
}

func New(p *pool.Pool, logger zerolog.Logger) (*HackRFDevice, error) {
	dev, err := hackrf.Open()
	if err != nil {
		return nil, errors.Wrapf(device.ErrTunerDisconnected, "open hackrf: %v", err)
	}
	return &HackRFDevice{
		dev:    dev,
		pool:   p,
		logger: logger.With().Str("device", "hackrf").Logger(),
	}, nil
}

// NewRecording captures to a raw CS8 file alongside normal streaming, for
// replay through the file device.
func NewRecording(recordLocation string, p *pool.Pool, logger zerolog.Logger) (*HackRFDevice, error) {
	h, err := New(p, logger)
	if err != nil {
		return nil, err
	}
	f, err := os.Create(recordLocation)
	if err != nil {
		h.dev.Close()
		return nil, err
	}
	h.recordFile = f
	return h, nil
}

func (h *HackRFDevice) MaxSampleRate() int {
	return maxSampleRate
}

func (h *HackRFDevice) callback(buf []byte) error {
	if h.recordFile != nil {
		if _, err := h.recordFile.Write(buf); err != nil {
			return err
		}
	}

	block, err := h.pool.AcquireIQ()
	if err != nil {
		atomic.AddUint64(&h.dropped, 1)
		return nil
	}

	data := block.Data[:cap(block.Data)]
	n := device.ConvertCS8(data, buf)
	block.Data = data[:n]
	block.Seq = atomic.AddUint64(&h.seq, 1)
	block.Time = time.Now()
	block.SampleRate = h.sampleRate

	select {
	case <-h.ctx.Done():
		h.pool.ReleaseIQ(block)
		return h.ctx.Err()
	case h.out <- block:
	}
	return nil
}

func (h *HackRFDevice) Start(ctx context.Context, centerFreq int, sampleRate int, out chan<- *sdr.SampleBlock) error {
	h.ctx = ctx
	h.out = out
	h.sampleRate = sampleRate

	if err := h.dev.SetFreq(uint64(centerFreq)); err != nil {
		return err
	}
	if err := h.dev.SetSampleRateManual(sampleRate*2, 2); err != nil {
		return err
	}
	if err := h.dev.SetLNAGain(lnaGain); err != nil {
		return err
	}
	if err := h.dev.SetBasebandFilterBandwidth(sampleRate); err != nil {
		return err
	}
	if err := h.dev.SetAmpEnable(true); err != nil {
		return err
	}

	h.logger.Info().Int("center_freq", centerFreq).Int("sample_rate", sampleRate).Msg("streaming")
	return h.dev.StartRX(h.callback)
}

func (h *HackRFDevice) Retune(centerFreq int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.dev == nil {
		return device.ErrNotStarted
	}
	if err := h.dev.SetFreq(uint64(centerFreq)); err != nil {
		return errors.Wrapf(err, "hackrf retune to %d", centerFreq)
	}
	return nil
}

func (h *HackRFDevice) Stop() error {
	if h.recordFile != nil {
		defer h.recordFile.Close()
	}
	return h.dev.StopRX()
}

func (h *HackRFDevice) Dropped() uint64 {
	return atomic.LoadUint64(&h.dropped)
}
