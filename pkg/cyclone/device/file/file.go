// Package file plays back a raw CS8 recording as if it were a live tuner.
// Retunes are accepted and logged but the sample stream is whatever was
// recorded; useful with the null decoder for DSP bring-up.
package file

import (
	"context"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/cyclone-radio/cyclone/pkg/cyclone/device"
	"github.com/cyclone-radio/cyclone/pkg/sdr"
	"github.com/cyclone-radio/cyclone/pkg/sdr/pool"
)

type FileDevice struct {
	readFile    *os.File
	readSize    int
	timeBetween time.Duration
	sampleRate  int
	pool        *pool.Pool
	logger      zerolog.Logger

	seq     uint64
	dropped uint64
	started uint32
}

func New(path string, readSize int, p *pool.Pool, logger zerolog.Logger) (*FileDevice, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &FileDevice{
		readFile: f,
		readSize: readSize,
		pool:     p,
		logger:   logger.With().Str("device", "file").Str("path", path).Logger(),
	}, nil
}

func (f *FileDevice) MaxSampleRate() int {
	return 20e6
}

func (f *FileDevice) Start(ctx context.Context, centerFreq int, sampleRate int, out chan<- *sdr.SampleBlock) error {
	f.sampleRate = sampleRate
	atomic.StoreUint32(&f.started, 1)

	// Pace reads at the recording's real-time rate: readSize bytes is
	// readSize/2 complex samples.
	f.timeBetween = time.Duration(float64(f.readSize/2) / float64(sampleRate) * float64(time.Second))
	tick := time.NewTicker(f.timeBetween)
	defer tick.Stop()

	buf := make([]byte, f.readSize)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			n, err := f.readFile.Read(buf)
			if err == io.EOF {
				f.logger.Info().Msg("recording exhausted")
				return nil
			}
			if err != nil {
				return err
			}

			block, perr := f.pool.AcquireIQ()
			if perr != nil {
				atomic.AddUint64(&f.dropped, 1)
				continue
			}
			data := block.Data[:cap(block.Data)]
			written := device.ConvertCS8(data, buf[:n])
			block.Data = data[:written]
			block.Seq = atomic.AddUint64(&f.seq, 1)
			block.Time = time.Now()
			block.SampleRate = f.sampleRate

			select {
			case <-ctx.Done():
				f.pool.ReleaseIQ(block)
				return ctx.Err()
			case out <- block:
			}
		}
	}
}

func (f *FileDevice) Retune(centerFreq int) error {
	if atomic.LoadUint32(&f.started) == 0 {
		return device.ErrNotStarted
	}
	f.logger.Debug().Int("center_freq", centerFreq).Msg("retune ignored on playback")
	return nil
}

func (f *FileDevice) Stop() error {
	return f.readFile.Close()
}
