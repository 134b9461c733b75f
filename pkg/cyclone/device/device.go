// Package device abstracts the SDR hardware. A device streams sequenced
// sample blocks into a channel and can be retuned in place while streaming.
package device

import (
	"context"
	"errors"

	"github.com/cyclone-radio/cyclone/pkg/sdr"
)

var (
	// ErrTunerDisconnected means the hardware is gone; the pipeline
	// supervisor decides whether to retry.
	ErrTunerDisconnected = errors.New("device: tuner disconnected")
	// ErrNotStarted is returned by Retune before Start.
	ErrNotStarted = errors.New("device: not started")
	// ErrRetuneTimeout means a retune request could not be serviced in
	// time, usually because the pipeline is down.
	ErrRetuneTimeout = errors.New("device: retune timed out")
)

type Device interface {
	// Start streams sample blocks into out until ctx closes or the device
	// fails. Blocks are acquired from the pool the device was built with;
	// the consumer releases them.
	Start(ctx context.Context, centerFreq int, sampleRate int, out chan<- *sdr.SampleBlock) error
	// Retune moves the center frequency without interrupting streaming.
	// An error guarantees the device is still on its previous frequency.
	Retune(centerFreq int) error
	Stop() error
	MaxSampleRate() int
}

// ConvertCU8 fills dst from unsigned 8-bit IQ pairs (rtl-sdr wire format,
// zero at 127.5). Returns complex samples written.
func ConvertCU8(dst []complex64, src []byte) int {
	n := len(src) / 2
	if len(dst) < n {
		n = len(dst)
	}
	for i := 0; i < n; i++ {
		re := (float32(src[2*i]) - 127.5) / 127.5
		im := (float32(src[2*i+1]) - 127.5) / 127.5
		dst[i] = complex(re, im)
	}
	return n
}

// ConvertCS8 fills dst from signed 8-bit IQ pairs (hackrf wire format).
func ConvertCS8(dst []complex64, src []byte) int {
	n := len(src) / 2
	if len(dst) < n {
		n = len(dst)
	}
	for i := 0; i < n; i++ {
		re := float32(int8(src[2*i])) / 128
		im := float32(int8(src[2*i+1])) / 128
		dst[i] = complex(re, im)
	}
	return n
}
