package sdr

import (
	"time"
)

// SampleBlock is a fixed-capacity run of complex baseband samples read from
// the tuner. Seq is monotonic per tuning device; blocks must be processed in
// Seq order. The block is owned by whichever stage currently holds it and is
// returned to the pool on release.
type SampleBlock struct {
	Seq        uint64
	Time       time.Time
	SampleRate int
	Data       []complex64
}

// SymbolFrame is one block's worth of recovered dibits plus the signal
// quality estimates the tracker uses to judge a channel. Consumed once by the
// protocol decoder, then released.
type SymbolFrame struct {
	Seq        uint64
	Time       time.Time
	SymbolRate int
	Dibits     []byte

	// PowerDB is the smoothed RMS power of the discriminator output.
	PowerDB float32
	// FreqErrorHz is the estimated carrier offset of the received signal.
	FreqErrorHz float32
}

// Reset clears per-use fields so a pooled frame carries nothing across
// acquisitions.
func (f *SymbolFrame) Reset() {
	f.Seq = 0
	f.Time = time.Time{}
	f.Dibits = f.Dibits[:0]
	f.PowerDB = 0
	f.FreqErrorHz = 0
}
