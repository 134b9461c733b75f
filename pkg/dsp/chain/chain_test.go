package chain

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/cyclone-radio/cyclone/pkg/dsp/demod"
	"github.com/cyclone-radio/cyclone/pkg/dsp/meter"
	"github.com/cyclone-radio/cyclone/pkg/dsp/timing"
	"github.com/cyclone-radio/cyclone/pkg/sdr"
	"github.com/cyclone-radio/cyclone/pkg/sdr/pool"
	"github.com/cyclone-radio/cyclone/pkg/util"
)

const (
	testRate       = 48000
	testSymbolRate = 4800
)

func testPool() *pool.Pool {
	return pool.New(pool.Config{
		IQBlocks:        8,
		IQBlockSize:     4800,
		SymbolFrames:    8,
		SymbolFrameSize: 1024,
		AcquireWait:     5 * time.Millisecond,
	})
}

// testChain demodulates FM directly at the input rate; enough stages to
// exercise type switching and buffer reuse without decimation arithmetic.
func testChain(p *pool.Pool) *Chain {
	rec := timing.NewRecovery(testRate, testSymbolRate, timing.Levels2)
	met := meter.New(0.05, 50, 256)
	c := New("test", p, rec, met, zerolog.Nop(), &util.MockWriteAPI{})
	c.Add(NewCF("quad_demod", testRate, testRate, func() CFWorker {
		return demod.NewQuad(float32(testRate) / (2 * math.Pi * testSymbolRate))
	}))
	return c
}

// fmBlock synthesizes an FM signal alternating deviation every symbol: the
// discriminator output is a 2-level square tone at the symbol rate.
func fmBlock(seq uint64, symbols int, deviation float64) *sdr.SampleBlock {
	sps := testRate / testSymbolRate
	data := make([]complex64, 0, symbols*sps)
	phase := 0.0
	for s := 0; s < symbols; s++ {
		dev := deviation
		if s%2 == 1 {
			dev = -deviation
		}
		for i := 0; i < sps; i++ {
			phase += 2 * math.Pi * dev / testRate
			sin, cos := math.Sincos(phase)
			data = append(data, complex(float32(cos), float32(sin)))
		}
	}
	return &sdr.SampleBlock{Seq: seq, Time: time.Now(), SampleRate: testRate, Data: data}
}

func TestSymbolCountDeterministic(t *testing.T) {
	p := testPool()
	c := testChain(p)

	const symbolsPerBlock = 120
	var got int
	for seq := uint64(1); seq <= 5; seq++ {
		frame, err := c.Process(fmBlock(seq, symbolsPerBlock, testSymbolRate))
		if err != nil {
			t.Fatalf("process %d: %v", seq, err)
		}
		got += len(frame.Dibits)
		p.ReleaseSymbol(frame)
	}

	want := 5 * symbolsPerBlock
	if got < want-3 || got > want {
		t.Fatalf("recovered %d symbols, transmitted %d", got, want)
	}
}

func TestToneFrequencyErrorNearZero(t *testing.T) {
	p := testPool()
	c := testChain(p)

	var last *sdr.SymbolFrame
	for seq := uint64(1); seq <= 10; seq++ {
		frame, err := c.Process(fmBlock(seq, 120, testSymbolRate))
		if err != nil {
			t.Fatal(err)
		}
		if last != nil {
			p.ReleaseSymbol(last)
		}
		last = frame
	}
	defer p.ReleaseSymbol(last)

	if err := float64(last.FreqErrorHz); math.Abs(err) > 0.05*testSymbolRate {
		t.Fatalf("frequency error = %v Hz for centered tone", err)
	}
}

func TestOutOfOrderBlockDropped(t *testing.T) {
	p := testPool()
	c := testChain(p)

	frame, err := c.Process(fmBlock(5, 10, testSymbolRate))
	if err != nil {
		t.Fatal(err)
	}
	p.ReleaseSymbol(frame)

	if _, err := c.Process(fmBlock(4, 10, testSymbolRate)); !errors.Is(err, ErrOutOfOrder) {
		t.Fatalf("err = %v, want ErrOutOfOrder", err)
	}
	if c.Dropped() != 1 {
		t.Fatalf("dropped = %d, want 1", c.Dropped())
	}

	// The next in-order block processes normally.
	frame, err = c.Process(fmBlock(6, 10, testSymbolRate))
	if err != nil {
		t.Fatalf("in-order block after drop: %v", err)
	}
	p.ReleaseSymbol(frame)
}

func TestResetClearsSequenceTracking(t *testing.T) {
	p := testPool()
	c := testChain(p)

	frame, err := c.Process(fmBlock(100, 10, testSymbolRate))
	if err != nil {
		t.Fatal(err)
	}
	p.ReleaseSymbol(frame)

	c.Reset()

	// After a retune the device restarts numbering.
	frame, err = c.Process(fmBlock(1, 10, testSymbolRate))
	if err != nil {
		t.Fatalf("post-reset block rejected: %v", err)
	}
	p.ReleaseSymbol(frame)
}

func TestPoolExhaustionSurfaces(t *testing.T) {
	p := pool.New(pool.Config{
		IQBlocks:        2,
		IQBlockSize:     1200,
		SymbolFrames:    1,
		SymbolFrameSize: 1024,
		AcquireWait:     time.Millisecond,
	})
	c := testChain(p)

	frame, err := c.Process(fmBlock(1, 10, testSymbolRate))
	if err != nil {
		t.Fatal(err)
	}
	// Hold the only symbol frame; the next block must fail with
	// exhaustion rather than block or allocate.
	if _, err := c.Process(fmBlock(2, 10, testSymbolRate)); !errors.Is(err, pool.ErrExhausted) {
		t.Fatalf("err = %v, want pool.ErrExhausted", err)
	}
	p.ReleaseSymbol(frame)
}
