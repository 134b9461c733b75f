// Package pool provides the preallocated buffer pools every pipeline stage
// borrows from. Nothing on the sample path allocates once a pool is warm;
// running out of buffers is a backpressure signal, not a crash.
package pool

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/cyclone-radio/cyclone/pkg/sdr"
)

// ErrExhausted is returned when a class has no free buffer within the
// configured wait. The producer is expected to drop the oldest unconsumed
// buffer rather than block.
var ErrExhausted = errors.New("pool: class exhausted")

type Config struct {
	// IQBlocks and IQBlockSize control the raw-sample class.
	IQBlocks    int
	IQBlockSize int
	// SymbolFrames controls the symbol-frame class. Frame capacity is
	// derived from the block size and worst-case samples-per-symbol.
	SymbolFrames    int
	SymbolFrameSize int
	// AcquireWait bounds how long Acquire blocks before reporting
	// exhaustion.
	AcquireWait time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.IQBlocks == 0 {
		out.IQBlocks = 32
	}
	if out.IQBlockSize == 0 {
		out.IQBlockSize = 65536
	}
	if out.SymbolFrames == 0 {
		out.SymbolFrames = 32
	}
	if out.SymbolFrameSize == 0 {
		out.SymbolFrameSize = 4096
	}
	if out.AcquireWait == 0 {
		out.AcquireWait = 20 * time.Millisecond
	}
	return out
}

// Stats are cumulative counters, safe to read concurrently.
type Stats struct {
	IQAcquired      uint64
	IQExhausted     uint64
	SymbolAcquired  uint64
	SymbolExhausted uint64
}

// Pool holds two size classes: raw IQ sample blocks and symbol frames.
// Classes are partitioned so a burst in one cannot starve the other.
type Pool struct {
	cfg Config

	iq  chan *sdr.SampleBlock
	sym chan *sdr.SymbolFrame

	iqAcquired      uint64
	iqExhausted     uint64
	symbolAcquired  uint64
	symbolExhausted uint64
}

func New(cfg Config) *Pool {
	cfg = cfg.withDefaults()

	p := &Pool{
		cfg: cfg,
		iq:  make(chan *sdr.SampleBlock, cfg.IQBlocks),
		sym: make(chan *sdr.SymbolFrame, cfg.SymbolFrames),
	}

	for i := 0; i < cfg.IQBlocks; i++ {
		p.iq <- &sdr.SampleBlock{Data: make([]complex64, 0, cfg.IQBlockSize)}
	}
	for i := 0; i < cfg.SymbolFrames; i++ {
		p.sym <- &sdr.SymbolFrame{Dibits: make([]byte, 0, cfg.SymbolFrameSize)}
	}

	return p
}

// AcquireIQ returns a free sample block, waiting at most the configured
// bound before reporting ErrExhausted.
func (p *Pool) AcquireIQ() (*sdr.SampleBlock, error) {
	select {
	case b := <-p.iq:
		atomic.AddUint64(&p.iqAcquired, 1)
		return b, nil
	default:
	}

	t := time.NewTimer(p.cfg.AcquireWait)
	defer t.Stop()

	select {
	case b := <-p.iq:
		atomic.AddUint64(&p.iqAcquired, 1)
		return b, nil
	case <-t.C:
		atomic.AddUint64(&p.iqExhausted, 1)
		return nil, ErrExhausted
	}
}

// ReleaseIQ returns a block to the free list. Releasing more blocks than the
// pool owns indicates a double release and panics.
func (p *Pool) ReleaseIQ(b *sdr.SampleBlock) {
	if b == nil {
		return
	}
	b.Seq = 0
	b.Time = time.Time{}
	b.Data = b.Data[:0]
	select {
	case p.iq <- b:
	default:
		panic("pool: IQ release overflow")
	}
}

func (p *Pool) AcquireSymbol() (*sdr.SymbolFrame, error) {
	select {
	case f := <-p.sym:
		atomic.AddUint64(&p.symbolAcquired, 1)
		return f, nil
	default:
	}

	t := time.NewTimer(p.cfg.AcquireWait)
	defer t.Stop()

	select {
	case f := <-p.sym:
		atomic.AddUint64(&p.symbolAcquired, 1)
		return f, nil
	case <-t.C:
		atomic.AddUint64(&p.symbolExhausted, 1)
		return nil, ErrExhausted
	}
}

func (p *Pool) ReleaseSymbol(f *sdr.SymbolFrame) {
	if f == nil {
		return
	}
	f.Reset()
	select {
	case p.sym <- f:
	default:
		panic("pool: symbol release overflow")
	}
}

// OutstandingIQ reports how many IQ blocks are currently held by stages.
func (p *Pool) OutstandingIQ() int {
	return p.cfg.IQBlocks - len(p.iq)
}

func (p *Pool) OutstandingSymbols() int {
	return p.cfg.SymbolFrames - len(p.sym)
}

func (p *Pool) Stats() Stats {
	return Stats{
		IQAcquired:      atomic.LoadUint64(&p.iqAcquired),
		IQExhausted:     atomic.LoadUint64(&p.iqExhausted),
		SymbolAcquired:  atomic.LoadUint64(&p.symbolAcquired),
		SymbolExhausted: atomic.LoadUint64(&p.symbolExhausted),
	}
}
