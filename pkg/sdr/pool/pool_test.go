package pool

import (
	"errors"
	"testing"
	"time"

	"github.com/cyclone-radio/cyclone/pkg/sdr"
)

func testConfig() Config {
	return Config{
		IQBlocks:        4,
		IQBlockSize:     256,
		SymbolFrames:    4,
		SymbolFrameSize: 64,
		AcquireWait:     5 * time.Millisecond,
	}
}

func TestOutstandingNeverExceedsBound(t *testing.T) {
	p := New(testConfig())

	var held []*sdr.SampleBlock
	for i := 0; i < 4; i++ {
		b, err := p.AcquireIQ()
		if err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		held = append(held, b)
	}

	if got := p.OutstandingIQ(); got != 4 {
		t.Fatalf("outstanding = %d, want 4", got)
	}

	if _, err := p.AcquireIQ(); !errors.Is(err, ErrExhausted) {
		t.Fatalf("acquire past bound: err = %v, want ErrExhausted", err)
	}
	if got := p.OutstandingIQ(); got != 4 {
		t.Fatalf("outstanding after exhaustion = %d, want 4", got)
	}

	for _, b := range held {
		p.ReleaseIQ(b)
	}
	if got := p.OutstandingIQ(); got != 0 {
		t.Fatalf("outstanding after release = %d, want 0", got)
	}
}

func TestAcquireReleaseNoAllocsAfterWarmup(t *testing.T) {
	p := New(testConfig())

	allocs := testing.AllocsPerRun(1000, func() {
		b, err := p.AcquireIQ()
		if err != nil {
			t.Fatal(err)
		}
		b.Data = b.Data[:cap(b.Data)]
		p.ReleaseIQ(b)

		f, err := p.AcquireSymbol()
		if err != nil {
			t.Fatal(err)
		}
		f.Dibits = append(f.Dibits, 1, 2, 3)
		p.ReleaseSymbol(f)
	})

	if allocs > 0 {
		t.Fatalf("allocs per acquire/release = %v, want 0", allocs)
	}
}

func TestExhaustionIsBoundedWait(t *testing.T) {
	cfg := testConfig()
	cfg.AcquireWait = 10 * time.Millisecond
	p := New(cfg)

	var held []*sdr.SymbolFrame
	for {
		f, err := p.AcquireSymbol()
		if err != nil {
			break
		}
		held = append(held, f)
	}

	start := time.Now()
	_, err := p.AcquireSymbol()
	elapsed := time.Since(start)

	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("err = %v, want ErrExhausted", err)
	}
	if elapsed > 200*time.Millisecond {
		t.Fatalf("acquire blocked %v, want bounded wait", elapsed)
	}

	if s := p.Stats(); s.SymbolExhausted == 0 {
		t.Fatal("exhaustion not counted")
	}

	for _, f := range held {
		p.ReleaseSymbol(f)
	}
}

func TestReleaseClearsBuffer(t *testing.T) {
	p := New(testConfig())

	f, err := p.AcquireSymbol()
	if err != nil {
		t.Fatal(err)
	}
	f.Seq = 42
	f.Dibits = append(f.Dibits, 1, 2, 3)
	f.PowerDB = -12
	p.ReleaseSymbol(f)

	// Drain the class; the released frame must come back cleared.
	var again *sdr.SymbolFrame
	var drained []*sdr.SymbolFrame
	for {
		f2, err := p.AcquireSymbol()
		if err != nil {
			break
		}
		drained = append(drained, f2)
		if f2 == f {
			again = f2
		}
	}
	defer func() {
		for _, f2 := range drained {
			p.ReleaseSymbol(f2)
		}
	}()

	if again == nil {
		t.Fatal("released frame never returned to pool")
	}
	if again.Seq != 0 || len(again.Dibits) != 0 || again.PowerDB != 0 {
		t.Fatalf("frame not cleared on release: %+v", again)
	}
}
