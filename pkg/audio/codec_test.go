package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"math"
	"sync"
	"testing"
	"time"
)

func TestPCM16Decode(t *testing.T) {
	codec, err := NewCodec("pcm16")
	if err != nil {
		t.Fatal(err)
	}
	if codec.SampleRate() != 8000 {
		t.Fatalf("sample rate = %d", codec.SampleRate())
	}

	samples := []int16{0, 16384, -16384, 32767, -32768}
	payload := make([]byte, 2*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(payload[2*i:], uint16(s))
	}

	pcm, err := codec.Decode(payload)
	if err != nil {
		t.Fatal(err)
	}
	want := []float32{0, 0.5, -0.5, 32767.0 / 32768, -1}
	for i := range want {
		if math.Abs(float64(pcm[i]-want[i])) > 1e-6 {
			t.Fatalf("pcm[%d] = %v, want %v", i, pcm[i], want[i])
		}
	}
}

func TestPCM16OddLengthRejected(t *testing.T) {
	codec, _ := NewCodec("pcm16")
	if _, err := codec.Decode([]byte{1, 2, 3}); err == nil {
		t.Fatal("odd-length frame decoded")
	}
}

func TestUnknownCodec(t *testing.T) {
	if _, err := NewCodec("imbe"); err == nil {
		t.Fatal("unknown codec constructed")
	}
}

type safeBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *safeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *safeBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Len()
}

func (b *safeBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}

func TestRawFileOutputWritesF32LE(t *testing.T) {
	const sampleRate = 8000
	dest := &safeBuffer{}
	out := NewRawFileOutput(dest, sampleRate, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		out.Start(ctx)
		close(done)
	}()

	const frameLen = 160
	data := make([]float32, frameLen)
	for i := range data {
		data[i] = 0.25
	}
	// A full buffer's worth forces a flush without waiting on the timer.
	for i := 0; i < frameBufferLength; i++ {
		out.Receive() <- &PCMFrame{Talkgroup: 100, SampleRate: sampleRate, Data: data}
	}

	priming := sampleRate * 4
	want := priming + frameBufferLength*frameLen*4
	deadline := time.Now().Add(2 * time.Second)
	for dest.Len() < want {
		if time.Now().After(deadline) {
			t.Fatalf("wrote %d bytes, want %d", dest.Len(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}

	raw := dest.Bytes()
	got := math.Float32frombits(binary.LittleEndian.Uint32(raw[priming:]))
	if got != 0.25 {
		t.Fatalf("first sample = %v, want 0.25", got)
	}

	cancel()
	<-done
}

func TestRawFileOutputFiltersTalkgroups(t *testing.T) {
	const sampleRate = 8000
	dest := &safeBuffer{}
	out := NewRawFileOutput(dest, sampleRate, []int{200})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go out.Start(ctx)

	data := make([]float32, 160)
	for i := 0; i < frameBufferLength; i++ {
		out.Receive() <- &PCMFrame{Talkgroup: 100, SampleRate: sampleRate, Data: data}
	}

	// Only the priming silence should ever land.
	time.Sleep(50 * time.Millisecond)
	if got := dest.Len(); got > sampleRate*4 {
		t.Fatalf("filtered talkgroup wrote %d bytes", got)
	}
}
