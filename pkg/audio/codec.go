// Package audio holds the voice-side of the daemon: the codec boundary that
// turns encoded voice frames into PCM, and the output sinks PCM is delivered
// to.
package audio

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// Codec decodes one encoded voice frame into float32 PCM in [-1, 1].
// Implementations for real vocoders are external libraries; they register
// themselves by name.
type Codec interface {
	Decode(payload []byte) ([]float32, error)
	// SampleRate is the rate of the PCM Decode produces.
	SampleRate() int
}

// CodecFactory builds a codec instance. Codecs carry decode history, so each
// call gets its own instance.
type CodecFactory func() (Codec, error)

var (
	codecsMu sync.RWMutex
	codecs   = map[string]CodecFactory{}
)

func RegisterCodec(name string, factory CodecFactory) {
	codecsMu.Lock()
	defer codecsMu.Unlock()
	if _, dup := codecs[name]; dup {
		panic(fmt.Sprintf("audio: codec %q registered twice", name))
	}
	codecs[name] = factory
}

func NewCodec(name string) (Codec, error) {
	codecsMu.RLock()
	factory, ok := codecs[name]
	codecsMu.RUnlock()
	if !ok {
		return nil, errors.Errorf("audio: unknown codec %q (have %v)", name, CodecNames())
	}
	return factory()
}

func CodecNames() []string {
	codecsMu.RLock()
	defer codecsMu.RUnlock()
	names := make([]string, 0, len(codecs))
	for name := range codecs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// pcm16 decodes little-endian signed 16-bit PCM at 8 kHz. Useful for
// recordings and for systems whose voice channels carry uncompressed audio.
type pcm16 struct{}

func (pcm16) SampleRate() int { return 8000 }

func (pcm16) Decode(payload []byte) ([]float32, error) {
	if len(payload)%2 != 0 {
		return nil, errors.Errorf("audio: pcm16 frame length %d is odd", len(payload))
	}
	pcm := make([]float32, len(payload)/2)
	for i := range pcm {
		s := int16(binary.LittleEndian.Uint16(payload[2*i:]))
		pcm[i] = float32(s) / 32768
	}
	return pcm, nil
}

func init() {
	RegisterCodec("pcm16", func() (Codec, error) { return pcm16{}, nil })
}
