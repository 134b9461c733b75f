// Package trunk contains the trunking control-channel tracker: the state
// machine that consumes decoded trunking messages, drives tuner retunes, and
// maintains system and call state.
//
// The bit-level protocol decoder itself is an external library; this package
// only defines the boundary it is consumed through.
package trunk

import (
	"fmt"
	"sort"
	"sync"

	"github.com/cyclone-radio/cyclone/pkg/sdr"
)

// Message is the closed set of decoded control/voice channel messages. The
// unexported method keeps the set closed; the tracker dispatches on concrete
// type.
type Message interface {
	isMessage()
}

// SystemIdentity confirms which trunking system the control channel belongs
// to and (when broadcast) the control channel's own frequency.
type SystemIdentity struct {
	SystemID    int
	ControlFreq int
}

// ChannelIdentifierUpdate maps a logical channel id to a frequency.
// Idempotent: reapplying an identical mapping is a no-op.
type ChannelIdentifierUpdate struct {
	ChannelID int
	Frequency int
}

// ChannelGrant assigns a talkgroup's call to a voice channel.
type ChannelGrant struct {
	Talkgroup int
	ChannelID int
	SourceID  int
}

// ChannelRelease ends a talkgroup's call explicitly.
type ChannelRelease struct {
	Talkgroup int
}

// VoiceFramePayload carries one encoded voice frame from the currently
// decoded channel.
type VoiceFramePayload struct {
	ChannelID int
	Payload   []byte
}

// Malformed surfaces a decode failure without aborting the stream.
type Malformed struct {
	Reason string
}

func (SystemIdentity) isMessage()          {}
func (ChannelIdentifierUpdate) isMessage() {}
func (ChannelGrant) isMessage()            {}
func (ChannelRelease) isMessage()          {}
func (VoiceFramePayload) isMessage()       {}
func (Malformed) isMessage()               {}

// Decoder turns symbol frames into trunking messages. Implementations are
// external protocol libraries; decode failures must surface as Malformed
// messages, never as stream errors.
type Decoder interface {
	Feed(*sdr.SymbolFrame) []Message
}

// DecoderFactory builds a decoder for a given symbol rate.
type DecoderFactory func(symbolRate int) (Decoder, error)

var (
	decodersMu sync.RWMutex
	decoders   = map[string]DecoderFactory{}
)

// RegisterDecoder makes a protocol decoder available by name. External
// decoder libraries register themselves from an init function; the daemon
// selects by the config's protocol field.
func RegisterDecoder(name string, factory DecoderFactory) {
	decodersMu.Lock()
	defer decodersMu.Unlock()
	if _, dup := decoders[name]; dup {
		panic(fmt.Sprintf("trunk: decoder %q registered twice", name))
	}
	decoders[name] = factory
}

// NewDecoder builds the named decoder.
func NewDecoder(name string, symbolRate int) (Decoder, error) {
	decodersMu.RLock()
	factory, ok := decoders[name]
	decodersMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("trunk: unknown decoder %q (have %v)", name, DecoderNames())
	}
	return factory(symbolRate)
}

func DecoderNames() []string {
	decodersMu.RLock()
	defer decodersMu.RUnlock()
	names := make([]string, 0, len(decoders))
	for name := range decoders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type nullDecoder struct{}

func (nullDecoder) Feed(*sdr.SymbolFrame) []Message { return nil }

func init() {
	// The null decoder keeps the pipeline runnable for bring-up and
	// recording sessions before a protocol library is linked in.
	RegisterDecoder("null", func(int) (Decoder, error) {
		return nullDecoder{}, nil
	})
}
