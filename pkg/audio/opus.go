package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/hraban/opus"
	influxdb2 "github.com/influxdata/influxdb-client-go"
	"github.com/influxdata/influxdb-client-go/api"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Opus frames are 20ms; a force flush may emit one of the smaller valid
// durations to avoid padding with silence.
const usPerFrame int = 20e3

var validUsRates = []int{2.5e3, 5e3, 10e3}

const receiveChannels = 8

// FrameHeader precedes each opus payload on the wire, prefixed by its own
// little-endian uint16 length.
type FrameHeader struct {
	CallID     string    `json:"call_id"`
	Talkgroup  int       `json:"talkgroup"`
	Seq        int       `json:"seq"`
	DurationUs int       `json:"duration_us"`
	Length     int       `json:"length"`
	Timestamp  time.Time `json:"timestamp"`
}

type opusFrame struct {
	header  FrameHeader
	payload []byte
}

// opusEncoder accumulates one talkgroup's PCM and emits fixed-duration opus
// frames. Encode buffers are fixed arrays so the steady state does not
// allocate beyond the payload copy handed downstream.
type opusEncoder struct {
	sampleRate int
	talkgroup  int

	inBuf    [4096]float32
	encBuf   [4096]byte
	inBufPos int

	encoder *opus.Encoder
	seq     int
	callID  string

	outputChan  chan *opusFrame
	receiveChan chan *PCMFrame
}

func newOpusEncoder(sampleRate, talkgroup int, outputChan chan *opusFrame) (*opusEncoder, error) {
	enc, err := opus.NewEncoder(sampleRate, 1, opus.AppVoIP)
	if err != nil {
		return nil, errors.Wrap(err, "audio: create opus encoder")
	}
	if err := enc.SetPacketLossPerc(20); err != nil {
		return nil, err
	}
	enc.SetBitrateToAuto()
	return &opusEncoder{
		sampleRate:  sampleRate,
		talkgroup:   talkgroup,
		encoder:     enc,
		outputChan:  outputChan,
		receiveChan: make(chan *PCMFrame, 1),
	}, nil
}

func (o *opusEncoder) Start(ctx context.Context) error {
	flushAfter := time.Microsecond * time.Duration(usPerFrame) * 3 / 2
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(flushAfter):
			if err := o.maybeFlush(ctx, true); err != nil {
				return err
			}
		case frame := <-o.receiveChan:
			if frame.CallID != o.callID {
				// New call on this talkgroup: drop any partial frame
				// from the previous one.
				o.inBufPos = 0
				o.callID = frame.CallID
			}
			n := copy(o.inBuf[o.inBufPos:], frame.Data)
			o.inBufPos += n
			if err := o.maybeFlush(ctx, false); err != nil {
				return err
			}
		}
	}
}

func (o *opusEncoder) maybeFlush(ctx context.Context, force bool) error {
	samplesPerFrame := o.sampleRate * usPerFrame / 1e6

	if o.inBufPos < samplesPerFrame && !(force && o.inBufPos > 0) {
		return nil
	}

	if force && o.inBufPos < samplesPerFrame {
		// End of a talk spurt: emit the largest valid shorter frame, or
		// drop what is too short to encode.
		set := false
		for j := len(validUsRates) - 1; j >= 0; j-- {
			thisFrameCount := validUsRates[j] * o.sampleRate / 1e6
			if thisFrameCount <= o.inBufPos {
				samplesPerFrame = thisFrameCount
				set = true
				break
			}
		}
		if !set {
			o.inBufPos = 0
			return nil
		}
	}

	bytesEncoded, err := o.encoder.EncodeFloat32(o.inBuf[:samplesPerFrame], o.encBuf[:])
	if err != nil {
		return errors.Wrap(err, "audio: opus encode")
	}

	// Shift leftover samples to the front for the next frame.
	o.inBufPos -= samplesPerFrame
	copy(o.inBuf[:o.inBufPos], o.inBuf[samplesPerFrame:samplesPerFrame+o.inBufPos])

	payload := make([]byte, bytesEncoded)
	copy(payload, o.encBuf[:bytesEncoded])

	frame := &opusFrame{
		header: FrameHeader{
			CallID:     o.callID,
			Talkgroup:  o.talkgroup,
			Seq:        o.seq,
			DurationUs: samplesPerFrame * 1e6 / o.sampleRate,
			Length:     bytesEncoded,
			Timestamp:  time.Now().UTC(),
		},
		payload: payload,
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case o.outputChan <- frame:
		o.seq++
	}
	return nil
}

// OpusUDPOutput encodes call audio to opus and streams it to one or more
// UDP destinations. Each datagram is a uint16 length, a JSON FrameHeader,
// then the opus payload.
type OpusUDPOutput struct {
	dests      []Destination
	sampleRate int
	recvChan   chan *PCMFrame
	opusChan   chan *opusFrame
	mu         sync.Mutex
	encoders   map[int]*opusEncoder
	logger     zerolog.Logger
	metrics    api.WriteAPI
}

func NewOpusUDPOutput(dests []Destination, sampleRate int, logger zerolog.Logger, metrics api.WriteAPI) *OpusUDPOutput {
	return &OpusUDPOutput{
		dests:      dests,
		sampleRate: sampleRate,
		recvChan:   make(chan *PCMFrame, receiveChannels),
		opusChan:   make(chan *opusFrame),
		encoders:   make(map[int]*opusEncoder),
		logger:     logger.With().Str("component", "opus_output").Logger(),
		metrics:    metrics,
	}
}

func (s *OpusUDPOutput) Receive() chan<- *PCMFrame {
	return s.recvChan
}

func (s *OpusUDPOutput) getEncoder(talkgroup int) (*opusEncoder, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	enc, ok := s.encoders[talkgroup]
	if ok {
		return enc, false, nil
	}
	enc, err := newOpusEncoder(s.sampleRate, talkgroup, s.opusChan)
	if err != nil {
		return nil, false, err
	}
	s.encoders[talkgroup] = enc
	return enc, true, nil
}

func (s *OpusUDPOutput) Start(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)

	destAddrs := make([]*net.UDPAddr, 0, len(s.dests))
	for _, dest := range s.dests {
		ips, err := net.LookupIP(dest.Host)
		if err != nil {
			return errors.Wrapf(err, "audio: resolve %s", dest.Host)
		}
		if len(ips) == 0 {
			return errors.Errorf("audio: no IPs returned for %s", dest.Host)
		}
		addr := &net.UDPAddr{IP: ips[0], Port: dest.Port}
		destAddrs = append(destAddrs, addr)
		s.logger.Info().IPAddr("dest_ip", addr.IP).Int("port", dest.Port).Msg("stream output starting")
	}

	eg.Go(func() error {
		conn, err := net.ListenUDP("udp", nil)
		if err != nil {
			return err
		}
		defer conn.Close()

		var msgBuf bytes.Buffer
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case frame := <-s.opusChan:
				header, err := json.Marshal(frame.header)
				if err != nil {
					s.logger.Warn().Err(err).Msg("error marshaling frame header")
					continue
				}

				msgBuf.Reset()
				if err := binary.Write(&msgBuf, binary.LittleEndian, uint16(len(header))); err != nil {
					continue
				}
				msgBuf.Write(header)
				msgBuf.Write(frame.payload)

				sent := 1
				var bytesWritten int
				for _, destAddr := range destAddrs {
					bytesWritten, err = conn.WriteToUDP(msgBuf.Bytes(), destAddr)
					if err != nil {
						s.logger.Error().Err(err).Msg("error writing datagram")
						sent = 0
					}
				}

				go s.metrics.WritePoint(influxdb2.NewPoint("opus.sent_frame",
					map[string]string{"tgid": strconv.Itoa(frame.header.Talkgroup)},
					map[string]interface{}{
						"bytes_written":  bytesWritten,
						"payload_length": len(frame.payload),
						"sent":           sent,
					}, time.Now()))
			}
		}
	})

	eg.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case frame := <-s.recvChan:
				enc, created, err := s.getEncoder(frame.Talkgroup)
				if err != nil {
					return err
				}
				if created {
					eg.Go(func() error {
						return enc.Start(ctx)
					})
				}

				select {
				case <-ctx.Done():
					return ctx.Err()
				case enc.receiveChan <- frame:
				}
			}
		}
	})

	return eg.Wait()
}
