package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"time"

	"golang.org/x/sync/errgroup"
)

const frameBufferLength = 8

// RawFileOutput writes call audio as raw little-endian float32 samples,
// suitable for a file or a FIFO feeding a player:
//
//	mkfifo voice && cyclone ... & play -r 8000 -t f32 voice
type RawFileOutput struct {
	dest            io.Writer
	sampleRate      int
	recvChan        chan *PCMFrame
	outChan         chan *PCMFrame
	talkgroupFilter map[int]struct{}
}

// NewRawFileOutput writes audio for the given talkgroups to dest; an empty
// talkgroup list passes everything.
func NewRawFileOutput(dest io.Writer, sampleRate int, talkgroups []int) *RawFileOutput {
	ret := &RawFileOutput{
		dest:            dest,
		sampleRate:      sampleRate,
		recvChan:        make(chan *PCMFrame, frameBufferLength),
		outChan:         make(chan *PCMFrame, frameBufferLength),
		talkgroupFilter: make(map[int]struct{}),
	}
	for _, tg := range talkgroups {
		ret.talkgroupFilter[tg] = struct{}{}
	}
	return ret
}

func (s *RawFileOutput) Receive() chan<- *PCMFrame {
	return s.recvChan
}

func (s *RawFileOutput) Start(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)

	frameLen := 160
	singleSampleWaitTime := time.Duration(1000 / float64(s.sampleRate) * float64(time.Millisecond))

	// Prime the destination with a second of silence so a FIFO reader has
	// something to chew on before the first call.
	if _, err := s.dest.Write(make([]byte, s.sampleRate*4)); err != nil {
		return err
	}

	eg.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case frame := <-s.recvChan:
				if len(s.talkgroupFilter) > 0 {
					if _, ok := s.talkgroupFilter[frame.Talkgroup]; !ok {
						continue
					}
				}
				select {
				case <-ctx.Done():
					return ctx.Err()
				case s.outChan <- frame:
				}
			}
		}
	})

	eg.Go(func() error {
		var b *bytes.Buffer
		bufNum := 0

		for {
			select {
			case <-ctx.Done():
				return ctx.Err()

			case <-time.After(singleSampleWaitTime * time.Duration(frameLen*(frameBufferLength-bufNum))):
				if bufNum > 0 {
					if _, err := b.WriteTo(s.dest); err != nil {
						return err
					}
					b.Reset()
					bufNum = 0
				}

			case frame := <-s.outChan:
				frameLen = len(frame.Data)
				if b == nil {
					b = bytes.NewBuffer(make([]byte, 0, frameLen*4*frameBufferLength+1))
				}

				if err := binary.Write(b, binary.LittleEndian, frame.Data); err != nil {
					return err
				}

				bufNum++
				if bufNum == frameBufferLength {
					if _, err := b.WriteTo(s.dest); err != nil {
						return err
					}
					b.Reset()
					bufNum = 0
				}
			}
		}
	})

	return eg.Wait()
}
