package audio

import (
	"context"
	"time"
)

// PCMFrame is one decoded block of call audio tagged with the call it
// belongs to.
type PCMFrame struct {
	CallID     string
	Talkgroup  int
	SampleRate int
	Data       []float32
	Timestamp  time.Time
}

// Output consumes tagged PCM frames.
type Output interface {
	// Start runs the output loop until ctx closes or an error occurs.
	Start(ctx context.Context) error
	// Receive returns the channel frames are delivered on.
	Receive() chan<- *PCMFrame
}

// Destination is a UDP endpoint audio is streamed to.
type Destination struct {
	Host string
	Port int
}
