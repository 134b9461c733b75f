package cyclone

import (
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go"
	"github.com/influxdata/influxdb-client-go/api"
	"github.com/rs/zerolog"

	"github.com/cyclone-radio/cyclone/pkg/audio"
	"github.com/cyclone-radio/cyclone/pkg/hub"
	"github.com/cyclone-radio/cyclone/pkg/trunk"
)

// eventSink bridges tracker events to the hub and the audio outputs. It runs
// on the tracker goroutine, so every handoff is non-blocking.
type eventSink struct {
	hub     *hub.Hub
	outputs []audio.Output
	logger  zerolog.Logger
	metrics api.WriteAPI
}

func (s *eventSink) CallStarted(session *trunk.CallSession) {
	s.hub.Publish(hub.Event{
		Type: hub.EventCallStarted,
		Payload: hub.CallStartedPayload{
			CallID:    session.ID.String(),
			Talkgroup: session.Talkgroup,
			SourceID:  session.SourceID,
			Frequency: session.Frequency,
			Started:   session.Started,
		},
	})
}

func (s *eventSink) CallAudio(session *trunk.CallSession, pcm []float32, sampleRate int) {
	// The tracker reuses its decode buffer; copy once and share the copy.
	data := make([]float32, len(pcm))
	copy(data, pcm)

	frame := &audio.PCMFrame{
		CallID:     session.ID.String(),
		Talkgroup:  session.Talkgroup,
		SampleRate: sampleRate,
		Data:       data,
		Timestamp:  time.Now(),
	}

	skipped := 0
	for _, output := range s.outputs {
		select {
		case output.Receive() <- frame:
		default:
			// Never wait on a blocked output.
			skipped++
		}
	}

	s.hub.Publish(hub.Event{
		Type: hub.EventCallAudio,
		Payload: hub.CallAudioPayload{
			CallID:     frame.CallID,
			Talkgroup:  frame.Talkgroup,
			SampleRate: sampleRate,
			Data:       data,
		},
	})

	go s.metrics.WritePoint(influxdb2.NewPoint("voice.output",
		map[string]string{"talkgroup": strconv.Itoa(frame.Talkgroup)},
		map[string]interface{}{
			"samples_written": len(data),
			"bytes_written":   len(data) * 4,
			"skipped_outputs": skipped,
		}, time.Now()))
}

func (s *eventSink) CallEnded(session *trunk.CallSession, reason string) {
	s.hub.Publish(hub.Event{
		Type: hub.EventCallEnded,
		Payload: hub.CallEndedPayload{
			CallID:     session.ID.String(),
			Talkgroup:  session.Talkgroup,
			Reason:     reason,
			DurationMs: time.Since(session.Started).Milliseconds(),
		},
	})
}

func (s *eventSink) ControlChannelChanged(freq int) {
	s.hub.Publish(hub.Event{
		Type:    hub.EventControlChannelChanged,
		Payload: hub.ControlChannelChangedPayload{Frequency: freq},
	})
}
