// Package hub fans live daemon events out to HTTP subscribers. Publishing
// never blocks: a subscriber that cannot keep up loses its oldest queued
// events and is marked as lagging.
package hub

import "time"

// Event is the envelope every subscriber sees: a type tag plus a payload
// struct serialized as JSON.
type Event struct {
	Type    string      `json:"event"`
	Payload interface{} `json:"payload"`
}

const (
	EventCallStarted           = "call_started"
	EventCallEnded             = "call_ended"
	EventCallAudio             = "call_audio"
	EventControlChannelChanged = "control_channel_changed"
)

type CallStartedPayload struct {
	CallID    string    `json:"call_id"`
	Talkgroup int       `json:"talkgroup"`
	SourceID  int       `json:"source_id"`
	Frequency int       `json:"frequency"`
	Started   time.Time `json:"started"`
}

type CallEndedPayload struct {
	CallID     string `json:"call_id"`
	Talkgroup  int    `json:"talkgroup"`
	Reason     string `json:"reason"`
	DurationMs int64  `json:"duration_ms"`
}

type CallAudioPayload struct {
	CallID     string    `json:"call_id"`
	Talkgroup  int       `json:"talkgroup"`
	SampleRate int       `json:"sample_rate"`
	Data       []float32 `json:"data"`
}

type ControlChannelChangedPayload struct {
	Frequency int `json:"frequency"`
}
