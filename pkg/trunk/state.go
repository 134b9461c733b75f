package trunk

import (
	"time"

	"github.com/google/uuid"
)

// SystemState is the tracker's view of the trunking system: the channel plan
// learned from identifier updates plus the system identity. Owned by the
// tracker goroutine; Snapshot copies it out for the status endpoint.
type SystemState struct {
	SystemID    int
	ControlFreq int

	// channels maps logical channel id to frequency in Hz.
	channels map[int]int

	identifierUpdates uint64
	malformed         uint64
}

func NewSystemState(controlFreq int) *SystemState {
	return &SystemState{
		ControlFreq: controlFreq,
		channels:    make(map[int]int),
	}
}

// ApplyIdentifier records a channel id to frequency mapping. Reapplying an
// identical mapping changes nothing; a changed mapping overwrites and reports
// the old frequency.
func (s *SystemState) ApplyIdentifier(u ChannelIdentifierUpdate) (changed bool, prev int) {
	prev, known := s.channels[u.ChannelID]
	if known && prev == u.Frequency {
		return false, prev
	}
	s.channels[u.ChannelID] = u.Frequency
	s.identifierUpdates++
	return known, prev
}

// Lookup resolves a channel id to its frequency.
func (s *SystemState) Lookup(channelID int) (int, bool) {
	freq, ok := s.channels[channelID]
	return freq, ok
}

// Snapshot is an immutable copy of the system state for external readers.
type Snapshot struct {
	SystemID          int         `json:"system_id"`
	ControlFreq       int         `json:"control_freq"`
	Channels          map[int]int `json:"channels"`
	IdentifierUpdates uint64      `json:"identifier_updates"`
	Malformed         uint64      `json:"malformed"`
}

func (s *SystemState) Snapshot() Snapshot {
	channels := make(map[int]int, len(s.channels))
	for id, freq := range s.channels {
		channels[id] = freq
	}
	return Snapshot{
		SystemID:          s.SystemID,
		ControlFreq:       s.ControlFreq,
		Channels:          channels,
		IdentifierUpdates: s.identifierUpdates,
		Malformed:         s.malformed,
	}
}

// CallSession tracks one voice call being followed. Created on a granted
// channel grant, closed on release, hang-time expiry, or preemption.
type CallSession struct {
	ID        uuid.UUID
	Talkgroup int
	SourceID  int
	ChannelID int
	Frequency int

	Started      time.Time
	LastActivity time.Time
}

func newCallSession(grant ChannelGrant, freq int, now time.Time) *CallSession {
	return &CallSession{
		ID:           uuid.New(),
		Talkgroup:    grant.Talkgroup,
		SourceID:     grant.SourceID,
		ChannelID:    grant.ChannelID,
		Frequency:    freq,
		Started:      now,
		LastActivity: now,
	}
}

// Touch pushes out the hang deadline; called for every voice frame decoded
// during the call.
func (c *CallSession) Touch(now time.Time) {
	c.LastActivity = now
}

// Expired reports whether the call has gone silent past the hang time.
func (c *CallSession) Expired(now time.Time, hang time.Duration) bool {
	return now.Sub(c.LastActivity) >= hang
}
