package trunk

import (
	"context"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go"
	"github.com/influxdata/influxdb-client-go/api"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/cyclone-radio/cyclone/pkg/audio"
	"github.com/cyclone-radio/cyclone/pkg/sdr"
	"github.com/cyclone-radio/cyclone/pkg/sdr/pool"
	"github.com/cyclone-radio/cyclone/pkg/util"
)

// Tuner is the tracker's handle on the radio. Retune blocks until the
// hardware has been commanded and the DSP chain scheduled for reset; an
// error means the device never left its previous frequency.
type Tuner interface {
	Retune(freq int) error
}

// EventSink receives the tracker's call lifecycle events in the order they
// happen. Calls are made from the tracker goroutine and must not block.
type EventSink interface {
	CallStarted(*CallSession)
	CallAudio(session *CallSession, pcm []float32, sampleRate int)
	CallEnded(session *CallSession, reason string)
	ControlChannelChanged(freq int)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) CallStarted(*CallSession)               {}
func (NopSink) CallAudio(*CallSession, []float32, int) {}
func (NopSink) CallEnded(*CallSession, string)         {}
func (NopSink) ControlChannelChanged(int)              {}

// End reasons reported through EventSink.CallEnded.
const (
	EndReasonReleased  = "released"
	EndReasonHangTime  = "hang_time"
	EndReasonPreempted = "preempted"
	EndReasonShutdown  = "shutdown"
)

type followState int

const (
	// stateAcquiring: tuned to the configured control frequency but no
	// system identity decoded yet.
	stateAcquiring followState = iota
	// stateFollowingControl: decoding the control channel, waiting for
	// grants.
	stateFollowingControl
	// stateFollowingCall: tuned to a voice channel, decoding audio.
	stateFollowingCall
)

func (s followState) String() string {
	switch s {
	case stateAcquiring:
		return "acquiring"
	case stateFollowingControl:
		return "following_control"
	case stateFollowingCall:
		return "following_call"
	}
	return "unknown"
}

const hangCheckInterval = 100 * time.Millisecond

// Config selects the system to follow and the follow policy.
type Config struct {
	// ControlFreq is the control channel frequency in Hz.
	ControlFreq int
	// HangTime ends a call after this much silence. Zero means the call
	// ends only on an explicit release.
	HangTime time.Duration
	// Allow restricts followed talkgroups; empty allows all.
	Allow []int
	// Deny always wins over Allow.
	Deny []int
	// NoHop reports call activity from the control channel without ever
	// leaving it. No audio is produced.
	NoHop bool
	// HoldCurrentCall ignores new grants while a call is being followed
	// instead of preempting it with the most recent grant.
	HoldCurrentCall bool
}

// Tracker consumes symbol frames, runs them through the protocol decoder,
// and follows the system: it is the only component that requests retunes.
// All state is owned by the Run goroutine; external access goes through the
// command channel.
type Tracker struct {
	cfg     Config
	decoder Decoder
	codec   audio.Codec
	tuner   Tuner
	sink    EventSink
	pool    *pool.Pool
	logger  zerolog.Logger
	metrics api.WriteAPI

	state   followState
	system  *SystemState
	session *CallSession
	allow   map[int]bool
	deny    map[int]bool

	retuneFailures uint64
	grantsDenied   uint64
	audioFrames    uint64
	framesDecoded  uint64

	clock func() time.Time
	cmdCh chan command
}

type commandKind int

const (
	cmdSetControlFreq commandKind = iota
	cmdStatus
)

type command struct {
	kind   commandKind
	freq   int
	reply  chan error
	status chan Status
}

// Status is the tracker's externally visible state, served by the HTTP
// status endpoint.
type Status struct {
	State       string    `json:"state"`
	ControlFreq int       `json:"control_freq"`
	System      Snapshot  `json:"system"`
	Call        *CallInfo `json:"call,omitempty"`
}

// CallInfo summarizes the in-progress call.
type CallInfo struct {
	ID        string    `json:"id"`
	Talkgroup int       `json:"talkgroup"`
	SourceID  int       `json:"source_id"`
	Frequency int       `json:"frequency"`
	Started   time.Time `json:"started"`
}

func NewTracker(cfg Config, decoder Decoder, codec audio.Codec, tuner Tuner, sink EventSink, p *pool.Pool, logger zerolog.Logger, metrics api.WriteAPI) *Tracker {
	t := &Tracker{
		cfg:     cfg,
		decoder: decoder,
		codec:   codec,
		tuner:   tuner,
		sink:    sink,
		pool:    p,
		logger:  logger.With().Str("component", "tracker").Logger(),
		metrics: metrics,
		state:   stateAcquiring,
		system:  NewSystemState(cfg.ControlFreq),
		allow:   make(map[int]bool, len(cfg.Allow)),
		deny:    make(map[int]bool, len(cfg.Deny)),
		clock:   time.Now,
		cmdCh:   make(chan command),
	}
	for _, tg := range cfg.Allow {
		t.allow[tg] = true
	}
	for _, tg := range cfg.Deny {
		t.deny[tg] = true
	}
	return t
}

// Run consumes frames until the context is canceled or the channel closes.
// Frames are released back to the pool after decoding.
func (t *Tracker) Run(ctx context.Context, frames <-chan *sdr.SymbolFrame) error {
	ticker := time.NewTicker(hangCheckInterval)
	defer ticker.Stop()

	t.logger.Info().
		Str("control_freq", util.MHzToString(t.cfg.ControlFreq)).
		Bool("nohop", t.cfg.NoHop).
		Msg("tracker starting")

	for {
		select {
		case <-ctx.Done():
			if t.session != nil {
				t.endCall(EndReasonShutdown, false)
			}
			return ctx.Err()
		case frame, ok := <-frames:
			if !ok {
				if t.session != nil {
					t.endCall(EndReasonShutdown, false)
				}
				return nil
			}
			t.handleFrame(frame)
		case cmd := <-t.cmdCh:
			t.handleCommand(cmd)
		case <-ticker.C:
			t.checkHang(t.clock())
		}
	}
}

// SetControlFreq moves the tracker to a new control channel. If a call is in
// progress the new frequency takes effect when the call ends.
func (t *Tracker) SetControlFreq(ctx context.Context, freq int) error {
	reply := make(chan error, 1)
	select {
	case t.cmdCh <- command{kind: cmdSetControlFreq, freq: freq, reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status reports the tracker's current state.
func (t *Tracker) Status(ctx context.Context) (Status, error) {
	status := make(chan Status, 1)
	select {
	case t.cmdCh <- command{kind: cmdStatus, status: status}:
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
	select {
	case s := <-status:
		return s, nil
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
}

func (t *Tracker) handleCommand(cmd command) {
	switch cmd.kind {
	case cmdSetControlFreq:
		cmd.reply <- t.setControlFreq(cmd.freq)
	case cmdStatus:
		cmd.status <- t.status()
	}
}

func (t *Tracker) status() Status {
	s := Status{
		State:       t.state.String(),
		ControlFreq: t.system.ControlFreq,
		System:      t.system.Snapshot(),
	}
	if t.session != nil {
		s.Call = &CallInfo{
			ID:        t.session.ID.String(),
			Talkgroup: t.session.Talkgroup,
			SourceID:  t.session.SourceID,
			Frequency: t.session.Frequency,
			Started:   t.session.Started,
		}
	}
	return s
}

func (t *Tracker) setControlFreq(freq int) error {
	if freq <= 0 {
		return errors.Errorf("trunk: control frequency %d out of range", freq)
	}
	if freq == t.system.ControlFreq {
		return nil
	}
	prev := t.system.ControlFreq
	t.system.ControlFreq = freq

	// Mid-call the device stays on the voice channel; the release path
	// retunes to the updated frequency.
	if t.state == stateFollowingCall {
		t.logger.Info().
			Str("control_freq", util.MHzToString(freq)).
			Msg("control frequency updated, deferred until call ends")
		t.sink.ControlChannelChanged(freq)
		return nil
	}

	if err := t.tuner.Retune(freq); err != nil {
		t.system.ControlFreq = prev
		t.retuneFailures++
		return errors.Wrap(err, "trunk: retune to new control channel")
	}
	t.state = stateAcquiring
	t.logger.Info().
		Str("control_freq", util.MHzToString(freq)).
		Msg("moved to new control channel")
	t.sink.ControlChannelChanged(freq)
	return nil
}

// decodeMetricsInterval spaces out per-frame decode metrics.
const decodeMetricsInterval = 256

func (t *Tracker) handleFrame(frame *sdr.SymbolFrame) {
	var msgs []Message
	decodeUs := util.TimeOperationMicroseconds(func() {
		msgs = t.decoder.Feed(frame)
	})
	symbols := len(frame.Dibits)
	t.pool.ReleaseSymbol(frame)
	for _, msg := range msgs {
		t.handleMessage(msg)
	}

	t.framesDecoded++
	if t.framesDecoded%decodeMetricsInterval == 0 {
		go t.metrics.WritePoint(influxdb2.NewPoint("trunk.decode",
			map[string]string{"state": t.state.String()},
			map[string]interface{}{
				"symbols":     symbols,
				"messages":    len(msgs),
				"duration_us": decodeUs,
				"malformed":   t.system.malformed,
			}, t.clock()))
	}
}

func (t *Tracker) handleMessage(msg Message) {
	switch m := msg.(type) {
	case SystemIdentity:
		t.handleIdentity(m)
	case ChannelIdentifierUpdate:
		t.handleIdentifier(m)
	case ChannelGrant:
		t.handleGrant(m)
	case ChannelRelease:
		t.handleRelease(m)
	case VoiceFramePayload:
		t.handleVoice(m)
	case Malformed:
		t.system.malformed++
		t.logger.Debug().Str("reason", m.Reason).Msg("malformed message")
	}
}

func (t *Tracker) handleIdentity(m SystemIdentity) {
	if t.system.SystemID != 0 && t.system.SystemID != m.SystemID {
		t.logger.Warn().
			Int("system_id", m.SystemID).
			Int("expected", t.system.SystemID).
			Msg("system identity changed")
	}
	t.system.SystemID = m.SystemID
	if t.state == stateAcquiring {
		t.state = stateFollowingControl
		t.logger.Info().
			Int("system_id", m.SystemID).
			Str("control_freq", util.MHzToString(t.system.ControlFreq)).
			Msg("control channel acquired")
	}
}

func (t *Tracker) handleIdentifier(m ChannelIdentifierUpdate) {
	changed, prev := t.system.ApplyIdentifier(m)
	if changed {
		t.logger.Info().
			Int("channel", m.ChannelID).
			Str("freq", util.MHzToString(m.Frequency)).
			Str("prev", util.MHzToString(prev)).
			Msg("channel identifier remapped")
	}
}

func (t *Tracker) allowed(talkgroup int) bool {
	if t.deny[talkgroup] {
		return false
	}
	if len(t.allow) == 0 {
		return true
	}
	return t.allow[talkgroup]
}

func (t *Tracker) handleGrant(m ChannelGrant) {
	if t.state == stateAcquiring {
		// No identity yet; a grant implies we are on a live control
		// channel, treat it as acquisition.
		t.state = stateFollowingControl
	}

	if !t.allowed(m.Talkgroup) {
		t.grantsDenied++
		t.logger.Debug().Int("talkgroup", m.Talkgroup).Msg("grant filtered")
		return
	}

	if t.session != nil && t.session.Talkgroup == m.Talkgroup && t.session.ChannelID == m.ChannelID {
		// Grant refresh for the call already being followed.
		t.session.Touch(t.clock())
		return
	}

	freq, ok := t.system.Lookup(m.ChannelID)
	if !ok {
		t.logger.Warn().
			Int("channel", m.ChannelID).
			Int("talkgroup", m.Talkgroup).
			Msg("grant for unmapped channel")
		return
	}

	// Most recent grant wins unless configured to hold: an in-progress
	// call is preempted.
	if t.session != nil {
		if t.cfg.HoldCurrentCall {
			t.logger.Debug().Int("talkgroup", m.Talkgroup).Msg("grant ignored, holding current call")
			return
		}
		t.endCall(EndReasonPreempted, false)
	}

	now := t.clock()

	if t.cfg.NoHop {
		t.session = newCallSession(m, freq, now)
		t.sink.CallStarted(t.session)
		t.logger.Info().
			Int("talkgroup", m.Talkgroup).
			Str("freq", util.MHzToString(freq)).
			Msg("call started (nohop, staying on control)")
		return
	}

	if err := t.tuner.Retune(freq); err != nil {
		// The device reports it never left the control channel, so
		// keep following control; no corrective retune.
		t.retuneFailures++
		t.logger.Error().Err(err).
			Str("freq", util.MHzToString(freq)).
			Int("talkgroup", m.Talkgroup).
			Msg("retune to voice channel failed")
		return
	}

	t.session = newCallSession(m, freq, now)
	t.state = stateFollowingCall
	t.sink.CallStarted(t.session)
	t.logger.Info().
		Int("talkgroup", m.Talkgroup).
		Int("source", m.SourceID).
		Str("freq", util.MHzToString(freq)).
		Msg("following call")

	go t.metrics.WritePoint(influxdb2.NewPoint("trunk.call",
		map[string]string{"event": "start"},
		map[string]interface{}{"talkgroup": m.Talkgroup, "freq": freq}, now))
}

func (t *Tracker) handleRelease(m ChannelRelease) {
	if t.session == nil || t.session.Talkgroup != m.Talkgroup {
		return
	}
	t.endCall(EndReasonReleased, t.state == stateFollowingCall)
}

func (t *Tracker) handleVoice(m VoiceFramePayload) {
	if t.state != stateFollowingCall || t.session == nil {
		// Stale frames from the previous tune, or voice heard with
		// nohop set; drop.
		return
	}
	pcm, err := t.codec.Decode(m.Payload)
	if err != nil {
		t.system.malformed++
		t.logger.Debug().Err(err).Msg("voice frame decode failed")
		return
	}
	t.session.Touch(t.clock())
	t.audioFrames++
	t.sink.CallAudio(t.session, pcm, t.codec.SampleRate())
}

func (t *Tracker) checkHang(now time.Time) {
	if t.session == nil || t.cfg.HangTime <= 0 {
		return
	}
	if !t.session.Expired(now, t.cfg.HangTime) {
		return
	}
	t.endCall(EndReasonHangTime, t.state == stateFollowingCall)
}

// endCall closes the current session and, when retuneBack is set, returns
// the device to the control channel. A failed return retune leaves the state
// machine in acquiring; the supervisor restarts the pipeline if the device
// is truly gone.
func (t *Tracker) endCall(reason string, retuneBack bool) {
	session := t.session
	t.session = nil

	duration := t.clock().Sub(session.Started)
	t.sink.CallEnded(session, reason)
	t.logger.Info().
		Int("talkgroup", session.Talkgroup).
		Str("reason", reason).
		Dur("duration", duration).
		Msg("call ended")

	go t.metrics.WritePoint(influxdb2.NewPoint("trunk.call",
		map[string]string{"event": "end", "reason": reason},
		map[string]interface{}{
			"talkgroup":   session.Talkgroup,
			"duration_ms": duration.Milliseconds(),
		}, t.clock()))

	if t.state == stateFollowingCall {
		t.state = stateFollowingControl
	}
	if !retuneBack {
		return
	}
	if err := t.tuner.Retune(t.system.ControlFreq); err != nil {
		t.retuneFailures++
		t.state = stateAcquiring
		t.logger.Error().Err(err).Msg("retune back to control channel failed")
	}
}
