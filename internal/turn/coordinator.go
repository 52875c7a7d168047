package turn

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrResponseInFlight is returned when a new AI response is requested before
// the previous one reported done. Duplicate response requests are a client
// bug; the remote service is not relied upon to deduplicate them.
var ErrResponseInFlight = errors.New("a response is already in flight")

// DefaultUnmuteGrace is how long the mic stays muted after playback goes
// idle, so the speaker's acoustic tail is not captured as user speech.
const DefaultUnmuteGrace = 250 * time.Millisecond

// PlaybackController is the slice of the playback processor the coordinator
// drives.
type PlaybackController interface {
	RequestCancel()
}

// CaptureMuter gates the outgoing capture path.
type CaptureMuter interface {
	SetMuted(muted bool)
}

// ResponseSender issues response.create control frames.
type ResponseSender interface {
	CreateResponse(instructions string) error
}

// Snapshot is the coordinator's view of who holds the floor.
type Snapshot struct {
	MicMuted         bool
	AISpeaking       bool
	UserSpeaking     bool
	ResponseInFlight bool
}

// Coordinator keeps at most one of {AI speaking, user speaking, idle} true at
// a time and reconciles local playback state with the remote service's
// turn-detection signals. All flags live behind one mutex and every
// "may I start X" flag is flipped before control yields to async work.
type Coordinator struct {
	playback PlaybackController
	mic      CaptureMuter
	sender   ResponseSender
	grace    time.Duration
	log      zerolog.Logger

	mu               sync.Mutex
	micMuted         bool
	aiSpeaking       bool
	userSpeaking     bool
	responseInFlight bool
	graceTimer       *time.Timer
	graceGen         int
}

// New builds a Coordinator. grace <= 0 selects DefaultUnmuteGrace.
func New(playback PlaybackController, mic CaptureMuter, sender ResponseSender, grace time.Duration, log zerolog.Logger) *Coordinator {
	if grace <= 0 {
		grace = DefaultUnmuteGrace
	}
	return &Coordinator{playback: playback, mic: mic, sender: sender, grace: grace, log: log}
}

// RequestResponse asks the remote AI for a new turn. Refused while a response
// is still in flight. The in-flight flag is set before the frame is written
// so two callers can never both pass the guard.
func (c *Coordinator) RequestResponse(instructions string) error {
	c.mu.Lock()
	if c.responseInFlight {
		c.mu.Unlock()
		return ErrResponseInFlight
	}
	c.responseInFlight = true
	c.mu.Unlock()

	if err := c.sender.CreateResponse(instructions); err != nil {
		c.mu.Lock()
		c.responseInFlight = false
		c.mu.Unlock()
		return err
	}
	return nil
}

// HandleResponseStarted processes response.created: any audio still queued
// from a superseded response is purged, and the mic is muted for the whole
// speaking window.
func (c *Coordinator) HandleResponseStarted() {
	c.playback.RequestCancel()
	c.mu.Lock()
	c.responseInFlight = true
	c.aiSpeaking = true
	c.userSpeaking = false
	c.setMutedLocked(true)
	c.stopGraceLocked()
	c.mu.Unlock()
}

// HandleSpeechStarted processes the remote VAD firing: the barge-in path.
// Playback stops immediately; the capture path opens so the user's speech
// keeps flowing.
func (c *Coordinator) HandleSpeechStarted() {
	c.playback.RequestCancel()
	c.mu.Lock()
	c.userSpeaking = true
	c.aiSpeaking = false
	c.setMutedLocked(false)
	c.stopGraceLocked()
	c.mu.Unlock()
	c.log.Debug().Msg("barge-in: user speech detected, playback cancelled")
}

// HandleSpeechStopped processes the remote VAD releasing; the service is
// expected to begin composing its reply.
func (c *Coordinator) HandleSpeechStopped() {
	c.mu.Lock()
	c.userSpeaking = false
	c.mu.Unlock()
}

// HandleResponseDone processes response.done: a new response may legally be
// requested from here on. Playback may still be draining; the mic unmutes
// only after idle plus the grace period.
func (c *Coordinator) HandleResponseDone() {
	c.mu.Lock()
	c.responseInFlight = false
	c.mu.Unlock()
}

// HandlePlaybackIdle processes the playback processor's idle report.
// "Playback done" is deliberately decoupled from "safe to listen": the mic
// stays muted for the grace period to skip the speaker's tail.
func (c *Coordinator) HandlePlaybackIdle() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.aiSpeaking {
		return
	}
	c.aiSpeaking = false
	c.stopGraceLocked()
	c.graceGen++
	gen := c.graceGen
	c.graceTimer = time.AfterFunc(c.grace, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		// a newer response or barge-in superseded this unmute
		if gen != c.graceGen || c.aiSpeaking {
			return
		}
		c.setMutedLocked(false)
	})
}

// Reset clears all turn state, for session teardown and retry.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	c.aiSpeaking = false
	c.userSpeaking = false
	c.responseInFlight = false
	c.stopGraceLocked()
	c.setMutedLocked(false)
	c.mu.Unlock()
}

// State returns the current flag snapshot.
func (c *Coordinator) State() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		MicMuted:         c.micMuted,
		AISpeaking:       c.aiSpeaking,
		UserSpeaking:     c.userSpeaking,
		ResponseInFlight: c.responseInFlight,
	}
}

func (c *Coordinator) setMutedLocked(muted bool) {
	if c.micMuted == muted {
		return
	}
	c.micMuted = muted
	c.mic.SetMuted(muted)
}

func (c *Coordinator) stopGraceLocked() {
	c.graceGen++
	if c.graceTimer != nil {
		c.graceTimer.Stop()
		c.graceTimer = nil
	}
}
