package interview

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomvasile/memoria/internal/realtime"
	"github.com/tomvasile/memoria/internal/turn"
)

// State is the interview lifecycle position.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateActive     State = "active"
	StateEnded      State = "ended"
	StateError      State = "error"
)

// ErrAlreadyStarted is returned when Start is called while a session is
// already connecting or active. Callers that double-invoke setup hit this
// guard instead of opening a second device or channel.
var ErrAlreadyStarted = errors.New("interview already starting or active")

// ErrNotRetryable is returned when Retry is called outside the error state.
var ErrNotRetryable = errors.New("retry is only valid from the error state")

// DefaultReadyTimeout bounds the wait for the remote session.created frame.
const DefaultReadyTimeout = 10 * time.Second

// Transport is the duplex channel to the speech service.
// *realtime.Channel satisfies it.
type Transport interface {
	Events() <-chan realtime.Event
	SendSessionUpdate(cfg realtime.SessionConfig) error
	SendAudio(pcm []byte) error
	CreateResponse(instructions string) error
	Close() error
}

// DialFunc opens a fresh Transport. Each connection attempt gets its own.
type DialFunc func(ctx context.Context, creds realtime.Credentials) (Transport, error)

// Capture is the microphone pipeline. A fresh instance is created per
// connection attempt; retry never reuses a stopped device.
type Capture interface {
	Start(ctx context.Context, onFrame func(pcm []byte)) error
	SetMuted(muted bool)
	Stop()
}

// Playback is the queue the AI's audio frames flow into.
type Playback interface {
	Enqueue(pcm []byte)
	RequestCancel()
	Playing() bool
}

// Deps carries the client's collaborators.
type Deps struct {
	API        ServerAPI
	Dial       DialFunc
	NewCapture func() Capture
	Playback   Playback
	UserID     string
	ChapterID  string
	Questions  []Question
	Grace      time.Duration
	// ReadyTimeout overrides the session-readiness wait; <= 0 selects
	// DefaultReadyTimeout.
	ReadyTimeout time.Duration
	Log          zerolog.Logger
}

const interviewerInstructions = "You are a warm, patient biographer interviewing someone about " +
	"their life for their autobiography. Ask one question at a time and listen. Ask short, natural " +
	"follow-ups when an answer invites them. When a topic feels complete, say \"let's move on\" " +
	"and ask the next question."

// Client drives one voice interview end to end: device, server session,
// realtime channel, turn coordination, and per-question transcript posting.
type Client struct {
	api        ServerAPI
	dial       DialFunc
	newCapture func() Capture
	playback   Playback
	userID     string
	chapterID  string
	questions  []Question
	grace      time.Duration
	ready      time.Duration
	log        zerolog.Logger

	mu        sync.Mutex
	state     State
	lastErr   error
	sessionID string
	answered  map[string]bool
	qIndex    int
	capture   Capture
	transport Transport
	coord     *turn.Coordinator
	loopDone  chan struct{}
	userEnded bool
	userText  strings.Builder
	aiText    strings.Builder
	aiFinal   string

	saveWG sync.WaitGroup
}

// NewClient builds an idle interview client.
func NewClient(d Deps) *Client {
	questions := d.Questions
	if len(questions) == 0 {
		questions = DefaultQuestions
	}
	ready := d.ReadyTimeout
	if ready <= 0 {
		ready = DefaultReadyTimeout
	}
	return &Client{
		api:        d.API,
		dial:       d.Dial,
		newCapture: d.NewCapture,
		playback:   d.Playback,
		userID:     d.UserID,
		chapterID:  d.ChapterID,
		questions:  questions,
		grace:      d.Grace,
		ready:      ready,
		log:        d.Log.With().Str("component", "interview").Logger(),
		state:      StateIdle,
		answered:   make(map[string]bool),
	}
}

// Start connects the interview: device first, then server session, then the
// realtime channel. A second call while connecting or active is refused.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnecting || c.state == StateActive {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.state = StateConnecting
	c.lastErr = nil
	c.userEnded = false
	c.mu.Unlock()

	if err := c.connect(ctx); err != nil {
		c.teardown()
		c.mu.Lock()
		c.state = StateError
		c.lastErr = err
		c.mu.Unlock()
		return err
	}
	return nil
}

func (c *Client) connect(ctx context.Context) error {
	// The device check runs before anything touches the network, so a
	// missing microphone fails fast without leaving a half-open session.
	capture := c.newCapture()
	if err := capture.Start(ctx, c.onCaptureFrame); err != nil {
		return fmt.Errorf("capture: %w", err)
	}
	capture.SetMuted(true)
	c.mu.Lock()
	c.capture = capture
	c.mu.Unlock()

	info, err := c.api.StartSession(ctx, c.userID, c.chapterID)
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}

	c.mu.Lock()
	c.sessionID = info.SessionID
	c.answered = make(map[string]bool, len(info.AnsweredQuestions))
	for _, id := range info.AnsweredQuestions {
		c.answered[id] = true
	}
	c.qIndex = 0
	c.advanceToUnansweredLocked()
	c.mu.Unlock()

	tr, err := c.dial(ctx, info.Credentials)
	if err != nil {
		return fmt.Errorf("transport: %w", err)
	}
	coord := turn.New(c.playback, capture, tr, c.grace, c.log)
	c.mu.Lock()
	c.transport = tr
	c.coord = coord
	c.mu.Unlock()

	if err := c.awaitReady(ctx, tr); err != nil {
		return err
	}
	if err := tr.SendSessionUpdate(c.sessionConfig()); err != nil {
		return fmt.Errorf("session update: %w", err)
	}
	capture.SetMuted(false)

	done := make(chan struct{})
	c.mu.Lock()
	c.state = StateActive
	c.loopDone = done
	fresh := !info.Resumed
	c.mu.Unlock()

	go c.eventLoop(tr, coord, done)

	if fresh {
		if err := coord.RequestResponse(c.greetingInstructions()); err != nil {
			c.log.Warn().Err(err).Msg("greeting request failed")
		}
	}
	c.log.Info().Str("session", info.SessionID).Bool("resumed", info.Resumed).Msg("interview active")
	return nil
}

// awaitReady blocks until session.created arrives. The channel itself does
// not enforce readiness; the timeout lives here.
func (c *Client) awaitReady(ctx context.Context, tr Transport) error {
	timer := time.NewTimer(c.ready)
	defer timer.Stop()
	for {
		select {
		case ev, ok := <-tr.Events():
			if !ok {
				return errors.New("transport closed before session became ready")
			}
			switch e := ev.(type) {
			case realtime.SessionCreatedEvent:
				return nil
			case realtime.ErrorEvent:
				return fmt.Errorf("remote error before ready: %s", e.Message)
			}
		case <-timer.C:
			return errors.New("timed out waiting for session readiness")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Client) sessionConfig() realtime.SessionConfig {
	return realtime.SessionConfig{
		Voice:             "alloy",
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		Instructions:      interviewerInstructions,
		TurnDetection: &realtime.TurnDetection{
			Type:              "server_vad",
			Threshold:         0.5,
			SilenceDurationMs: 500,
			PrefixPaddingMs:   300,
		},
	}
}

func (c *Client) greetingInstructions() string {
	c.mu.Lock()
	q, ok := c.currentQuestionLocked()
	c.mu.Unlock()
	if !ok {
		return "Greet the narrator warmly and invite them to share a story from their life."
	}
	return "Greet the narrator warmly, then ask: " + q.Prompt
}

func (c *Client) onCaptureFrame(pcm []byte) {
	c.mu.Lock()
	tr := c.transport
	active := c.state == StateActive
	c.mu.Unlock()
	if tr == nil || !active {
		return
	}
	if err := tr.SendAudio(pcm); err != nil {
		c.log.Debug().Err(err).Msg("audio frame send failed")
	}
}

func (c *Client) eventLoop(tr Transport, coord *turn.Coordinator, done chan struct{}) {
	defer close(done)
	for ev := range tr.Events() {
		switch e := ev.(type) {
		case realtime.ResponseCreatedEvent:
			coord.HandleResponseStarted()
			c.mu.Lock()
			c.aiText.Reset()
			c.aiFinal = ""
			c.mu.Unlock()
		case realtime.SpeechStartedEvent:
			coord.HandleSpeechStarted()
		case realtime.SpeechStoppedEvent:
			coord.HandleSpeechStopped()
		case realtime.AudioDeltaEvent:
			c.playback.Enqueue(e.PCM)
		case realtime.TranscriptDeltaEvent:
			c.mu.Lock()
			c.aiText.WriteString(e.Text)
			c.mu.Unlock()
		case realtime.TranscriptDoneEvent:
			c.mu.Lock()
			c.aiFinal = e.Text
			c.mu.Unlock()
		case realtime.UserTranscriptEvent:
			c.mu.Lock()
			if c.userText.Len() > 0 {
				c.userText.WriteString(" ")
			}
			c.userText.WriteString(e.Text)
			c.mu.Unlock()
		case realtime.ResponseDoneEvent:
			coord.HandleResponseDone()
			// A response that produced no audio never reaches the playback
			// idle callback; without this the mic stays muted for good.
			if !c.playback.Playing() {
				coord.HandlePlaybackIdle()
			}
			c.finishTurn()
		case realtime.ErrorEvent:
			c.log.Warn().Str("code", e.Code).Str("message", e.Message).Msg("remote error")
		}
	}

	c.mu.Lock()
	if c.state == StateActive && !c.userEnded {
		// unexpected closure, as opposed to the user hanging up
		c.state = StateError
		c.lastErr = errors.New("transport closed unexpectedly")
	}
	c.mu.Unlock()
}

// finishTurn posts the accumulated exchange for the current question. The
// save runs off the event loop so a slow server never stalls audio handling;
// the server-side upsert makes retried or re-ordered saves harmless.
func (c *Client) finishTurn() {
	c.mu.Lock()
	q, ok := c.currentQuestionLocked()
	user := strings.TrimSpace(c.userText.String())
	ai := c.aiFinal
	if ai == "" {
		ai = c.aiText.String()
	}
	ai = strings.TrimSpace(ai)
	c.userText.Reset()
	c.aiText.Reset()
	c.aiFinal = ""
	sessionID := c.sessionID
	c.mu.Unlock()

	if !ok || (user == "" && ai == "") {
		return
	}

	c.saveWG.Add(1)
	go func() {
		defer c.saveWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := c.api.SaveTurn(ctx, Turn{
			SessionID:  sessionID,
			QuestionID: q.ID,
			UserText:   user,
			AIText:     ai,
		})
		if err != nil {
			c.log.Warn().Err(err).Str("question", q.ID).Msg("turn save failed")
			return
		}
		c.mu.Lock()
		c.answered[q.ID] = true
		if looksLikeTopicTransition(ai) {
			c.qIndex++
			c.advanceToUnansweredLocked()
		}
		c.mu.Unlock()
	}()
}

func (c *Client) currentQuestionLocked() (Question, bool) {
	if len(c.questions) == 0 {
		return Question{}, false
	}
	idx := c.qIndex
	if idx >= len(c.questions) {
		idx = len(c.questions) - 1
	}
	return c.questions[idx], true
}

func (c *Client) advanceToUnansweredLocked() {
	for c.qIndex < len(c.questions) && c.answered[c.questions[c.qIndex].ID] {
		c.qIndex++
	}
}

// End hangs up: media resources are torn down, pending turn saves flushed,
// and the server runs its final compilation drain before the state settles.
func (c *Client) End(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateActive {
		c.mu.Unlock()
		return errors.New("no active interview to end")
	}
	c.userEnded = true
	sessionID := c.sessionID
	c.mu.Unlock()

	c.teardown()
	c.saveWG.Wait()

	if err := c.api.EndSession(ctx, sessionID); err != nil {
		c.mu.Lock()
		c.state = StateError
		c.lastErr = err
		c.mu.Unlock()
		return err
	}
	c.mu.Lock()
	c.state = StateEnded
	c.mu.Unlock()
	return nil
}

// Retry re-attempts the interview after an error. All prior resources are
// torn down first; nothing is reused across attempts.
func (c *Client) Retry(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateError {
		c.mu.Unlock()
		return ErrNotRetryable
	}
	c.state = StateIdle
	c.mu.Unlock()

	c.teardown()
	return c.Start(ctx)
}

func (c *Client) teardown() {
	c.mu.Lock()
	tr := c.transport
	capture := c.capture
	coord := c.coord
	done := c.loopDone
	c.transport = nil
	c.capture = nil
	c.coord = nil
	c.loopDone = nil
	c.mu.Unlock()

	if tr != nil {
		_ = tr.Close()
	}
	c.playback.RequestCancel()
	if capture != nil {
		capture.Stop()
	}
	if coord != nil {
		coord.Reset()
	}
	if done != nil {
		<-done
	}
}

// NotifyPlaybackIdle is wired to the playback processor's idle callback.
func (c *Client) NotifyPlaybackIdle() {
	c.mu.Lock()
	coord := c.coord
	c.mu.Unlock()
	if coord != nil {
		coord.HandlePlaybackIdle()
	}
}

// State reports the current lifecycle position.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the error that moved the client into the error state.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// CurrentQuestion returns the question the interview is working on.
func (c *Client) CurrentQuestion() (Question, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentQuestionLocked()
}
