package interview

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomvasile/memoria/internal/capture"
	"github.com/tomvasile/memoria/internal/realtime"
)

type fakeAPI struct {
	mu         sync.Mutex
	info       *SessionInfo
	startCalls int
	turns      []Turn
	endCalls   []string
}

func (f *fakeAPI) StartSession(ctx context.Context, userID, chapterID string) (*SessionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startCalls++
	info := *f.info
	return &info, nil
}

func (f *fakeAPI) SaveTurn(ctx context.Context, t Turn) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.turns = append(f.turns, t)
	return nil
}

func (f *fakeAPI) EndSession(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.endCalls = append(f.endCalls, sessionID)
	return nil
}

func (f *fakeAPI) savedTurns() []Turn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Turn(nil), f.turns...)
}

type fakeTransport struct {
	mu        sync.Mutex
	events    chan realtime.Event
	updates   []realtime.SessionConfig
	responses []string
	audio     [][]byte
	closeOnce sync.Once
	closed    bool
}

func newFakeTransport(pending ...realtime.Event) *fakeTransport {
	tr := &fakeTransport{events: make(chan realtime.Event, 64)}
	for _, ev := range pending {
		tr.events <- ev
	}
	return tr
}

func (f *fakeTransport) Events() <-chan realtime.Event { return f.events }

func (f *fakeTransport) SendSessionUpdate(cfg realtime.SessionConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, cfg)
	return nil
}

func (f *fakeTransport) SendAudio(pcm []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audio = append(f.audio, pcm)
	return nil
}

func (f *fakeTransport) CreateResponse(instructions string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, instructions)
	return nil
}

func (f *fakeTransport) Close() error {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.closed = true
		f.mu.Unlock()
		close(f.events)
	})
	return nil
}

func (f *fakeTransport) responseCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.responses)
}

type fakeCapture struct {
	mu       sync.Mutex
	startErr error
	started  bool
	stopped  bool
	muted    bool
	onFrame  func([]byte)
}

func (f *fakeCapture) Start(ctx context.Context, onFrame func([]byte)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = true
	f.onFrame = onFrame
	return nil
}

func (f *fakeCapture) SetMuted(muted bool) {
	f.mu.Lock()
	f.muted = muted
	f.mu.Unlock()
}

func (f *fakeCapture) Stop() {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
}

func (f *fakeCapture) isMuted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.muted
}

type fakePlayback struct {
	mu      sync.Mutex
	frames  [][]byte
	cancels int
	playing bool
}

func (f *fakePlayback) Enqueue(pcm []byte) {
	f.mu.Lock()
	f.frames = append(f.frames, pcm)
	f.mu.Unlock()
}

func (f *fakePlayback) RequestCancel() {
	f.mu.Lock()
	f.cancels++
	f.mu.Unlock()
}

func (f *fakePlayback) Playing() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.playing
}

type harness struct {
	mu         sync.Mutex
	api        *fakeAPI
	playback   *fakePlayback
	captures   []*fakeCapture
	captureErr error
	transports []*fakeTransport
	dialCalls  int
}

func newHarness() *harness {
	return &harness{
		api: &fakeAPI{info: &SessionInfo{
			SessionID:   "s1",
			Credentials: realtime.Credentials{URL: "wss://speech.example", Token: "tok"},
		}},
		playback: &fakePlayback{},
	}
}

func (h *harness) queueTransport(tr *fakeTransport) {
	h.mu.Lock()
	h.transports = append(h.transports, tr)
	h.mu.Unlock()
}

func (h *harness) client(t *testing.T) *Client {
	t.Helper()
	return NewClient(Deps{
		API: h.api,
		Dial: func(ctx context.Context, creds realtime.Credentials) (Transport, error) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.dialCalls++
			if len(h.transports) == 0 {
				return nil, errors.New("no transport scripted")
			}
			tr := h.transports[0]
			h.transports = h.transports[1:]
			return tr, nil
		},
		NewCapture: func() Capture {
			h.mu.Lock()
			defer h.mu.Unlock()
			c := &fakeCapture{startErr: h.captureErr}
			h.captures = append(h.captures, c)
			return c
		},
		Playback:     h.playback,
		UserID:       "u1",
		ChapterID:    "childhood",
		Grace:        time.Millisecond,
		ReadyTimeout: 200 * time.Millisecond,
		Log:          zerolog.Nop(),
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestClient_StartGreetsWithFirstQuestion(t *testing.T) {
	h := newHarness()
	tr := newFakeTransport(realtime.SessionCreatedEvent{})
	h.queueTransport(tr)
	c := h.client(t)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if c.State() != StateActive {
		t.Fatalf("expected active, got %s", c.State())
	}
	tr.mu.Lock()
	updates := len(tr.updates)
	tr.mu.Unlock()
	if updates != 1 {
		t.Fatalf("expected one session.update, got %d", updates)
	}
	waitFor(t, "greeting request", func() bool { return tr.responseCount() == 1 })
	tr.mu.Lock()
	greeting := tr.responses[0]
	tr.mu.Unlock()
	if !strings.Contains(greeting, DefaultQuestions[0].Prompt) {
		t.Fatalf("greeting does not carry the first question: %q", greeting)
	}
}

func TestClient_DoubleStartGuard(t *testing.T) {
	h := newHarness()
	h.queueTransport(newFakeTransport(realtime.SessionCreatedEvent{}))
	c := h.client(t)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := c.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}
	h.api.mu.Lock()
	calls := h.api.startCalls
	h.api.mu.Unlock()
	if calls != 1 {
		t.Fatalf("second start reached the server: %d calls", calls)
	}
}

func TestClient_DeviceFailureHappensBeforeAnyDial(t *testing.T) {
	h := newHarness()
	h.captureErr = capture.ErrDeviceUnavailable
	c := h.client(t)

	err := c.Start(context.Background())
	if err == nil {
		t.Fatalf("expected device error")
	}
	if !errors.Is(err, capture.ErrDeviceUnavailable) {
		t.Fatalf("expected device error surfaced, got %v", err)
	}
	if c.State() != StateError {
		t.Fatalf("expected error state, got %s", c.State())
	}
	h.mu.Lock()
	dials := h.dialCalls
	h.mu.Unlock()
	if dials != 0 {
		t.Fatalf("transport dialed despite device failure")
	}
	h.api.mu.Lock()
	calls := h.api.startCalls
	h.api.mu.Unlock()
	if calls != 0 {
		t.Fatalf("server session created despite device failure")
	}
}

func TestClient_ReadinessTimeoutEntersError(t *testing.T) {
	h := newHarness()
	tr := newFakeTransport() // never sends session.created
	h.queueTransport(tr)
	c := h.client(t)

	err := c.Start(context.Background())
	if err == nil || !strings.Contains(err.Error(), "readiness") {
		t.Fatalf("expected readiness timeout, got %v", err)
	}
	if c.State() != StateError {
		t.Fatalf("expected error state, got %s", c.State())
	}
	tr.mu.Lock()
	closed := tr.closed
	tr.mu.Unlock()
	if !closed {
		t.Fatalf("transport not torn down after timeout")
	}
	h.mu.Lock()
	stopped := h.captures[0].stopped
	h.mu.Unlock()
	if !stopped {
		t.Fatalf("device not released after timeout")
	}
}

func TestClient_TurnFlowSavesTranscript(t *testing.T) {
	h := newHarness()
	tr := newFakeTransport(realtime.SessionCreatedEvent{})
	h.queueTransport(tr)
	c := h.client(t)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	tr.events <- realtime.ResponseCreatedEvent{ResponseID: "r1"}
	tr.events <- realtime.UserTranscriptEvent{Text: "I grew up by the sea."}
	tr.events <- realtime.AudioDeltaEvent{ResponseID: "r1", PCM: []byte{1, 2}}
	tr.events <- realtime.TranscriptDeltaEvent{ResponseID: "r1", Text: "That sounds lovely. "}
	tr.events <- realtime.TranscriptDoneEvent{ResponseID: "r1", Text: "That sounds lovely. Let's move on."}
	tr.events <- realtime.ResponseDoneEvent{ResponseID: "r1"}

	waitFor(t, "turn save", func() bool { return len(h.api.savedTurns()) == 1 })
	turn := h.api.savedTurns()[0]
	if turn.SessionID != "s1" || turn.QuestionID != DefaultQuestions[0].ID {
		t.Fatalf("unexpected turn target: %+v", turn)
	}
	if turn.UserText != "I grew up by the sea." {
		t.Fatalf("unexpected user text: %q", turn.UserText)
	}
	if !strings.Contains(turn.AIText, "Let's move on") {
		t.Fatalf("unexpected ai text: %q", turn.AIText)
	}

	h.playback.mu.Lock()
	frames := len(h.playback.frames)
	h.playback.mu.Unlock()
	if frames != 1 {
		t.Fatalf("expected 1 playback frame, got %d", frames)
	}

	// "let's move on" advances to the next question
	waitFor(t, "question advance", func() bool {
		q, ok := c.CurrentQuestion()
		return ok && q.ID == DefaultQuestions[1].ID
	})
}

func TestClient_NoAudioResponseReopensMic(t *testing.T) {
	h := newHarness()
	tr := newFakeTransport(realtime.SessionCreatedEvent{})
	h.queueTransport(tr)
	c := h.client(t)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.mu.Lock()
	mic := h.captures[0]
	h.mu.Unlock()

	tr.events <- realtime.ResponseCreatedEvent{ResponseID: "r1"}
	waitFor(t, "mic muted for the response", func() bool { return mic.isMuted() })

	// the response fails remotely: done arrives with no audio deltas
	tr.events <- realtime.ResponseDoneEvent{ResponseID: "r1"}
	waitFor(t, "mic reopened", func() bool { return !mic.isMuted() })
}

func TestClient_ResumeSkipsAnsweredAndSendsNoGreeting(t *testing.T) {
	h := newHarness()
	h.api.info.Resumed = true
	h.api.info.AnsweredQuestions = []string{DefaultQuestions[0].ID, DefaultQuestions[1].ID}
	tr := newFakeTransport(realtime.SessionCreatedEvent{})
	h.queueTransport(tr)
	c := h.client(t)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	q, ok := c.CurrentQuestion()
	if !ok || q.ID != DefaultQuestions[2].ID {
		t.Fatalf("expected to resume at question 3, got %+v", q)
	}
	time.Sleep(20 * time.Millisecond)
	if tr.responseCount() != 0 {
		t.Fatalf("resumed conversation must not request a greeting")
	}
}

func TestClient_UnexpectedCloseEntersError(t *testing.T) {
	h := newHarness()
	tr := newFakeTransport(realtime.SessionCreatedEvent{})
	h.queueTransport(tr)
	c := h.client(t)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	tr.Close() // connection drop
	waitFor(t, "error state", func() bool { return c.State() == StateError })
	if c.Err() == nil {
		t.Fatalf("expected a recorded error")
	}
}

func TestClient_RetryTearsDownAndUsesFreshResources(t *testing.T) {
	h := newHarness()
	first := newFakeTransport(realtime.SessionCreatedEvent{})
	h.queueTransport(first)
	c := h.client(t)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	first.Close()
	waitFor(t, "error state", func() bool { return c.State() == StateError })

	second := newFakeTransport(realtime.SessionCreatedEvent{})
	h.queueTransport(second)
	if err := c.Retry(context.Background()); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if c.State() != StateActive {
		t.Fatalf("expected active after retry, got %s", c.State())
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.captures) != 2 {
		t.Fatalf("expected a fresh capture per attempt, got %d", len(h.captures))
	}
	if !h.captures[0].stopped {
		t.Fatalf("first capture never released")
	}
	if !h.captures[1].started {
		t.Fatalf("second capture never started")
	}
}

func TestClient_RetryRefusedOutsideErrorState(t *testing.T) {
	h := newHarness()
	c := h.client(t)
	if err := c.Retry(context.Background()); !errors.Is(err, ErrNotRetryable) {
		t.Fatalf("expected ErrNotRetryable, got %v", err)
	}
}

func TestClient_EndCallsServerAndSettles(t *testing.T) {
	h := newHarness()
	tr := newFakeTransport(realtime.SessionCreatedEvent{})
	h.queueTransport(tr)
	c := h.client(t)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := c.End(context.Background()); err != nil {
		t.Fatalf("end: %v", err)
	}
	if c.State() != StateEnded {
		t.Fatalf("expected ended, got %s", c.State())
	}
	h.api.mu.Lock()
	ends := append([]string(nil), h.api.endCalls...)
	h.api.mu.Unlock()
	if len(ends) != 1 || ends[0] != "s1" {
		t.Fatalf("end-session not called: %v", ends)
	}
	tr.mu.Lock()
	closed := tr.closed
	tr.mu.Unlock()
	if !closed {
		t.Fatalf("transport left open after end")
	}
	h.mu.Lock()
	stopped := h.captures[0].stopped
	h.mu.Unlock()
	if !stopped {
		t.Fatalf("device left open after end")
	}
}

func TestLooksLikeTopicTransition(t *testing.T) {
	if !looksLikeTopicTransition("Wonderful story. Let's MOVE on to your school years.") {
		t.Fatalf("expected transition phrase match")
	}
	if looksLikeTopicTransition("I moved to a new city that year.") {
		t.Fatalf("unexpected transition match")
	}
}
