package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tomvasile/memoria/internal/llm"
)

// CompileThreshold is the number of saved turns that triggers a background
// compilation drain.
const CompileThreshold = 5

// Service owns session lifecycle and the transcript compilation pipeline.
type Service struct {
	store  *Store
	writer llm.ProseWriter
	log    zerolog.Logger

	mu        sync.Mutex
	compiling map[string]bool // session id -> drain in flight
	rerun     map[string]bool // session id -> another drain requested while one ran

	// wg tracks background drains so End and tests can wait for them.
	wg sync.WaitGroup
}

// NewService wires the store and the prose writer together.
func NewService(store *Store, writer llm.ProseWriter, log zerolog.Logger) *Service {
	return &Service{
		store:     store,
		writer:    writer,
		log:       log.With().Str("component", "session").Logger(),
		compiling: make(map[string]bool),
		rerun:     make(map[string]bool),
	}
}

// StartResult is what a client needs to begin or resume an interview.
type StartResult struct {
	Session           *Session
	Resumed           bool
	AnsweredQuestions []string
}

// Start returns the active session for (user, chapter), creating one if none
// exists. On resume the answered-question list lets the client skip questions
// already covered.
func (s *Service) Start(ctx context.Context, userID, chapterID string) (*StartResult, error) {
	if userID == "" || chapterID == "" {
		return nil, fmt.Errorf("user and chapter are required")
	}
	existing, err := s.store.FindActiveSession(ctx, userID, chapterID)
	if err == nil {
		answered, err := s.store.AnsweredQuestions(ctx, existing.ID)
		if err != nil {
			return nil, err
		}
		return &StartResult{Session: existing, Resumed: true, AnsweredQuestions: answered}, nil
	}
	if err != ErrNotFound {
		return nil, err
	}

	sess := Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		ChapterID: chapterID,
		Status:    StatusActive,
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}
	s.log.Info().Str("session", sess.ID).Str("chapter", chapterID).Msg("session created")
	return &StartResult{Session: &sess}, nil
}

// SaveTurn records one completed question/answer exchange and reports
// whether it tripped the compilation threshold. Saving the same (session,
// question) twice overwrites the raw text, never duplicates. Every fifth
// save kicks off a background compilation drain; the save itself never
// waits on the language model.
func (s *Service) SaveTurn(ctx context.Context, e TranscriptEntry) (bool, error) {
	sess, err := s.store.GetSession(ctx, e.SessionID)
	if err != nil {
		return false, err
	}
	if sess.Status != StatusActive {
		return false, ErrSessionClosed
	}
	if err := s.store.UpsertEntry(ctx, e); err != nil {
		return false, err
	}
	count, err := s.store.IncrementTurnCounter(ctx, e.SessionID)
	if err != nil {
		return false, err
	}
	if count < CompileThreshold {
		return false, nil
	}
	if err := s.store.ResetTurnCounter(ctx, e.SessionID); err != nil {
		return false, err
	}
	s.triggerCompile(e.SessionID)
	return true, nil
}

// AnsweredQuestions lists the question ids already covered in the session.
func (s *Service) AnsweredQuestions(ctx context.Context, sessionID string) ([]string, error) {
	return s.store.AnsweredQuestions(ctx, sessionID)
}

// triggerCompile starts a drain for the session unless one is already
// running, in which case the running drain is asked to loop once more. Two
// concurrent drains for the same session never exist.
func (s *Service) triggerCompile(sessionID string) {
	s.mu.Lock()
	if s.compiling[sessionID] {
		s.rerun[sessionID] = true
		s.mu.Unlock()
		return
	}
	s.compiling[sessionID] = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			if err := s.drain(context.Background(), sessionID); err != nil {
				s.log.Error().Err(err).Str("session", sessionID).Msg("compile drain failed")
			}
			s.mu.Lock()
			if s.rerun[sessionID] {
				s.rerun[sessionID] = false
				s.mu.Unlock()
				continue
			}
			delete(s.compiling, sessionID)
			s.mu.Unlock()
			return
		}
	}()
}

// drain rewrites every uncompiled entry for the session. Entries that already
// have compiled prose are skipped by the query, so a drain that overlaps a
// previous partial one only does the remaining work. A single entry failing
// does not stop the rest.
func (s *Service) drain(ctx context.Context, sessionID string) error {
	entries, err := s.store.UncompiledEntries(ctx, sessionID)
	if err != nil {
		return err
	}
	var failed int
	for _, e := range entries {
		prose, err := s.writer.Rewrite(ctx, e.QuestionID, e.UserText, e.AIText)
		if err != nil {
			failed++
			s.log.Warn().Err(err).
				Str("session", sessionID).
				Str("question", e.QuestionID).
				Msg("rewrite failed, entry left uncompiled")
			continue
		}
		if err := s.store.SetCompiled(ctx, sessionID, e.QuestionID, prose); err != nil {
			failed++
			s.log.Warn().Err(err).Str("question", e.QuestionID).Msg("store compiled passage")
		}
	}
	if len(entries) > 0 {
		s.log.Info().
			Str("session", sessionID).
			Int("compiled", len(entries)-failed).
			Int("failed", failed).
			Msg("compile drain finished")
	}
	return nil
}

// Compile forces a background drain for the session regardless of the turn
// counter. A drain already in flight absorbs the request. Sessions that are
// compiling or completed are refused; End owns their remaining work.
func (s *Service) Compile(ctx context.Context, sessionID string) error {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status != StatusActive {
		return ErrSessionClosed
	}
	if err := s.store.ResetTurnCounter(ctx, sessionID); err != nil {
		return err
	}
	s.triggerCompile(sessionID)
	return nil
}

// End closes the session: a final synchronous drain compiles whatever is
// left, then the session is marked completed. Failed entries stay uncompiled
// in storage but never block completion. End is idempotent.
func (s *Service) End(ctx context.Context, sessionID string) (*Session, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status == StatusCompleted {
		return sess, nil
	}
	if err := s.store.SetStatus(ctx, sessionID, StatusCompiling); err != nil {
		return nil, err
	}

	// The final drain claims the same per-session slot background drains
	// hold, so two drains can never rewrite the same entries concurrently.
	s.acquireDrain(sessionID)
	if err := s.drain(ctx, sessionID); err != nil {
		s.log.Error().Err(err).Str("session", sessionID).Msg("final drain failed")
	}
	s.releaseDrain(sessionID)

	if err := s.store.SetStatus(ctx, sessionID, StatusCompleted); err != nil {
		return nil, err
	}
	if err := s.store.ResetTurnCounter(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.store.GetSession(ctx, sessionID)
}

// acquireDrain claims the per-session drain slot, waiting out any drain
// already in flight.
func (s *Service) acquireDrain(sessionID string) {
	for {
		s.mu.Lock()
		if !s.compiling[sessionID] {
			s.compiling[sessionID] = true
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
}

// releaseDrain frees the slot. Any rerun queued behind a final drain is
// dropped; that drain already saw every entry.
func (s *Service) releaseDrain(sessionID string) {
	s.mu.Lock()
	delete(s.compiling, sessionID)
	delete(s.rerun, sessionID)
	s.mu.Unlock()
}

// Compiled returns the compiled passages for a session in answer order.
func (s *Service) Compiled(ctx context.Context, sessionID string) ([]TranscriptEntry, error) {
	if _, err := s.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.store.CompiledEntries(ctx, sessionID)
}

// Wait blocks until all background drains across sessions have finished.
// Used during server shutdown.
func (s *Service) Wait() { s.wg.Wait() }
