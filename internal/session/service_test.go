package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeWriter struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]bool // question id -> always fail
	block chan struct{}   // if set, Rewrite waits until closed
}

func (f *fakeWriter) Rewrite(ctx context.Context, question, userText, aiText string) (string, error) {
	f.mu.Lock()
	block := f.block
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, question)
	if f.fail[question] {
		return "", errors.New("model unavailable")
	}
	return "prose for " + question, nil
}

func (f *fakeWriter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestService(t *testing.T) (*Service, *Store, *fakeWriter) {
	t.Helper()
	store, err := OpenStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	w := &fakeWriter{fail: make(map[string]bool)}
	return NewService(store, w, zerolog.Nop()), store, w
}

func saveTurns(t *testing.T, svc *Service, sessionID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := svc.SaveTurn(context.Background(), TranscriptEntry{
			SessionID:  sessionID,
			QuestionID: fmt.Sprintf("q%02d", i),
			UserText:   "spoken answer",
			AIText:     "follow-up",
		})
		if err != nil {
			t.Fatalf("save turn %d: %v", i, err)
		}
	}
}

func TestService_StartCreatesThenResumes(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	first, err := svc.Start(ctx, "user-1", "childhood")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if first.Resumed {
		t.Fatalf("fresh session reported as resumed")
	}

	saveTurns(t, svc, first.Session.ID, 2)

	second, err := svc.Start(ctx, "user-1", "childhood")
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if !second.Resumed || second.Session.ID != first.Session.ID {
		t.Fatalf("expected resume of %s, got %+v", first.Session.ID, second)
	}
	if len(second.AnsweredQuestions) != 2 {
		t.Fatalf("expected 2 answered questions, got %v", second.AnsweredQuestions)
	}

	// a different chapter gets its own session
	other, err := svc.Start(ctx, "user-1", "career")
	if err != nil {
		t.Fatalf("start other chapter: %v", err)
	}
	if other.Session.ID == first.Session.ID {
		t.Fatalf("chapters must not share sessions")
	}
}

func TestService_SaveTurnUpsertIsIdempotent(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	res, _ := svc.Start(ctx, "u", "c")

	e := TranscriptEntry{SessionID: res.Session.ID, QuestionID: "q1", UserText: "v1", AIText: ""}
	if _, err := svc.SaveTurn(ctx, e); err != nil {
		t.Fatalf("save: %v", err)
	}
	e.UserText = "v2"
	if _, err := svc.SaveTurn(ctx, e); err != nil {
		t.Fatalf("re-save: %v", err)
	}

	got, err := store.GetEntry(ctx, res.Session.ID, "q1")
	if err != nil {
		t.Fatalf("get entry: %v", err)
	}
	if got.UserText != "v2" {
		t.Fatalf("expected overwrite, got %q", got.UserText)
	}
	answered, _ := store.AnsweredQuestions(ctx, res.Session.ID)
	if len(answered) != 1 {
		t.Fatalf("duplicate save created %d rows", len(answered))
	}
}

func TestService_ThresholdTriggersCompileAndResetsCounter(t *testing.T) {
	svc, store, w := newTestService(t)
	ctx := context.Background()
	res, _ := svc.Start(ctx, "u", "c")

	saveTurns(t, svc, res.Session.ID, CompileThreshold-1)
	triggered, err := svc.SaveTurn(ctx, TranscriptEntry{
		SessionID: res.Session.ID, QuestionID: "q-last", UserText: "spoken answer",
	})
	if err != nil {
		t.Fatalf("save final turn: %v", err)
	}
	if !triggered {
		t.Fatalf("threshold save did not report a compile trigger")
	}
	svc.Wait()

	if got := w.callCount(); got != CompileThreshold {
		t.Fatalf("expected %d rewrites, got %d", CompileThreshold, got)
	}
	sess, _ := store.GetSession(ctx, res.Session.ID)
	if sess.TurnsSinceCompile != 0 {
		t.Fatalf("counter not reset: %d", sess.TurnsSinceCompile)
	}
	compiled, _ := store.CompiledEntries(ctx, res.Session.ID)
	if len(compiled) != CompileThreshold {
		t.Fatalf("expected %d compiled entries, got %d", CompileThreshold, len(compiled))
	}
}

func TestService_CompileIsIdempotentAcrossDrains(t *testing.T) {
	svc, _, w := newTestService(t)
	ctx := context.Background()
	res, _ := svc.Start(ctx, "u", "c")

	saveTurns(t, svc, res.Session.ID, CompileThreshold)
	svc.Wait()
	first := w.callCount()

	// explicit extra drain: already-compiled entries must be skipped
	if err := svc.drain(ctx, res.Session.ID); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if got := w.callCount(); got != first {
		t.Fatalf("second drain re-compiled entries: %d -> %d", first, got)
	}
}

func TestService_ConcurrentTriggersCoalesce(t *testing.T) {
	svc, _, w := newTestService(t)
	ctx := context.Background()
	res, _ := svc.Start(ctx, "u", "c")

	block := make(chan struct{})
	w.mu.Lock()
	w.block = block
	w.mu.Unlock()

	saveTurns(t, svc, res.Session.ID, CompileThreshold)
	// drain is now parked inside Rewrite; more triggers must coalesce
	svc.triggerCompile(res.Session.ID)
	svc.triggerCompile(res.Session.ID)

	w.mu.Lock()
	w.block = nil
	w.mu.Unlock()
	close(block)
	svc.Wait()

	// first drain compiles all 5; the one coalesced rerun finds nothing left
	if got := w.callCount(); got != CompileThreshold {
		t.Fatalf("expected %d rewrites, got %d", CompileThreshold, got)
	}
}

func TestService_EndDrainsAndCompletesDespiteFailures(t *testing.T) {
	svc, store, w := newTestService(t)
	ctx := context.Background()
	res, _ := svc.Start(ctx, "u", "c")

	saveTurns(t, svc, res.Session.ID, 3)
	w.fail["q01"] = true

	sess, err := svc.End(ctx, res.Session.ID)
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	if sess.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", sess.Status)
	}
	if got := w.callCount(); got != 3 {
		t.Fatalf("expected one attempt per entry, got %d", got)
	}
	compiled, _ := store.CompiledEntries(ctx, res.Session.ID)
	if len(compiled) != 2 {
		t.Fatalf("expected 2 compiled entries, got %d", len(compiled))
	}
	uncompiled, _ := store.UncompiledEntries(ctx, res.Session.ID)
	if len(uncompiled) != 1 || uncompiled[0].QuestionID != "q01" {
		t.Fatalf("failed entry must stay uncompiled: %+v", uncompiled)
	}
}

func TestService_EndIsIdempotent(t *testing.T) {
	svc, _, w := newTestService(t)
	ctx := context.Background()
	res, _ := svc.Start(ctx, "u", "c")
	saveTurns(t, svc, res.Session.ID, 1)

	if _, err := svc.End(ctx, res.Session.ID); err != nil {
		t.Fatalf("end: %v", err)
	}
	calls := w.callCount()
	sess, err := svc.End(ctx, res.Session.ID)
	if err != nil {
		t.Fatalf("second end: %v", err)
	}
	if sess.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", sess.Status)
	}
	if w.callCount() != calls {
		t.Fatalf("second end re-ran the drain")
	}
}

func TestService_SaveTurnRejectedAfterEnd(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	res, _ := svc.Start(ctx, "u", "c")
	if _, err := svc.End(ctx, res.Session.ID); err != nil {
		t.Fatalf("end: %v", err)
	}
	_, err := svc.SaveTurn(ctx, TranscriptEntry{SessionID: res.Session.ID, QuestionID: "q", UserText: "x"})
	if !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
}

func TestService_CompileRefusedOnceEndBegins(t *testing.T) {
	svc, store, w := newTestService(t)
	ctx := context.Background()
	res, _ := svc.Start(ctx, "u", "c")
	saveTurns(t, svc, res.Session.ID, 1)

	block := make(chan struct{})
	w.mu.Lock()
	w.block = block
	w.mu.Unlock()

	endDone := make(chan error, 1)
	go func() {
		_, err := svc.End(ctx, res.Session.ID)
		endDone <- err
	}()

	// wait for End to claim the session, its drain parked in Rewrite
	deadline := time.Now().Add(2 * time.Second)
	for {
		sess, err := store.GetSession(ctx, res.Session.ID)
		if err == nil && sess.Status == StatusCompiling {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("session never entered the compiling state")
		}
		time.Sleep(2 * time.Millisecond)
	}

	// a compile request landing mid-End must not start a second drain
	if err := svc.Compile(ctx, res.Session.ID); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}

	w.mu.Lock()
	w.block = nil
	w.mu.Unlock()
	close(block)
	if err := <-endDone; err != nil {
		t.Fatalf("end: %v", err)
	}
	if got := w.callCount(); got != 1 {
		t.Fatalf("entry rewritten %d times", got)
	}
	if err := svc.Compile(ctx, res.Session.ID); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("compile of completed session: %v", err)
	}
}

func TestService_EndWaitsForBackgroundDrain(t *testing.T) {
	svc, store, w := newTestService(t)
	ctx := context.Background()
	res, _ := svc.Start(ctx, "u", "c")

	block := make(chan struct{})
	w.mu.Lock()
	w.block = block
	w.mu.Unlock()
	saveTurns(t, svc, res.Session.ID, CompileThreshold)

	var done atomic.Bool
	go func() {
		time.Sleep(20 * time.Millisecond)
		w.mu.Lock()
		w.block = nil
		w.mu.Unlock()
		close(block)
		done.Store(true)
	}()

	sess, err := svc.End(ctx, res.Session.ID)
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	if !done.Load() {
		t.Fatalf("End returned before the background drain finished")
	}
	if sess.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", sess.Status)
	}
	compiled, _ := store.CompiledEntries(ctx, res.Session.ID)
	if len(compiled) != CompileThreshold {
		t.Fatalf("expected %d compiled entries, got %d", CompileThreshold, len(compiled))
	}
}
