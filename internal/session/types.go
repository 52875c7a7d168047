package session

import (
	"errors"
	"time"
)

// Status is the lifecycle state of an interview session.
type Status string

const (
	// StatusActive means the interview is ongoing and accepting turns.
	StatusActive Status = "active"
	// StatusCompiling means a final compilation drain is in progress. A
	// progress state, not success or failure.
	StatusCompiling Status = "compiling"
	// StatusCompleted means the interview ended and all entries were drained.
	StatusCompleted Status = "completed"
)

// ErrNotFound is returned when a session does not exist or is not owned by
// the caller.
var ErrNotFound = errors.New("session not found")

// ErrSessionClosed is returned when a turn arrives for a session that is no
// longer accepting them.
var ErrSessionClosed = errors.New("session is not active")

// Session is one continuous voice interview for a (user, chapter) pair. Owned
// exclusively by the server; clients hold the id and an answered-questions
// mirror for UI.
type Session struct {
	ID                string
	UserID            string
	ChapterID         string
	Status            Status
	TurnsSinceCompile int
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// TranscriptEntry is the raw record of one question/answer turn. Updatable in
// place while the turn accumulates, immutable once the turn completes.
// CompiledText is a derived augmentation and never replaces the raw fields.
type TranscriptEntry struct {
	SessionID    string
	QuestionID   string
	UserText     string
	AIText       string
	CompiledText string
	Compiled     bool
	CreatedAt    time.Time
}
