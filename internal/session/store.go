package session

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store persists sessions and transcript entries in SQLite.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id                  TEXT PRIMARY KEY,
	user_id             TEXT NOT NULL,
	chapter_id          TEXT NOT NULL,
	status              TEXT NOT NULL,
	turns_since_compile INTEGER NOT NULL DEFAULT 0,
	created_at          INTEGER NOT NULL,
	updated_at          INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_user_chapter_active
	ON sessions(user_id, chapter_id) WHERE status != 'completed';

CREATE TABLE IF NOT EXISTS transcript_entries (
	session_id    TEXT NOT NULL,
	question_id   TEXT NOT NULL,
	user_text     TEXT NOT NULL,
	ai_text       TEXT NOT NULL,
	compiled_text TEXT NOT NULL DEFAULT '',
	compiled      INTEGER NOT NULL DEFAULT 0,
	created_at    INTEGER NOT NULL,
	PRIMARY KEY (session_id, question_id)
);
`

// OpenStore opens (or creates) the database at path and applies the schema.
func OpenStore(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error { return s.db.Close() }

// CreateSession inserts a new active session.
func (s *Store) CreateSession(ctx context.Context, sess Session) error {
	now := time.Now().Unix()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, user_id, chapter_id, status, turns_since_compile, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?)`,
		sess.ID, sess.UserID, sess.ChapterID, string(sess.Status), now, now)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// FindActiveSession returns the non-completed session for (user, chapter), or
// ErrNotFound. This is the resume path for reconnects.
func (s *Store) FindActiveSession(ctx context.Context, userID, chapterID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, chapter_id, status, turns_since_compile, created_at, updated_at
		FROM sessions
		WHERE user_id = ? AND chapter_id = ? AND status != 'completed'`,
		userID, chapterID)
	return scanSession(row)
}

// GetSession loads a session by id.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, chapter_id, status, turns_since_compile, created_at, updated_at
		FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

func scanSession(row *sql.Row) (*Session, error) {
	var sess Session
	var status string
	var createdAt, updatedAt int64
	err := row.Scan(&sess.ID, &sess.UserID, &sess.ChapterID, &status,
		&sess.TurnsSinceCompile, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	sess.Status = Status(status)
	sess.CreatedAt = time.Unix(createdAt, 0)
	sess.UpdatedAt = time.Unix(updatedAt, 0)
	return &sess, nil
}

// SetStatus updates the session lifecycle state.
func (s *Store) SetStatus(ctx context.Context, id string, status Status) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertEntry writes one turn's raw transcript. Idempotent on (session_id,
// question_id): a client retry after a network blip overwrites the same row
// instead of duplicating it. The compiled columns are left untouched so a
// re-save can never clobber existing compiled prose.
func (s *Store) UpsertEntry(ctx context.Context, e TranscriptEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transcript_entries (session_id, question_id, user_text, ai_text, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(session_id, question_id)
		DO UPDATE SET user_text = excluded.user_text, ai_text = excluded.ai_text`,
		e.SessionID, e.QuestionID, e.UserText, e.AIText, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("upsert entry: %w", err)
	}
	return nil
}

// IncrementTurnCounter bumps turns_since_compile and returns the new value.
func (s *Store) IncrementTurnCounter(ctx context.Context, sessionID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET turns_since_compile = turns_since_compile + 1, updated_at = ?
		WHERE id = ?`, time.Now().Unix(), sessionID)
	if err != nil {
		return 0, fmt.Errorf("increment turn counter: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, ErrNotFound
	}
	var count int
	err = s.db.QueryRowContext(ctx,
		`SELECT turns_since_compile FROM sessions WHERE id = ?`, sessionID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("read turn counter: %w", err)
	}
	return count, nil
}

// ResetTurnCounter zeroes turns_since_compile after a drain.
func (s *Store) ResetTurnCounter(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET turns_since_compile = 0, updated_at = ? WHERE id = ?`,
		time.Now().Unix(), sessionID)
	if err != nil {
		return fmt.Errorf("reset turn counter: %w", err)
	}
	return nil
}

// AnsweredQuestions lists question ids that already have a transcript entry,
// in answer order.
func (s *Store) AnsweredQuestions(ctx context.Context, sessionID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT question_id FROM transcript_entries
		WHERE session_id = ? ORDER BY created_at ASC, question_id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query answered questions: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan question id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UncompiledEntries returns entries still lacking a compiled passage.
func (s *Store) UncompiledEntries(ctx context.Context, sessionID string) ([]TranscriptEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, question_id, user_text, ai_text, created_at
		FROM transcript_entries
		WHERE session_id = ? AND compiled = 0
		ORDER BY created_at ASC, question_id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query uncompiled entries: %w", err)
	}
	defer rows.Close()
	var entries []TranscriptEntry
	for rows.Next() {
		var e TranscriptEntry
		var createdAt int64
		if err := rows.Scan(&e.SessionID, &e.QuestionID, &e.UserText, &e.AIText, &createdAt); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		e.CreatedAt = time.Unix(createdAt, 0)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// CompiledEntries returns compiled entries for a session in answer order.
func (s *Store) CompiledEntries(ctx context.Context, sessionID string) ([]TranscriptEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, question_id, user_text, ai_text, compiled_text, created_at
		FROM transcript_entries
		WHERE session_id = ? AND compiled = 1
		ORDER BY created_at ASC, question_id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query compiled entries: %w", err)
	}
	defer rows.Close()
	var entries []TranscriptEntry
	for rows.Next() {
		var e TranscriptEntry
		var createdAt int64
		if err := rows.Scan(&e.SessionID, &e.QuestionID, &e.UserText, &e.AIText, &e.CompiledText, &createdAt); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		e.Compiled = true
		e.CreatedAt = time.Unix(createdAt, 0)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// SetCompiled stores the compiled passage for one entry. It only ever fills
// the compiled columns; raw transcript text is never touched. The compiled
// guard in the WHERE clause makes the write at-most-once so two racing
// drains cannot double-write.
func (s *Store) SetCompiled(ctx context.Context, sessionID, questionID, compiledText string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE transcript_entries SET compiled_text = ?, compiled = 1
		WHERE session_id = ? AND question_id = ? AND compiled = 0`,
		compiledText, sessionID, questionID)
	if err != nil {
		return fmt.Errorf("set compiled: %w", err)
	}
	return nil
}

// GetEntry loads a single transcript entry.
func (s *Store) GetEntry(ctx context.Context, sessionID, questionID string) (*TranscriptEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, question_id, user_text, ai_text, compiled_text, compiled, created_at
		FROM transcript_entries WHERE session_id = ? AND question_id = ?`,
		sessionID, questionID)
	var e TranscriptEntry
	var compiled int
	var createdAt int64
	err := row.Scan(&e.SessionID, &e.QuestionID, &e.UserText, &e.AIText, &e.CompiledText, &compiled, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan entry: %w", err)
	}
	e.Compiled = compiled != 0
	e.CreatedAt = time.Unix(createdAt, 0)
	return &e, nil
}
