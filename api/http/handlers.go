package http

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/tomvasile/memoria/internal/infra/storage"
	"github.com/tomvasile/memoria/internal/session"
)

// RealtimeCredentials is the ephemeral credential handed to the client so it
// can dial the speech service directly.
type RealtimeCredentials struct {
	URL   string `json:"url"`
	Token string `json:"token"`
}

type Handlers struct {
	Sessions *session.Service
	Archive  storage.Archiver
	Realtime RealtimeCredentials
	Log      zerolog.Logger
}

func NewHandlers(sessions *session.Service, archive storage.Archiver, realtime RealtimeCredentials, log zerolog.Logger) Handlers {
	return Handlers{
		Sessions: sessions,
		Archive:  archive,
		Realtime: realtime,
		Log:      log.With().Str("component", "api").Logger(),
	}
}

func (h Handlers) Register(e *echo.Echo) {
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.POST("/session", h.startSession)
	e.POST("/transcript", h.saveTurn)
	e.POST("/compile", h.compile)
	e.POST("/end-session", h.endSession)
}

type startSessionRequest struct {
	UserID    string `json:"user_id"`
	ChapterID string `json:"chapter_id"`
}

type startSessionResponse struct {
	SessionID         string              `json:"session_id"`
	Resumed           bool                `json:"resumed"`
	AnsweredQuestions []string            `json:"answered_questions"`
	Realtime          RealtimeCredentials `json:"realtime"`
}

func (h Handlers) startSession(c echo.Context) error {
	var req startSessionRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errBody("invalid request body"))
	}
	if req.UserID == "" || req.ChapterID == "" {
		return c.JSON(http.StatusBadRequest, errBody("user_id and chapter_id are required"))
	}

	res, err := h.Sessions.Start(c.Request().Context(), req.UserID, req.ChapterID)
	if err != nil {
		h.Log.Error().Err(err).Msg("start session")
		return c.JSON(http.StatusInternalServerError, errBody("failed to start session"))
	}

	answered := res.AnsweredQuestions
	if answered == nil {
		answered = []string{}
	}
	return c.JSON(http.StatusOK, startSessionResponse{
		SessionID:         res.Session.ID,
		Resumed:           res.Resumed,
		AnsweredQuestions: answered,
		Realtime:          h.Realtime,
	})
}

type saveTurnRequest struct {
	SessionID  string `json:"session_id"`
	QuestionID string `json:"question_id"`
	UserText   string `json:"user_text"`
	AIText     string `json:"ai_text"`
}

type saveTurnResponse struct {
	AnsweredQuestions    []string `json:"answered_questions"`
	CompilationTriggered bool     `json:"compilation_triggered"`
}

func (h Handlers) saveTurn(c echo.Context) error {
	var req saveTurnRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errBody("invalid request body"))
	}
	if req.SessionID == "" || req.QuestionID == "" {
		return c.JSON(http.StatusBadRequest, errBody("session_id and question_id are required"))
	}

	triggered, err := h.Sessions.SaveTurn(c.Request().Context(), session.TranscriptEntry{
		SessionID:  req.SessionID,
		QuestionID: req.QuestionID,
		UserText:   req.UserText,
		AIText:     req.AIText,
	})
	switch {
	case errors.Is(err, session.ErrNotFound):
		return c.JSON(http.StatusNotFound, errBody("session not found"))
	case errors.Is(err, session.ErrSessionClosed):
		return c.JSON(http.StatusConflict, errBody("session is not active"))
	case err != nil:
		h.Log.Error().Err(err).Str("session", req.SessionID).Msg("save turn")
		return c.JSON(http.StatusInternalServerError, errBody("failed to save turn"))
	}

	answered, err := h.Sessions.AnsweredQuestions(c.Request().Context(), req.SessionID)
	if err != nil {
		h.Log.Error().Err(err).Str("session", req.SessionID).Msg("list answered questions")
		return c.JSON(http.StatusInternalServerError, errBody("failed to save turn"))
	}
	return c.JSON(http.StatusOK, saveTurnResponse{
		AnsweredQuestions:    answered,
		CompilationTriggered: triggered,
	})
}

type sessionRefRequest struct {
	SessionID string `json:"session_id"`
}

func (h Handlers) compile(c echo.Context) error {
	var req sessionRefRequest
	if err := c.Bind(&req); err != nil || req.SessionID == "" {
		return c.JSON(http.StatusBadRequest, errBody("session_id is required"))
	}
	if err := h.Sessions.Compile(c.Request().Context(), req.SessionID); err != nil {
		switch {
		case errors.Is(err, session.ErrNotFound):
			return c.JSON(http.StatusNotFound, errBody("session not found"))
		case errors.Is(err, session.ErrSessionClosed):
			return c.JSON(http.StatusConflict, errBody("session is not active"))
		}
		h.Log.Error().Err(err).Str("session", req.SessionID).Msg("compile")
		return c.JSON(http.StatusInternalServerError, errBody("failed to compile"))
	}
	return c.NoContent(http.StatusAccepted)
}

type endSessionResponse struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

func (h Handlers) endSession(c echo.Context) error {
	var req sessionRefRequest
	if err := c.Bind(&req); err != nil || req.SessionID == "" {
		return c.JSON(http.StatusBadRequest, errBody("session_id is required"))
	}

	sess, err := h.Sessions.End(c.Request().Context(), req.SessionID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return c.JSON(http.StatusNotFound, errBody("session not found"))
		}
		h.Log.Error().Err(err).Str("session", req.SessionID).Msg("end session")
		return c.JSON(http.StatusInternalServerError, errBody("failed to end session"))
	}

	// Archival is best-effort; a storage outage never blocks session completion.
	if h.Archive != nil {
		if doc, err := h.chapterDocument(c, sess); err == nil && len(doc) > 0 {
			if err := h.Archive.ArchiveChapter(c.Request().Context(), sess.UserID, sess.ChapterID, doc); err != nil {
				h.Log.Warn().Err(err).Str("chapter", sess.ChapterID).Msg("chapter archive failed")
			}
		}
	}

	return c.JSON(http.StatusOK, endSessionResponse{SessionID: sess.ID, Status: string(sess.Status)})
}

func (h Handlers) chapterDocument(c echo.Context, sess *session.Session) ([]byte, error) {
	entries, err := h.Sessions.Compiled(c.Request().Context(), sess.ID)
	if err != nil {
		return nil, err
	}
	var b strings.Builder
	b.WriteString("# " + sess.ChapterID + "\n")
	for _, e := range entries {
		b.WriteString("\n")
		b.WriteString(e.CompiledText)
		b.WriteString("\n")
	}
	return []byte(b.String()), nil
}

func errBody(msg string) map[string]string { return map[string]string{"error": msg} }
