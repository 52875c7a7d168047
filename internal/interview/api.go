package interview

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tomvasile/memoria/internal/realtime"
)

// SessionInfo is what the server returns when an interview is started or
// resumed.
type SessionInfo struct {
	SessionID         string
	Resumed           bool
	AnsweredQuestions []string
	Credentials       realtime.Credentials
}

// Turn is one completed question/answer exchange, posted to the server.
type Turn struct {
	SessionID  string `json:"session_id"`
	QuestionID string `json:"question_id"`
	UserText   string `json:"user_text"`
	AIText     string `json:"ai_text"`
}

// ServerAPI is the client's view of the interview server.
type ServerAPI interface {
	StartSession(ctx context.Context, userID, chapterID string) (*SessionInfo, error)
	SaveTurn(ctx context.Context, t Turn) error
	EndSession(ctx context.Context, sessionID string) error
}

// APIClient talks to the interview server over HTTP.
type APIClient struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewAPIClient constructs an APIClient with a bounded request timeout.
func NewAPIClient(baseURL string) *APIClient {
	return &APIClient{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type startSessionPayload struct {
	UserID    string `json:"user_id"`
	ChapterID string `json:"chapter_id"`
}

type startSessionReply struct {
	SessionID         string   `json:"session_id"`
	Resumed           bool     `json:"resumed"`
	AnsweredQuestions []string `json:"answered_questions"`
	Realtime          struct {
		URL   string `json:"url"`
		Token string `json:"token"`
	} `json:"realtime"`
}

func (c *APIClient) StartSession(ctx context.Context, userID, chapterID string) (*SessionInfo, error) {
	var reply startSessionReply
	err := c.postJSON(ctx, "/session", startSessionPayload{UserID: userID, ChapterID: chapterID}, &reply)
	if err != nil {
		return nil, err
	}
	return &SessionInfo{
		SessionID:         reply.SessionID,
		Resumed:           reply.Resumed,
		AnsweredQuestions: reply.AnsweredQuestions,
		Credentials: realtime.Credentials{
			URL:       reply.Realtime.URL,
			Token:     reply.Realtime.Token,
			SessionID: reply.SessionID,
		},
	}, nil
}

func (c *APIClient) SaveTurn(ctx context.Context, t Turn) error {
	return c.postJSON(ctx, "/transcript", t, nil)
}

func (c *APIClient) EndSession(ctx context.Context, sessionID string) error {
	payload := map[string]string{"session_id": sessionID}
	return c.postJSON(ctx, "/end-session", payload, nil)
}

func (c *APIClient) postJSON(ctx context.Context, path string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("server request %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server %s: status=%d body=%s", path, resp.StatusCode, string(b))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("server %s: decode: %w", path, err)
		}
	}
	return nil
}
