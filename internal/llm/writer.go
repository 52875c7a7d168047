package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ProseWriter rewrites a raw interview exchange into polished first-person
// autobiography prose. Implemented against an OpenAI-compatible
// chat-completions endpoint.
type ProseWriter interface {
	Rewrite(ctx context.Context, question, userText, aiText string) (string, error)
}

const rewriteSystemPrompt = "You are a ghostwriter turning spoken interview answers into polished " +
	"first-person autobiography prose. Preserve every fact, name, and date. Keep the narrator's " +
	"voice. Do not invent details. Return only the rewritten passage."

// Client is a chat-completions client for the prose-rewriting collaborator.
type Client struct {
	HTTPClient *http.Client
	BaseURL    string
	APIKey     string
	Model      string
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionsRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	FinishReason string      `json:"finish_reason"`
	Message      chatMessage `json:"message"`
}

type chatCompletionsResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
}

// NewClient constructs a Client with a bounded request timeout.
func NewClient(baseURL, apiKey, model string) *Client {
	return &Client{
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		BaseURL:    strings.TrimRight(baseURL, "/"),
		APIKey:     apiKey,
		Model:      model,
	}
}

// Rewrite produces the compiled passage for one transcript entry.
func (c *Client) Rewrite(ctx context.Context, question, userText, aiText string) (string, error) {
	if c.APIKey == "" {
		return "", fmt.Errorf("llm api key missing")
	}
	endpoint := c.BaseURL + "/v1/chat/completions"

	var b strings.Builder
	b.WriteString("Interview question: ")
	b.WriteString(question)
	b.WriteString("\n\nSpoken answer:\n")
	b.WriteString(userText)
	if strings.TrimSpace(aiText) != "" {
		b.WriteString("\n\nInterviewer follow-up context:\n")
		b.WriteString(aiText)
	}

	messages := []chatMessage{
		{Role: "system", Content: rewriteSystemPrompt},
		{Role: "user", Content: b.String()},
	}

	reqBody, _ := json.Marshal(chatCompletionsRequest{Model: c.Model, Messages: messages})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("llm error: status=%d body=%s", resp.StatusCode, string(body))
	}
	var cr chatCompletionsResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return "", err
	}
	if len(cr.Choices) == 0 {
		return "", fmt.Errorf("llm: empty choices")
	}
	return strings.TrimSpace(cr.Choices[0].Message.Content), nil
}
