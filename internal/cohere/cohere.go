package cohere

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/stupiduntilnot/relay/internal/model"
	"github.com/stupiduntilnot/relay/internal/stream"
	"github.com/stupiduntilnot/relay/internal/transcript"
)

// WebSearchConnector is the connector id for Cohere's web search grounding.
const WebSearchConnector = "web-search"

// Client is a minimal Cohere chat streaming client.
type Client struct {
	apiKey     string
	url        string
	httpClient *http.Client
}

// NewClient creates a Cohere client. url is the v1 chat endpoint, e.g.
// "https://api.cohere.ai/v1/chat". timeout bounds the whole streamed
// response; zero means no limit.
func NewClient(apiKey, url string, timeout time.Duration) *Client {
	return &Client{
		apiKey: apiKey,
		url:    url,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Message string `json:"message"`
}

type connector struct {
	ID string `json:"id"`
}

type chatRequest struct {
	Message     string        `json:"message"`
	Model       string        `json:"model,omitempty"`
	Preamble    string        `json:"preamble,omitempty"`
	ChatHistory []chatMessage `json:"chat_history,omitempty"`
	Temperature float32       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Connectors  []connector   `json:"connectors,omitempty"`
	Stream      bool          `json:"stream"`
}

type streamEvent struct {
	EventType    string     `json:"event_type"`
	Text         string     `json:"text"`
	Documents    []document `json:"documents"`
	FinishReason string     `json:"finish_reason"`
}

type document struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

func roleFor(r transcript.Role) string {
	if r == transcript.RoleAssistant {
		return "CHATBOT"
	}
	return "USER"
}

// OpenChatStream starts a streamed chat request.
func (c *Client) OpenChatStream(ctx context.Context, p model.Params) (stream.Stream, error) {
	reqBody := chatRequest{
		Message:     p.Prompt(),
		Model:       p.Model,
		Preamble:    p.SystemPrompt,
		Temperature: p.Temperature,
		MaxTokens:   p.MaxTokens,
		Stream:      true,
	}
	for _, turn := range p.Prior() {
		reqBody.ChatHistory = append(reqBody.ChatHistory, chatMessage{Role: roleFor(turn.Role), Message: turn.Content})
	}
	if p.WebSearch {
		reqBody.Connectors = []connector{{ID: WebSearchConnector}}
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal cohere request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create cohere request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/stream+json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cohere request failed: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("cohere non-success status=%d body=%s", resp.StatusCode, truncate(string(body), 400))
	}
	return &chatStream{body: resp.Body, reader: bufio.NewReader(resp.Body)}, nil
}

// chatStream decodes Cohere's newline-delimited JSON events.
type chatStream struct {
	body   io.ReadCloser
	reader *bufio.Reader
	done   bool
}

func (s *chatStream) Recv() (stream.Event, error) {
	for {
		if s.done {
			return nil, io.EOF
		}
		line, err := s.reader.ReadBytes('\n')
		if err != nil && (err != io.EOF || len(line) == 0) {
			if err == io.EOF {
				return nil, fmt.Errorf("cohere stream ended before stream-end: %w", io.ErrUnexpectedEOF)
			}
			return nil, fmt.Errorf("cohere stream read failed: %w", err)
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}

		var ev streamEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			return nil, fmt.Errorf("cohere stream malformed event: %s", truncate(string(line), 200))
		}
		switch ev.EventType {
		case "text-generation":
			if ev.Text == "" {
				continue
			}
			return stream.TextDelta{Text: ev.Text}, nil
		case "search-results":
			if len(ev.Documents) == 0 {
				continue
			}
			citations := make([]stream.Citation, 0, len(ev.Documents))
			for _, d := range ev.Documents {
				citations = append(citations, stream.Citation{Title: d.Title, URL: d.URL})
			}
			return stream.CitationBatch{Citations: citations}, nil
		case "stream-end":
			s.done = true
			if strings.HasPrefix(ev.FinishReason, "ERROR") {
				return nil, fmt.Errorf("cohere stream ended with finish_reason=%s", ev.FinishReason)
			}
			return nil, io.EOF
		}
	}
}

func (s *chatStream) Close() error {
	return s.body.Close()
}

func truncate(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars])
}
