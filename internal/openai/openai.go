package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/stupiduntilnot/relay/internal/model"
	"github.com/stupiduntilnot/relay/internal/stream"
	"github.com/stupiduntilnot/relay/internal/transcript"
)

// Client is a minimal OpenAI-compatible streaming chat completions client.
type Client struct {
	apiKey     string
	url        string
	httpClient *http.Client
	logger     *log.Logger
}

// NewClient creates an OpenAI client.
func NewClient(apiKey, url string, timeout time.Duration, logger *log.Logger) *Client {
	if logger == nil {
		logger = log.Default()
	}
	return &Client{
		apiKey: apiKey,
		url:    url,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}
}

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float32   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Stream      bool      `json:"stream"`
}

type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// Messages maps call parameters onto the chat completions message list:
// system prompt first, then the transcript in order.
func Messages(p model.Params) []Message {
	messages := make([]Message, 0, len(p.History)+1)
	if p.SystemPrompt != "" {
		messages = append(messages, Message{Role: "system", Content: p.SystemPrompt})
	}
	for _, turn := range p.History {
		role := "user"
		if turn.Role == transcript.RoleAssistant {
			role = "assistant"
		}
		messages = append(messages, Message{Role: role, Content: turn.Content})
	}
	return messages
}

// OpenChatStream sends a streamed chat completion request.
func (c *Client) OpenChatStream(ctx context.Context, p model.Params) (stream.Stream, error) {
	if p.WebSearch {
		c.logger.Printf("[openai] web search requested but not supported by chat completions; ignoring")
	}
	reqBody := chatRequest{
		Model:       p.Model,
		Messages:    Messages(p),
		Temperature: p.Temperature,
		MaxTokens:   p.MaxTokens,
		Stream:      true,
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal openai request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create openai request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openai request failed: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("openai non-success status=%d body=%s", resp.StatusCode, truncate(string(body), 400))
	}
	return &sseStream{body: resp.Body, reader: bufio.NewReader(resp.Body)}, nil
}

// sseStream decodes server-sent "data:" lines until "[DONE]".
type sseStream struct {
	body   io.ReadCloser
	reader *bufio.Reader
	done   bool
}

func (s *sseStream) Recv() (stream.Event, error) {
	for {
		if s.done {
			return nil, io.EOF
		}
		line, err := s.reader.ReadString('\n')
		if err != nil && (err != io.EOF || line == "") {
			if err == io.EOF {
				return nil, fmt.Errorf("openai stream ended before [DONE]: %w", io.ErrUnexpectedEOF)
			}
			return nil, fmt.Errorf("openai stream read failed: %w", err)
		}
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			s.done = true
			return nil, io.EOF
		}

		var chunk chatChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return nil, fmt.Errorf("failed to parse openai stream chunk: %s", truncate(data, 200))
		}
		if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
			continue
		}
		return stream.TextDelta{Text: chunk.Choices[0].Delta.Content}, nil
	}
}

func (s *sseStream) Close() error {
	return s.body.Close()
}

func truncate(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars])
}
