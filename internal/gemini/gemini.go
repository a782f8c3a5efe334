package gemini

import (
	"context"
	"fmt"
	"io"
	"iter"

	"google.golang.org/genai"

	"github.com/stupiduntilnot/relay/internal/model"
	"github.com/stupiduntilnot/relay/internal/stream"
	"github.com/stupiduntilnot/relay/internal/transcript"
)

// Client wraps a genai client.
type Client struct {
	client *genai.Client
}

// NewClient creates a Gemini API client authenticated with apiKey.
func NewClient(ctx context.Context, apiKey string) (*Client, error) {
	c, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return &Client{client: c}, nil
}

// OpenChatStream starts a streamed generateContent call.
func (c *Client) OpenChatStream(ctx context.Context, p model.Params) (stream.Stream, error) {
	seq := c.client.Models.GenerateContentStream(ctx, p.Model, Contents(p), Config(p))
	return NewStream(seq), nil
}

// Contents maps the transcript onto Gemini roles.
func Contents(p model.Params) []*genai.Content {
	contents := make([]*genai.Content, 0, len(p.History))
	for _, turn := range p.History {
		role := "user"
		if turn.Role == transcript.RoleAssistant {
			role = "model"
		}
		contents = append(contents, &genai.Content{
			Role:  role,
			Parts: []*genai.Part{{Text: turn.Content}},
		})
	}
	return contents
}

// Config builds the generation config; web search adds the Google Search tool.
func Config(p model.Params) *genai.GenerateContentConfig {
	temperature := p.Temperature
	cfg := &genai.GenerateContentConfig{
		Temperature:     &temperature,
		MaxOutputTokens: int32(p.MaxTokens),
	}
	if p.SystemPrompt != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: p.SystemPrompt}}}
	}
	if p.WebSearch {
		cfg.Tools = []*genai.Tool{{GoogleSearch: &genai.GoogleSearch{}}}
	}
	return cfg
}

// Events converts one streamed response into relay events: answer text
// first, then any grounding sources it carries.
func Events(resp *genai.GenerateContentResponse) []stream.Event {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
		return nil
	}
	cand := resp.Candidates[0]
	var events []stream.Event
	if cand.Content != nil {
		for _, part := range cand.Content.Parts {
			if part == nil || part.Thought || part.Text == "" {
				continue
			}
			events = append(events, stream.TextDelta{Text: part.Text})
		}
	}
	if gm := cand.GroundingMetadata; gm != nil {
		var citations []stream.Citation
		for _, chunk := range gm.GroundingChunks {
			if chunk == nil || chunk.Web == nil || chunk.Web.URI == "" {
				continue
			}
			citations = append(citations, stream.Citation{Title: chunk.Web.Title, URL: chunk.Web.URI})
		}
		if len(citations) > 0 {
			events = append(events, stream.CitationBatch{Citations: citations})
		}
	}
	return events
}

// seqStream adapts a pull iterator of responses to stream.Stream.
type seqStream struct {
	next    func() (*genai.GenerateContentResponse, error, bool)
	stop    func()
	pending []stream.Event
}

// NewStream wraps a response sequence as returned by GenerateContentStream.
func NewStream(seq iter.Seq2[*genai.GenerateContentResponse, error]) stream.Stream {
	next, stop := iter.Pull2(seq)
	return &seqStream{next: next, stop: stop}
}

func (s *seqStream) Recv() (stream.Event, error) {
	for len(s.pending) == 0 {
		resp, err, ok := s.next()
		if !ok {
			return nil, io.EOF
		}
		if err != nil {
			return nil, fmt.Errorf("gemini stream failed: %w", err)
		}
		s.pending = Events(resp)
	}
	ev := s.pending[0]
	s.pending = s.pending[1:]
	return ev, nil
}

func (s *seqStream) Close() error {
	s.stop()
	return nil
}
