package model

import (
	"context"

	"github.com/stupiduntilnot/relay/internal/stream"
	"github.com/stupiduntilnot/relay/internal/transcript"
)

// Params are the per-request call parameters sent to a provider.
type Params struct {
	SystemPrompt string
	Model        string
	Temperature  float32
	MaxTokens    int
	// History is the full transcript including the new user turn as its
	// last element.
	History transcript.Transcript
	// WebSearch requests live web-search grounding where the provider
	// supports it.
	WebSearch bool
}

// Prompt returns the content of the last turn, the message being answered.
func (p Params) Prompt() string {
	if len(p.History) == 0 {
		return ""
	}
	return p.History[len(p.History)-1].Content
}

// Prior returns the turns that precede the message being answered.
func (p Params) Prior() transcript.Transcript {
	if len(p.History) == 0 {
		return nil
	}
	return p.History[:len(p.History)-1]
}

// Provider is the model provider abstraction used by the relay.
type Provider interface {
	OpenChatStream(ctx context.Context, p Params) (stream.Stream, error)
}
