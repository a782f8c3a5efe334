package transcript

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Role attributes a turn to one side of the conversation.
type Role string

const (
	RoleUser      Role = "USER"
	RoleAssistant Role = "ASSISTANT"
)

// Turn is one message of a conversation.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Transcript is the chronological list of turns of one conversation.
type Transcript []Turn

// Append returns a copy of t with turns appended; t itself is not modified.
func (t Transcript) Append(turns ...Turn) Transcript {
	out := make(Transcript, 0, len(t)+len(turns))
	out = append(out, t...)
	return append(out, turns...)
}

// ErrNotFound is returned by Clear when the conversation has no history.
var ErrNotFound = errors.New("transcript not found")

// Store loads, saves and clears transcripts keyed by conversation id.
// Load never fails for missing or corrupted state; it returns an empty
// transcript instead.
type Store interface {
	Load(ctx context.Context, conversationID int64) (Transcript, error)
	Save(ctx context.Context, conversationID int64, t Transcript) error
	Clear(ctx context.Context, conversationID int64) error
}

// Encode serializes t as an indented JSON array of {role, content}.
func Encode(t Transcript) ([]byte, error) {
	if t == nil {
		t = Transcript{}
	}
	data, err := json.MarshalIndent(t, "", "    ")
	if err != nil {
		return nil, fmt.Errorf("marshal transcript: %w", err)
	}
	return data, nil
}

// Decode parses a persisted transcript. Empty input decodes to an empty
// transcript. Roles are normalized to upper case.
func Decode(data []byte) (Transcript, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return Transcript{}, nil
	}
	var t Transcript
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("unmarshal transcript: %w", err)
	}
	for i := range t {
		t[i].Role = Role(strings.ToUpper(string(t[i].Role)))
	}
	if t == nil {
		t = Transcript{}
	}
	return t, nil
}
