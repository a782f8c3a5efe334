package dummy

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	cmdpkg "github.com/stupiduntilnot/relay/internal/commander"
	modelpkg "github.com/stupiduntilnot/relay/internal/model"
	"github.com/stupiduntilnot/relay/internal/stream"
)

type action struct {
	kind string
	arg  string
}

var actionKinds = []string{"err", "sleep", "msg", "msgb64", "cited", "cut"}

func parseScript(script string) ([]action, error) {
	if strings.TrimSpace(script) == "" {
		return []action{{kind: "ok"}}, nil
	}
	parts := strings.Split(script, ",")
	actions := make([]action, 0, len(parts))
	for _, p := range parts {
		token := strings.TrimSpace(p)
		if token == "" {
			continue
		}
		if token == "ok" {
			actions = append(actions, action{kind: "ok"})
			continue
		}
		matched := false
		for _, kind := range actionKinds {
			if strings.HasPrefix(token, kind+":") {
				actions = append(actions, action{kind: kind, arg: strings.TrimPrefix(token, kind+":")})
				matched = true
				break
			}
		}
		if !matched {
			return nil, fmt.Errorf("invalid dummy action: %s", token)
		}
	}
	if len(actions) == 0 {
		actions = append(actions, action{kind: "ok"})
	}
	return actions, nil
}

type scriptRunner struct {
	actions []action
	index   int
}

func newRunner(script string) (*scriptRunner, error) {
	actions, err := parseScript(script)
	if err != nil {
		return nil, err
	}
	return &scriptRunner{actions: actions}, nil
}

func (r *scriptRunner) next() action {
	if len(r.actions) == 0 {
		return action{kind: "ok"}
	}
	if r.index >= len(r.actions) {
		return r.actions[len(r.actions)-1]
	}
	a := r.actions[r.index]
	r.index++
	return a
}

func sleepMillis(ctx context.Context, arg string) error {
	ms, _ := strconv.Atoi(arg)
	if ms <= 0 {
		return nil
	}
	select {
	case <-time.After(time.Duration(ms) * time.Millisecond):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sent is one message delivered through the dummy commander.
type Sent struct {
	ChatID int64
	Text   string
	Opts   cmdpkg.SendOptions
}

// Commander is a scripted, in-memory chat platform.
type Commander struct {
	mu        sync.Mutex
	poll      *scriptRunner
	send      *scriptRunner
	updateID  int64
	sent      []Sent
	edits     []int64
	callbacks []string
}

func NewCommander(pollScript, sendScript string) (*Commander, error) {
	poll, err := newRunner(pollScript)
	if err != nil {
		return nil, err
	}
	send, err := newRunner(sendScript)
	if err != nil {
		return nil, err
	}
	return &Commander{poll: poll, send: send, updateID: 1}, nil
}

func (c *Commander) GetUpdates(ctx context.Context, offset int64, timeout int) ([]cmdpkg.Update, error) {
	c.mu.Lock()
	a := c.poll.next()
	if a.kind == "msg" || a.kind == "msgb64" {
		c.updateID++
	}
	updateID := c.updateID
	c.mu.Unlock()

	switch a.kind {
	case "err":
		return nil, fmt.Errorf("dummy commander error class=%s", emptyAs(a.arg, "command_source_api"))
	case "sleep":
		return nil, sleepMillis(ctx, a.arg)
	case "msg", "msgb64":
		text := a.arg
		if a.kind == "msgb64" {
			raw, err := base64.StdEncoding.DecodeString(a.arg)
			if err != nil {
				return nil, fmt.Errorf("dummy commander msgb64 decode failed: %w", err)
			}
			text = string(raw)
		}
		return []cmdpkg.Update{
			{
				UpdateID: updateID,
				Message: &cmdpkg.Message{
					MessageID: updateID,
					Chat:      cmdpkg.Chat{ID: 1, Type: "private"},
					From:      &cmdpkg.User{ID: 1},
					Text:      &text,
					Date:      time.Now().Unix(),
				},
			},
		}, nil
	default:
		return nil, nil
	}
}

func (c *Commander) SendMessage(ctx context.Context, chatID int64, text string, opts cmdpkg.SendOptions) error {
	c.mu.Lock()
	a := c.send.next()
	c.mu.Unlock()

	switch a.kind {
	case "err":
		return fmt.Errorf("dummy commander send error class=%s", emptyAs(a.arg, "command_source_api"))
	case "sleep":
		if err := sleepMillis(ctx, a.arg); err != nil {
			return err
		}
	}
	c.mu.Lock()
	c.sent = append(c.sent, Sent{ChatID: chatID, Text: text, Opts: opts})
	c.mu.Unlock()
	return nil
}

func (c *Commander) EditReplyMarkup(ctx context.Context, chatID, messageID int64, kb *cmdpkg.Keyboard) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.edits = append(c.edits, messageID)
	return nil
}

func (c *Commander) AnswerCallback(ctx context.Context, callbackID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callbacks = append(c.callbacks, callbackID)
	return nil
}

// Sent returns a copy of the messages delivered so far.
func (c *Commander) Sent() []Sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Sent(nil), c.sent...)
}

// Edits returns the message ids whose keyboards were edited.
func (c *Commander) Edits() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int64(nil), c.edits...)
}

// Callbacks returns the answered callback ids.
func (c *Commander) Callbacks() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.callbacks...)
}

// ErrCut is the transport failure injected by the "cut:" provider action.
var ErrCut = errors.New("dummy provider stream cut")

// Provider is a scripted model provider. Each call consumes one action:
// msg:<text>, msgb64:<base64>, cited:<text>|<title>|<url>, cut:<text>
// (text then a transport failure), err:<class>, sleep:<ms>.
type Provider struct {
	mu     sync.Mutex
	model  string
	script *scriptRunner
	calls  []modelpkg.Params
}

func NewProvider(model, script string) (*Provider, error) {
	runner, err := newRunner(script)
	if err != nil {
		return nil, err
	}
	return &Provider{model: model, script: runner}, nil
}

func (p *Provider) OpenChatStream(ctx context.Context, params modelpkg.Params) (stream.Stream, error) {
	p.mu.Lock()
	a := p.script.next()
	p.calls = append(p.calls, params)
	p.mu.Unlock()

	switch a.kind {
	case "err":
		return nil, fmt.Errorf("dummy provider error class=%s", emptyAs(a.arg, "provider_api"))
	case "sleep":
		if err := sleepMillis(ctx, a.arg); err != nil {
			return &stream.Slice{Err: err}, nil
		}
		return textStream("dummy-after-sleep"), nil
	case "msg":
		return textStream(a.arg), nil
	case "msgb64":
		raw, err := base64.StdEncoding.DecodeString(a.arg)
		if err != nil {
			return nil, fmt.Errorf("dummy provider msgb64 decode failed: %w", err)
		}
		return textStream(string(raw)), nil
	case "cited":
		fields := strings.SplitN(a.arg, "|", 3)
		for len(fields) < 3 {
			fields = append(fields, "")
		}
		return &stream.Slice{Events: []stream.Event{
			stream.TextDelta{Text: fields[0]},
			stream.CitationBatch{Citations: []stream.Citation{{Title: fields[1], URL: fields[2]}}},
		}}, nil
	case "cut":
		return &stream.Slice{Events: []stream.Event{stream.TextDelta{Text: a.arg}}, Err: ErrCut}, nil
	default:
		return textStream(emptyAs(a.arg, "dummy-ok")), nil
	}
}

// Calls returns the parameters of every call made so far.
func (p *Provider) Calls() []modelpkg.Params {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]modelpkg.Params(nil), p.calls...)
}

func textStream(text string) *stream.Slice {
	return &stream.Slice{Events: []stream.Event{stream.TextDelta{Text: text}}}
}

func emptyAs(v string, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
