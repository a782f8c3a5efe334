package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	cmdpkg "github.com/stupiduntilnot/relay/internal/commander"
	"github.com/stupiduntilnot/relay/internal/db"
	"github.com/stupiduntilnot/relay/internal/markup"
	modelpkg "github.com/stupiduntilnot/relay/internal/model"
	"github.com/stupiduntilnot/relay/internal/segment"
	"github.com/stupiduntilnot/relay/internal/stream"
	"github.com/stupiduntilnot/relay/internal/toggle"
	"github.com/stupiduntilnot/relay/internal/transcript"
)

// User-facing texts.
const (
	GreetingText      = "Welcome! I am your personal AI assistant. How can I assist you today?"
	UnauthorizedText  = "Unauthorized user or group."
	FailureText       = "Sorry, I couldn't generate a response right now. Please try again."
	ForgottenText     = "I've forgotten our previous conversations!"
	NothingToForget   = "No conversation history found."
	ForgetFailureText = "Sorry, I couldn't clear the conversation history."
	EmptyAnswerText   = "(empty model response)"
)

// DefaultMessageLimit is Telegram's per-message text ceiling.
const DefaultMessageLimit = 4096

// ErrUnauthorized is returned when the chat and the sender are both
// outside the allow-lists.
var ErrUnauthorized = errors.New("unauthorized user or group")

// DeliveryError reports a failed send. Chunks before Chunk were delivered;
// the rest were not attempted.
type DeliveryError struct {
	Chunk int
	Total int
	Err   error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery failed at chunk %d/%d: %v", e.Chunk+1, e.Total, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// EventRecorder receives pipeline events. *db.Recorder implements it.
type EventRecorder interface {
	Record(eventType string, payload map[string]any)
}

type nopRecorder struct{}

func (nopRecorder) Record(string, map[string]any) {}

// Config holds the fixed call parameters and access rules of a Controller.
type Config struct {
	SystemPrompt   string
	Model          string
	Temperature    float32
	MaxTokens      int
	MessageLimit   int
	AllowedUserIDs []int64
	AllowedChatIDs []int64
	// BotUsername is the bot's handle without "@"; group messages must
	// mention it.
	BotUsername string
}

// Controller handles incoming updates for all conversations.
type Controller struct {
	cfg      Config
	users    map[int64]bool
	chats    map[int64]bool
	store    transcript.Store
	provider modelpkg.Provider
	platform cmdpkg.Commander
	webSrch  *toggle.Toggle
	events   EventRecorder
	logger   *log.Logger
	locks    *keyedMutex
	now      func() time.Time
	mention  *regexp.Regexp
}

// NewController wires a Controller. events and logger may be nil.
func NewController(
	cfg Config,
	store transcript.Store,
	provider modelpkg.Provider,
	platform cmdpkg.Commander,
	webSearch *toggle.Toggle,
	events EventRecorder,
	logger *log.Logger,
) *Controller {
	if cfg.MessageLimit <= 0 {
		cfg.MessageLimit = DefaultMessageLimit
	}
	if events == nil {
		events = nopRecorder{}
	}
	if logger == nil {
		logger = log.Default()
	}
	if webSearch == nil {
		webSearch = toggle.New(true)
	}
	c := &Controller{
		cfg:      cfg,
		users:    map[int64]bool{},
		chats:    map[int64]bool{},
		store:    store,
		provider: provider,
		platform: platform,
		webSrch:  webSearch,
		events:   events,
		logger:   logger,
		locks:    newKeyedMutex(),
		now:      time.Now,
	}
	for _, id := range cfg.AllowedUserIDs {
		c.users[id] = true
	}
	for _, id := range cfg.AllowedChatIDs {
		c.chats[id] = true
	}
	c.SetBotUsername(cfg.BotUsername)
	return c
}

// SetBotUsername sets the handle group messages must mention. It must be
// called before updates are handled.
func (c *Controller) SetBotUsername(name string) {
	c.cfg.BotUsername = strings.TrimPrefix(name, "@")
	c.mention = nil
	if c.cfg.BotUsername != "" {
		c.mention = regexp.MustCompile(`(?i)@` + regexp.QuoteMeta(c.cfg.BotUsername) + `\b`)
	}
}

// HandleUpdate routes one update to the command, text or button handler.
func (c *Controller) HandleUpdate(ctx context.Context, u cmdpkg.Update) error {
	reqID := uuid.NewString()
	switch {
	case u.Callback != nil:
		return c.HandleButton(ctx, reqID, u.Callback)
	case u.Message != nil && u.Message.Text != nil:
		text := *u.Message.Text
		if cmd, ok := c.parseCommand(text); ok {
			switch cmd {
			case "start":
				return c.HandleStart(ctx, reqID, u.Message)
			case "forget":
				return c.HandleForget(ctx, reqID, u.Message)
			default:
				return nil
			}
		}
		return c.HandleText(ctx, reqID, u.Message)
	}
	return nil
}

// parseCommand extracts "name" from "/name" or "/name@bot". Commands
// addressed to another bot report ok=true with an empty name.
func (c *Controller) parseCommand(text string) (string, bool) {
	if !strings.HasPrefix(text, "/") {
		return "", false
	}
	first := strings.Fields(text)
	if len(first) == 0 {
		return "", true
	}
	name, target, hasTarget := strings.Cut(strings.TrimPrefix(first[0], "/"), "@")
	if hasTarget && !strings.EqualFold(target, c.cfg.BotUsername) {
		return "", true
	}
	return strings.ToLower(name), true
}

func (c *Controller) authorized(chatID int64, from *cmdpkg.User) bool {
	if c.chats[chatID] {
		return true
	}
	return from != nil && c.users[from.ID]
}

// addressed reports whether text mentions the bot and returns it with the
// mention removed.
func (c *Controller) addressed(text string) (string, bool) {
	if c.mention == nil || !c.mention.MatchString(text) {
		return "", false
	}
	return strings.TrimSpace(c.mention.ReplaceAllLiteralString(text, "")), true
}

func (c *Controller) reject(ctx context.Context, reqID string, chatID int64, from *cmdpkg.User) error {
	var userID int64
	if from != nil {
		userID = from.ID
	}
	c.logger.Printf("[session] request_id=%s rejected chat_id=%d user_id=%d", reqID, chatID, userID)
	c.events.Record(db.EventMessageRejected, map[string]any{
		"request_id": reqID,
		"chat_id":    chatID,
		"user_id":    userID,
	})
	if err := c.platform.SendMessage(ctx, chatID, UnauthorizedText, cmdpkg.SendOptions{}); err != nil {
		return errors.Join(ErrUnauthorized, &DeliveryError{Chunk: 0, Total: 1, Err: err})
	}
	return ErrUnauthorized
}

// HandleText runs the conversation pipeline for one text message.
func (c *Controller) HandleText(ctx context.Context, reqID string, msg *cmdpkg.Message) error {
	chatID := msg.Chat.ID
	if !c.authorized(chatID, msg.From) {
		return c.reject(ctx, reqID, chatID, msg.From)
	}

	input := *msg.Text
	if msg.Chat.IsGroup() {
		stripped, ok := c.addressed(input)
		if !ok {
			return nil
		}
		input = stripped
	}
	if strings.TrimSpace(input) == "" {
		return nil
	}

	unlock := c.locks.Lock(chatID)
	defer unlock()

	c.events.Record(db.EventMessageReceived, map[string]any{
		"request_id": reqID,
		"chat_id":    chatID,
		"chars":      utf8.RuneCountInString(input),
	})
	c.logger.Printf("[session] request_id=%s process chat_id=%d text=%s", reqID, chatID, truncate(input, 200))

	history, err := c.store.Load(ctx, chatID)
	if err != nil {
		c.logger.Printf("[session] request_id=%s history load failed chat_id=%d: %v; continuing with empty history", reqID, chatID, err)
		history = transcript.Transcript{}
	}
	userTurn := transcript.Turn{Role: transcript.RoleUser, Content: input}
	params := c.Params(history.Append(userTurn))

	c.events.Record(db.EventTurnStarted, map[string]any{
		"request_id":    reqID,
		"chat_id":       chatID,
		"model_name":    params.Model,
		"web_search":    params.WebSearch,
		"history_turns": len(history),
	})
	started := c.now()
	res, err := c.generate(ctx, params)
	if err != nil {
		return c.fail(ctx, reqID, chatID, err)
	}
	c.events.Record(db.EventTurnCompleted, map[string]any{
		"request_id": reqID,
		"chat_id":    chatID,
		"latency_ms": c.now().Sub(started).Milliseconds(),
		"chars":      utf8.RuneCountInString(res.Answer),
		"citations":  len(res.Citations),
	})

	updated := history.Append(userTurn, transcript.Turn{Role: transcript.RoleAssistant, Content: res.Answer})
	saveErr := c.store.Save(ctx, chatID, updated)
	if saveErr != nil {
		c.logger.Printf("[session] request_id=%s history save failed chat_id=%d: %v", reqID, chatID, saveErr)
	}

	sent, err := c.Deliver(ctx, chatID, res)
	if err != nil {
		c.logger.Printf("[session] request_id=%s delivery failed chat_id=%d sent=%d: %v", reqID, chatID, sent, err)
		c.events.Record(db.EventReplyFailed, map[string]any{
			"request_id": reqID,
			"chat_id":    chatID,
			"sent":       sent,
			"error":      truncate(err.Error(), 1000),
		})
		return errors.Join(saveErr, err)
	}
	c.events.Record(db.EventReplySent, map[string]any{
		"request_id": reqID,
		"chat_id":    chatID,
		"chunks":     sent,
	})
	return saveErr
}

// Params builds provider call parameters for history, which must already
// end with the new user turn. The web search toggle is read once here.
func (c *Controller) Params(history transcript.Transcript) modelpkg.Params {
	return modelpkg.Params{
		SystemPrompt: c.cfg.SystemPrompt,
		Model:        c.cfg.Model,
		Temperature:  c.cfg.Temperature,
		MaxTokens:    c.cfg.MaxTokens,
		History:      history,
		WebSearch:    c.webSrch.Enabled(),
	}
}

func (c *Controller) generate(ctx context.Context, params modelpkg.Params) (stream.Result, error) {
	s, err := c.provider.OpenChatStream(ctx, params)
	if err != nil {
		return stream.Result{}, &stream.InterruptedError{Err: err}
	}
	return stream.Aggregate(ctx, s)
}

func (c *Controller) fail(ctx context.Context, reqID string, chatID int64, err error) error {
	partial := 0
	var ie *stream.InterruptedError
	if errors.As(err, &ie) {
		partial = utf8.RuneCountInString(ie.Partial.Answer)
	}
	c.logger.Printf("[session] request_id=%s generation failed chat_id=%d partial_chars=%d: %v", reqID, chatID, partial, err)
	c.events.Record(db.EventTurnFailed, map[string]any{
		"request_id":    reqID,
		"chat_id":       chatID,
		"partial_chars": partial,
		"error":         truncate(err.Error(), 1000),
	})

	// The request context may be the reason for the failure; the notice
	// still goes out on a detached, bounded context.
	notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()
	if sendErr := c.platform.SendMessage(notifyCtx, chatID, FailureText, cmdpkg.SendOptions{}); sendErr != nil {
		c.logger.Printf("[session] request_id=%s failed to notify chat_id=%d: %v", reqID, chatID, sendErr)
	}
	return err
}

// Chunks renders an answer into deliverable HTML chunks: the raw answer is
// segmented to the limit, each segment translated, and the sources block
// appended to the last chunk, or sent as its own chunk if it does not fit.
func (c *Controller) Chunks(res stream.Result) []string {
	answer := res.Answer
	if strings.TrimSpace(answer) == "" {
		answer = EmptyAnswerText
	}
	limit := c.cfg.MessageLimit
	raw := segment.Split(answer, limit)
	chunks := make([]string, len(raw))
	for i, r := range raw {
		chunks[i] = markup.ToHTML(r)
	}

	links := sourceLinks(res.Citations)
	if len(links) == 0 {
		return chunks
	}
	last := len(chunks) - 1
	if sources := RenderSources(res.Citations); utf8.RuneCountInString(chunks[last])+utf8.RuneCountInString(sources) <= limit {
		chunks[last] += sources
		return chunks
	}
	return append(chunks, packSources(links, limit)...)
}

// packSources lays the Sources block out over as many chunks as needed,
// never cutting inside a link unless the link alone exceeds limit.
func packSources(links []string, limit int) []string {
	var chunks []string
	cur, sep := sourcesHeader, "\n"
	for _, link := range links {
		if utf8.RuneCountInString(cur)+len(sep)+utf8.RuneCountInString(link) <= limit {
			cur += sep + link
			sep = linkSep
			continue
		}
		chunks = append(chunks, cur)
		if utf8.RuneCountInString(link) > limit {
			parts := segment.Split(link, limit)
			chunks = append(chunks, parts[:len(parts)-1]...)
			link = parts[len(parts)-1]
		}
		cur, sep = link, linkSep
	}
	return append(chunks, cur)
}

// Deliver sends the rendered chunks in order and returns how many were sent.
// The first failed send aborts the remaining chunks.
func (c *Controller) Deliver(ctx context.Context, chatID int64, res stream.Result) (int, error) {
	chunks := c.Chunks(res)
	opts := cmdpkg.SendOptions{ParseMode: cmdpkg.ParseHTML, Keyboard: ToggleKeyboard(c.webSrch.Enabled())}
	for i, chunk := range chunks {
		if err := c.platform.SendMessage(ctx, chatID, chunk, opts); err != nil {
			return i, &DeliveryError{Chunk: i, Total: len(chunks), Err: err}
		}
	}
	return len(chunks), nil
}

// HandleStart greets the user and shows the web search toggle.
func (c *Controller) HandleStart(ctx context.Context, reqID string, msg *cmdpkg.Message) error {
	if !c.authorized(msg.Chat.ID, msg.From) {
		return c.reject(ctx, reqID, msg.Chat.ID, msg.From)
	}
	opts := cmdpkg.SendOptions{Keyboard: ToggleKeyboard(c.webSrch.Enabled())}
	if err := c.platform.SendMessage(ctx, msg.Chat.ID, GreetingText, opts); err != nil {
		return &DeliveryError{Chunk: 0, Total: 1, Err: err}
	}
	return nil
}

// HandleForget clears the sender's own transcript.
func (c *Controller) HandleForget(ctx context.Context, reqID string, msg *cmdpkg.Message) error {
	if !c.authorized(msg.Chat.ID, msg.From) {
		return c.reject(ctx, reqID, msg.Chat.ID, msg.From)
	}
	if msg.From == nil {
		return nil
	}
	userID := msg.From.ID

	unlock := c.locks.Lock(userID)
	err := c.store.Clear(ctx, userID)
	unlock()

	reply := ForgottenText
	switch {
	case errors.Is(err, transcript.ErrNotFound):
		reply = NothingToForget
		err = nil
	case err != nil:
		c.logger.Printf("[session] request_id=%s forget failed user_id=%d: %v", reqID, userID, err)
		reply = ForgetFailureText
	default:
		c.logger.Printf("[session] request_id=%s history cleared user_id=%d", reqID, userID)
		c.events.Record(db.EventHistoryCleared, map[string]any{
			"request_id": reqID,
			"user_id":    userID,
		})
	}
	if sendErr := c.platform.SendMessage(ctx, msg.Chat.ID, reply, cmdpkg.SendOptions{}); sendErr != nil {
		return errors.Join(err, &DeliveryError{Chunk: 0, Total: 1, Err: sendErr})
	}
	return err
}

// HandleButton flips the web search toggle and re-renders the button.
func (c *Controller) HandleButton(ctx context.Context, reqID string, cb *cmdpkg.Callback) error {
	if err := c.platform.AnswerCallback(ctx, cb.ID); err != nil {
		c.logger.Printf("[session] request_id=%s answer callback failed: %v", reqID, err)
	}
	if cb.Data != ToggleWebSearchData {
		return nil
	}
	var chatID int64
	if cb.Message != nil {
		chatID = cb.Message.Chat.ID
	}
	if !c.authorized(chatID, cb.From) {
		c.events.Record(db.EventMessageRejected, map[string]any{
			"request_id": reqID,
			"chat_id":    chatID,
			"callback":   cb.Data,
		})
		return ErrUnauthorized
	}

	enabled := c.webSrch.Flip()
	c.logger.Printf("[session] request_id=%s web_search=%t", reqID, enabled)
	c.events.Record(db.EventToggleFlipped, map[string]any{
		"request_id": reqID,
		"web_search": enabled,
	})
	if cb.Message == nil {
		return nil
	}
	if err := c.platform.EditReplyMarkup(ctx, chatID, cb.Message.MessageID, ToggleKeyboard(enabled)); err != nil {
		return fmt.Errorf("re-render toggle: %w", err)
	}
	return nil
}

func truncate(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars])
}
