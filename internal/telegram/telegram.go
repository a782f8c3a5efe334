package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	cmdpkg "github.com/stupiduntilnot/relay/internal/commander"
)

// Client is a minimal Telegram Bot API client.
type Client struct {
	apiBase    string
	httpClient *http.Client
	sendLimit  *rate.Limiter
}

// NewClient creates a Telegram client for the given bot API base URL
// (e.g. "https://api.telegram.org/bot<token>"). sendsPerSecond throttles
// outgoing messages; <= 0 disables throttling.
func NewClient(apiBase string, requestTimeout time.Duration, sendsPerSecond float64) *Client {
	limit := rate.Inf
	if sendsPerSecond > 0 {
		limit = rate.Limit(sendsPerSecond)
	}
	return &Client{
		apiBase: strings.TrimRight(apiBase, "/"),
		httpClient: &http.Client{
			Timeout: requestTimeout,
		},
		sendLimit: rate.NewLimiter(limit, 1),
	}
}

// Response is the generic Telegram API response wrapper.
type Response struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code,omitempty"`
	Description string          `json:"description,omitempty"`
}

// APIError is a Telegram response with ok=false.
type APIError struct {
	Method      string
	Code        int
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram %s failed code=%d: %s", e.Method, e.Code, e.Description)
}

type Update = cmdpkg.Update
type Message = cmdpkg.Message
type Chat = cmdpkg.Chat

// GetUpdates calls the getUpdates API.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout int) ([]Update, error) {
	params := url.Values{}
	params.Set("offset", strconv.FormatInt(offset, 10))
	params.Set("timeout", strconv.Itoa(timeout))
	params.Set("allowed_updates", `["message","callback_query"]`)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiBase+"/getUpdates?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("telegram getUpdates request failed: %w", err)
	}
	result, err := c.do(req, "getUpdates")
	if err != nil {
		return nil, err
	}

	var updates []Update
	if err := json.Unmarshal(result, &updates); err != nil {
		return nil, fmt.Errorf("failed to parse getUpdates result: %w", err)
	}
	return updates, nil
}

type sendMessageRequest struct {
	ChatID      int64            `json:"chat_id"`
	Text        string           `json:"text"`
	ParseMode   string           `json:"parse_mode,omitempty"`
	ReplyMarkup *cmdpkg.Keyboard `json:"reply_markup,omitempty"`
}

// SendMessage sends a text message to the given chat.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string, opts cmdpkg.SendOptions) error {
	if err := c.sendLimit.Wait(ctx); err != nil {
		return fmt.Errorf("telegram sendMessage throttled: %w", err)
	}
	_, err := c.post(ctx, "sendMessage", sendMessageRequest{
		ChatID:      chatID,
		Text:        text,
		ParseMode:   string(opts.ParseMode),
		ReplyMarkup: opts.Keyboard,
	})
	return err
}

// EditReplyMarkup replaces the inline keyboard of a sent message.
func (c *Client) EditReplyMarkup(ctx context.Context, chatID, messageID int64, kb *cmdpkg.Keyboard) error {
	payload := map[string]any{
		"chat_id":    chatID,
		"message_id": messageID,
	}
	if kb != nil {
		payload["reply_markup"] = kb
	}
	_, err := c.post(ctx, "editMessageReplyMarkup", payload)
	return err
}

// AnswerCallback acknowledges a button press so the client stops its spinner.
func (c *Client) AnswerCallback(ctx context.Context, callbackID string) error {
	callbackID = strings.TrimSpace(callbackID)
	if callbackID == "" {
		return nil
	}
	_, err := c.post(ctx, "answerCallbackQuery", map[string]string{"callback_query_id": callbackID})
	return err
}

// GetMe returns the bot's own username.
func (c *Client) GetMe(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiBase+"/getMe", nil)
	if err != nil {
		return "", fmt.Errorf("telegram getMe request failed: %w", err)
	}
	result, err := c.do(req, "getMe")
	if err != nil {
		return "", err
	}
	var me cmdpkg.User
	if err := json.Unmarshal(result, &me); err != nil {
		return "", fmt.Errorf("failed to parse getMe result: %w", err)
	}
	return me.Username, nil
}

func (c *Client) post(ctx context.Context, method string, payload any) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal telegram %s payload: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+"/"+method, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("telegram %s request failed: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, method)
}

func (c *Client) do(req *http.Request, method string) (json.RawMessage, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telegram %s request failed: %w", method, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read telegram %s response: %w", method, err)
	}

	var tgResp Response
	if err := json.Unmarshal(body, &tgResp); err != nil {
		return nil, fmt.Errorf("failed to parse telegram %s response status=%d: %s", method, resp.StatusCode, truncate(string(body), 400))
	}
	if !tgResp.OK {
		return nil, &APIError{Method: method, Code: tgResp.ErrorCode, Description: tgResp.Description}
	}
	return tgResp.Result, nil
}

func truncate(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars])
}
