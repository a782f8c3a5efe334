package commander

import "context"

// Commander is the chat platform abstraction used by the relay.
type Commander interface {
	GetUpdates(ctx context.Context, offset int64, timeout int) ([]Update, error)
	SendMessage(ctx context.Context, chatID int64, text string, opts SendOptions) error
	EditReplyMarkup(ctx context.Context, chatID, messageID int64, kb *Keyboard) error
	AnswerCallback(ctx context.Context, callbackID string) error
}

// ParseMode selects how the platform renders message text.
type ParseMode string

const (
	ParsePlain ParseMode = ""
	ParseHTML  ParseMode = "HTML"
)

// SendOptions controls rendering and attached controls of a sent message.
type SendOptions struct {
	ParseMode ParseMode
	Keyboard  *Keyboard
}

// Keyboard is an inline keyboard attached to a message.
type Keyboard struct {
	Rows [][]Button `json:"inline_keyboard"`
}

// Button is one inline keyboard button.
type Button struct {
	Text string `json:"text"`
	Data string `json:"callback_data"`
}

// Update represents an incoming update: a text message or a button press.
type Update struct {
	UpdateID int64     `json:"update_id"`
	Message  *Message  `json:"message,omitempty"`
	Callback *Callback `json:"callback_query,omitempty"`
}

// Date returns the unix time of the update, or 0 when unknown.
func (u Update) Date() int64 {
	switch {
	case u.Message != nil:
		return u.Message.Date
	case u.Callback != nil && u.Callback.Message != nil:
		return u.Callback.Message.Date
	}
	return 0
}

// Message represents a source message.
type Message struct {
	MessageID int64   `json:"message_id"`
	Chat      Chat    `json:"chat"`
	From      *User   `json:"from,omitempty"`
	Text      *string `json:"text,omitempty"`
	Date      int64   `json:"date"`
}

// Callback is an inline button press.
type Callback struct {
	ID      string   `json:"id"`
	From    *User    `json:"from,omitempty"`
	Data    string   `json:"data"`
	Message *Message `json:"message,omitempty"`
}

// Chat identifies a conversation.
type Chat struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

// IsGroup reports whether the chat has more than two participants.
func (c Chat) IsGroup() bool {
	return c.Type == "group" || c.Type == "supergroup"
}

// User identifies a message sender.
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username,omitempty"`
}
