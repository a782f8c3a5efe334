package telegram

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	cmdpkg "github.com/stupiduntilnot/relay/internal/commander"
)

func TestGetUpdates_ParsesMessagesAndCallbacks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/getUpdates" {
			http.NotFound(w, r)
			return
		}
		if r.URL.Query().Get("offset") != "10" {
			t.Errorf("unexpected offset: %s", r.URL.Query().Get("offset"))
		}
		_, _ = io.WriteString(w, `{"ok":true,"result":[
			{"update_id":10,"message":{"message_id":5,"chat":{"id":-100,"type":"supergroup"},"from":{"id":7,"username":"alice"},"text":"@relaybot hi","date":1700000000}},
			{"update_id":11,"callback_query":{"id":"cb-1","from":{"id":7},"data":"toggle_web_search","message":{"message_id":6,"chat":{"id":123,"type":"private"},"date":1700000001}}}
		]}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 2*time.Second, 0)
	updates, err := c.GetUpdates(context.Background(), 10, 0)
	if err != nil {
		t.Fatalf("GetUpdates failed: %v", err)
	}
	if len(updates) != 2 {
		t.Fatalf("unexpected updates: %#v", updates)
	}
	msg := updates[0].Message
	if msg == nil || msg.Text == nil || *msg.Text != "@relaybot hi" {
		t.Fatalf("unexpected message: %#v", msg)
	}
	if !msg.Chat.IsGroup() || msg.From == nil || msg.From.ID != 7 {
		t.Fatalf("unexpected chat/from: %#v %#v", msg.Chat, msg.From)
	}
	cb := updates[1].Callback
	if cb == nil || cb.Data != "toggle_web_search" || cb.Message == nil || cb.Message.MessageID != 6 {
		t.Fatalf("unexpected callback: %#v", cb)
	}
	if updates[1].Date() != 1700000001 {
		t.Fatalf("unexpected callback date: %d", updates[1].Date())
	}
}

func TestSendMessage_SendsHTMLAndInlineKeyboard(t *testing.T) {
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sendMessage" {
			http.NotFound(w, r)
			return
		}
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		_, _ = io.WriteString(w, `{"ok":true,"result":{}}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 2*time.Second, 0)
	kb := &cmdpkg.Keyboard{Rows: [][]cmdpkg.Button{{{Text: "🟢 Web Search", Data: "toggle_web_search"}}}}
	err := c.SendMessage(context.Background(), 123, "<b>hi</b>", cmdpkg.SendOptions{ParseMode: cmdpkg.ParseHTML, Keyboard: kb})
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	for _, want := range []string{`"parse_mode":"HTML"`, `"inline_keyboard"`, `"callback_data":"toggle_web_search"`, `"chat_id":123`} {
		if !strings.Contains(gotBody, want) {
			t.Fatalf("expected %s in payload, got: %s", want, gotBody)
		}
	}
}

func TestSendMessage_SurfacesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"ok":false,"error_code":400,"description":"Bad Request: can't parse entities"}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 2*time.Second, 0)
	err := c.SendMessage(context.Background(), 1, "<b>", cmdpkg.SendOptions{ParseMode: cmdpkg.ParseHTML})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Code != 400 || !strings.Contains(apiErr.Description, "parse entities") {
		t.Fatalf("unexpected api error: %#v", apiErr)
	}
}

func TestAnswerCallbackAndEditMarkup(t *testing.T) {
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		_, _ = io.WriteString(w, `{"ok":true,"result":true}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 2*time.Second, 0)
	ctx := context.Background()
	if err := c.AnswerCallback(ctx, "  "); err != nil {
		t.Fatal(err)
	}
	if err := c.AnswerCallback(ctx, "cb-1"); err != nil {
		t.Fatal(err)
	}
	if err := c.EditReplyMarkup(ctx, 1, 2, &cmdpkg.Keyboard{}); err != nil {
		t.Fatal(err)
	}
	if len(paths) != 2 || paths[0] != "/answerCallbackQuery" || paths[1] != "/editMessageReplyMarkup" {
		t.Fatalf("unexpected calls: %v", paths)
	}
}

func TestGetMe_ReturnsUsername(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"ok":true,"result":{"id":99,"username":"relaybot"}}`)
	}))
	defer srv.Close()

	name, err := NewClient(srv.URL, 2*time.Second, 0).GetMe(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if name != "relaybot" {
		t.Fatalf("unexpected username: %s", name)
	}
}
