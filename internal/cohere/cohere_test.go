package cohere

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stupiduntilnot/relay/internal/model"
	"github.com/stupiduntilnot/relay/internal/stream"
	"github.com/stupiduntilnot/relay/internal/transcript"
)

const sampleStream = `{"is_finished":false,"event_type":"stream-start","generation_id":"g1"}
{"is_finished":false,"event_type":"search-queries-generation","search_queries":[{"text":"go","generation_id":"g1"}]}
{"is_finished":false,"event_type":"text-generation","text":"Hel"}
{"is_finished":false,"event_type":"search-results","documents":[{"id":"web-0","title":"T1","url":"https://u1"}]}
{"is_finished":false,"event_type":"text-generation","text":"lo"}

{"is_finished":false,"event_type":"citation-generation","citations":[]}
{"is_finished":true,"event_type":"stream-end","finish_reason":"COMPLETE","response":{}}
`

func testParams(webSearch bool) model.Params {
	return model.Params{
		SystemPrompt: "sys",
		Model:        "command-r-plus",
		Temperature:  0.5,
		MaxTokens:    2024,
		WebSearch:    webSearch,
		History: transcript.Transcript{
			{Role: transcript.RoleUser, Content: "earlier"},
			{Role: transcript.RoleAssistant, Content: "reply"},
			{Role: transcript.RoleUser, Content: "now"},
		},
	}
}

func TestOpenChatStream_AggregatesTextAndDocuments(t *testing.T) {
	var got map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("unexpected auth header: %q", r.Header.Get("Authorization"))
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = io.WriteString(w, sampleStream)
	}))
	defer server.Close()

	client := NewClient("test-key", server.URL, 5*time.Second)
	s, err := client.OpenChatStream(context.Background(), testParams(true))
	if err != nil {
		t.Fatal(err)
	}
	res, err := stream.Aggregate(context.Background(), s)
	if err != nil {
		t.Fatal(err)
	}
	if res.Answer != "Hello" {
		t.Errorf("expected answer 'Hello', got %q", res.Answer)
	}
	if len(res.Citations) != 1 || res.Citations[0].Title != "T1" || res.Citations[0].URL != "https://u1" {
		t.Errorf("unexpected citations: %#v", res.Citations)
	}

	if got["message"] != "now" || got["preamble"] != "sys" || got["stream"] != true {
		t.Errorf("unexpected request: %#v", got)
	}
	history, _ := got["chat_history"].([]any)
	if len(history) != 2 {
		t.Fatalf("expected 2 prior turns, got %#v", got["chat_history"])
	}
	if history[1].(map[string]any)["role"] != "CHATBOT" {
		t.Errorf("expected assistant mapped to CHATBOT, got %#v", history[1])
	}
	connectors, _ := got["connectors"].([]any)
	if len(connectors) != 1 || connectors[0].(map[string]any)["id"] != "web-search" {
		t.Errorf("expected web-search connector, got %#v", got["connectors"])
	}
}

func TestOpenChatStream_NoConnectorWhenDisabled(t *testing.T) {
	var raw string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		raw = string(body)
		_, _ = io.WriteString(w, `{"event_type":"stream-end","finish_reason":"COMPLETE"}`+"\n")
	}))
	defer server.Close()

	s, err := NewClient("k", server.URL, 5*time.Second).OpenChatStream(context.Background(), testParams(false))
	if err != nil {
		t.Fatal(err)
	}
	res, err := stream.Aggregate(context.Background(), s)
	if err != nil {
		t.Fatal(err)
	}
	if res.Answer != "" || len(res.Citations) != 0 {
		t.Errorf("expected empty result, got %#v", res)
	}
	if strings.Contains(raw, "connectors") {
		t.Errorf("expected no connectors, got body %s", raw)
	}
}

func TestOpenChatStream_NonSuccessStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"message":"invalid api token"}`)
	}))
	defer server.Close()

	_, err := NewClient("bad", server.URL, 5*time.Second).OpenChatStream(context.Background(), testParams(false))
	if err == nil || !strings.Contains(err.Error(), "status=401") {
		t.Fatalf("expected status error, got %v", err)
	}
}

func TestOpenChatStream_ErrorFinishIsInterruption(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"event_type":"text-generation","text":"par"}`+"\n"+
			`{"event_type":"stream-end","finish_reason":"ERROR_TOXIC"}`+"\n")
	}))
	defer server.Close()

	s, err := NewClient("k", server.URL, 5*time.Second).OpenChatStream(context.Background(), testParams(false))
	if err != nil {
		t.Fatal(err)
	}
	_, err = stream.Aggregate(context.Background(), s)
	var ie *stream.InterruptedError
	if !errors.As(err, &ie) {
		t.Fatalf("expected InterruptedError, got %v", err)
	}
	if ie.Partial.Answer != "par" {
		t.Fatalf("unexpected partial: %#v", ie.Partial)
	}
}

func TestOpenChatStream_EOFBeforeStreamEndIsInterruption(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"event_type":"text-generation","text":"The answer is"}`+"\n")
	}))
	defer server.Close()

	s, err := NewClient("k", server.URL, 5*time.Second).OpenChatStream(context.Background(), testParams(false))
	if err != nil {
		t.Fatal(err)
	}
	_, err = stream.Aggregate(context.Background(), s)
	var ie *stream.InterruptedError
	if !errors.As(err, &ie) || !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected unexpected-EOF interruption, got %v", err)
	}
	if ie.Partial.Answer != "The answer is" {
		t.Fatalf("unexpected partial: %#v", ie.Partial)
	}
}
