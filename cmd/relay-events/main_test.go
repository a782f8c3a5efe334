package main

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stupiduntilnot/relay/internal/db"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	database, err := db.OpenDB(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatal(err)
	}
	if err := db.InitSchema(database); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

// seedRun inserts one relay run and returns its root event id.
//
//	process.started                      id=1
//	├── message.received  req=r1 chat=10 id=2
//	├── turn.started      req=r1 chat=10 id=3
//	├── message.received  req=r2 chat=20 id=4
//	├── turn.completed    req=r1 chat=10 id=5
//	├── circuit.opened                   id=6
//	└── reply.sent        req=r1 chat=10 id=7
func seedRun(t *testing.T, database *sql.DB) int64 {
	t.Helper()
	rootID, err := db.LogEvent(database, nil, db.EventProcessStarted, map[string]any{"pid": 100, "provider": "cohere"})
	if err != nil {
		t.Fatal(err)
	}
	rec := &db.Recorder{DB: database, ParentID: &rootID}
	rec.Record(db.EventMessageReceived, map[string]any{"request_id": "r1", "chat_id": 10, "chars": 2})
	rec.Record(db.EventTurnStarted, map[string]any{"request_id": "r1", "chat_id": 10, "model_name": "command-r-plus"})
	rec.Record(db.EventMessageReceived, map[string]any{"request_id": "r2", "chat_id": 20, "chars": 5})
	rec.Record(db.EventTurnCompleted, map[string]any{"request_id": "r1", "chat_id": 10, "latency_ms": 1820})
	rec.Record(db.EventCircuitOpened, map[string]any{"error_class": "network"})
	rec.Record(db.EventReplySent, map[string]any{"request_id": "r1", "chat_id": 10, "chunks": 1})
	return rootID
}

func loadRun(t *testing.T, database *sql.DB, rootID int64) *Event {
	t.Helper()
	events, err := querySubtree(database, rootID)
	if err != nil {
		t.Fatal(err)
	}
	root := buildTree(events, rootID)
	if root == nil {
		t.Fatal("root is nil")
	}
	return root
}

func TestLatestRunRoot(t *testing.T) {
	database := testDB(t)
	seedRun(t, database)
	second := seedRun(t, database)

	got, err := latestRunRoot(database)
	if err != nil {
		t.Fatal(err)
	}
	if got != second {
		t.Errorf("expected root id=%d, got %d", second, got)
	}
}

func TestLatestRunRoot_NoEvents(t *testing.T) {
	if _, err := latestRunRoot(testDB(t)); err == nil {
		t.Fatal("expected error for empty database")
	}
}

func TestQuerySubtree(t *testing.T) {
	database := testDB(t)
	rootID := seedRun(t, database)
	seedRun(t, database)

	events, err := querySubtree(database, rootID)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 7 {
		t.Errorf("expected 7 events, got %d", len(events))
	}
	if events[1].payload["request_id"] != "r1" {
		t.Errorf("payload not decoded: %#v", events[1].payload)
	}
}

func TestGroupByRequest(t *testing.T) {
	database := testDB(t)
	root := groupByRequest(loadRun(t, database, seedRun(t, database)), Filter{})

	if len(root.Children) != 3 {
		t.Fatalf("expected r1, r2 and the circuit event, got %d", len(root.Children))
	}
	r1 := root.Children[0]
	if r1.EventType != "request r1" || len(r1.Children) != 4 {
		t.Fatalf("r1 group = %s with %d events", r1.EventType, len(r1.Children))
	}
	if root.Children[1].EventType != "request r2" {
		t.Fatalf("second group = %s", root.Children[1].EventType)
	}
	if root.Children[2].EventType != db.EventCircuitOpened {
		t.Fatalf("ungrouped event = %s", root.Children[2].EventType)
	}
}

func TestGroupByRequest_Filters(t *testing.T) {
	database := testDB(t)
	run := loadRun(t, database, seedRun(t, database))

	byChat := groupByRequest(run, Filter{ChatID: 20})
	if len(byChat.Children) != 1 || byChat.Children[0].EventType != "request r2" {
		t.Fatalf("chat filter = %+v", byChat.Children)
	}

	byType := groupByRequest(run, Filter{TypePrefix: "turn."})
	if len(byType.Children) != 1 || len(byType.Children[0].Children) != 2 {
		t.Fatalf("type filter = %+v", byType.Children)
	}

	byRequest := groupByRequest(run, Filter{RequestID: "r2"})
	if len(byRequest.Children) != 1 {
		t.Fatalf("request filter = %+v", byRequest.Children)
	}
}

func TestFormatEvent(t *testing.T) {
	ev := &Event{
		ID:        42,
		Timestamp: 1739781001,
		EventType: "turn.completed",
		payload:   map[string]any{"request_id": "r1", "latency_ms": float64(1820), "chat_id": float64(10)},
	}
	got := formatEvent(ev, false)
	want := "[42] 2025-02-17 08:30:01  turn.completed  chat_id=10  latency_ms=1820"
	if got != want {
		t.Errorf("got  %q\nwant %q", got, want)
	}
	if got := formatEvent(ev, true); got != "[42] 2025-02-17 08:30:01  turn.completed" {
		t.Errorf("no-payload: %q", got)
	}
	if got := formatEvent(&Event{EventType: "request r1"}, false); got != "request r1" {
		t.Errorf("request node: %q", got)
	}
}

func TestFormatValue(t *testing.T) {
	long := strings.Repeat("é", 100)
	got := formatValue(long)
	if !strings.HasSuffix(got, `..."`) || len([]rune(got)) != 85 {
		t.Errorf("long string: %q", got)
	}
	if got := formatValue(float64(7)); got != "7" {
		t.Errorf("integer: %q", got)
	}
	if got := formatValue(0.25); got != "0.25" {
		t.Errorf("float: %q", got)
	}
	if got := formatValue(true); got != "true" {
		t.Errorf("bool: %q", got)
	}
}

func TestPrintTree(t *testing.T) {
	database := testDB(t)
	root := groupByRequest(loadRun(t, database, seedRun(t, database)), Filter{})

	var buf bytes.Buffer
	printTree(&buf, root, "", true, 1, 0, false)
	output := buf.String()
	for _, want := range []string{
		"process.started", "├── request r1", "│   ├── ", "message.received",
		"turn.completed", "reply.sent", "└── [6]",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in output:\n%s", want, output)
		}
	}
}

func TestPrintTree_DepthLimit(t *testing.T) {
	database := testDB(t)
	root := groupByRequest(loadRun(t, database, seedRun(t, database)), Filter{})

	var buf bytes.Buffer
	printTree(&buf, root, "", true, 1, 2, false)
	output := buf.String()
	if strings.Contains(output, "turn.started") {
		t.Errorf("request events should be truncated at -L 2:\n%s", output)
	}
	if !strings.Contains(output, "[...]") {
		t.Errorf("expected [...] indicator:\n%s", output)
	}

	buf.Reset()
	printTree(&buf, root, "", true, 1, 1, false)
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Errorf("expected root + [...], got %d lines:\n%s", len(lines), buf.String())
	}
}

func TestPrintJSON(t *testing.T) {
	database := testDB(t)
	root := groupByRequest(loadRun(t, database, seedRun(t, database)), Filter{})

	var buf bytes.Buffer
	if err := printJSON(&buf, root, 0, true); err != nil {
		t.Fatal(err)
	}
	var je jsonEvent
	if err := json.Unmarshal(buf.Bytes(), &je); err != nil {
		t.Fatalf("invalid JSON: %v\n%s", err, buf.String())
	}
	if je.EventType != "process.started" || je.Payload != nil {
		t.Fatalf("root = %+v", je)
	}
	if len(je.Children) != 3 || len(je.Children[0].Children) != 4 {
		t.Fatalf("children = %+v", je.Children)
	}
}
