package main

import (
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Event represents a row from the events table, or a synthetic request
// node grouping the rows that share a request_id.
type Event struct {
	ID        int64
	Timestamp int64
	ParentID  sql.NullInt64
	EventType string
	Payload   sql.NullString
	Children  []*Event

	payload map[string]any
}

// Filter selects which events of a relay run are shown.
type Filter struct {
	ChatID     int64
	TypePrefix string
	RequestID  string
}

func main() {
	var (
		dbPath    string
		eventID   int64
		maxDepth  int
		jsonOut   bool
		noPayload bool
		filter    Filter
	)

	flag.StringVar(&dbPath, "db", envOrDefault("RELAY_DB_PATH", "/state/relay.db"), "SQLite event database path")
	flag.Int64Var(&eventID, "id", 0, "show the run rooted at this process.started event ID")
	flag.IntVar(&maxDepth, "L", 0, "limit display depth (0 = unlimited)")
	flag.BoolVar(&jsonOut, "json", false, "output JSON format")
	flag.BoolVar(&noPayload, "no-payload", false, "hide payload details")
	flag.Int64Var(&filter.ChatID, "chat", 0, "only show requests for this chat id")
	flag.StringVar(&filter.TypePrefix, "type", "", "only show events whose type has this prefix, e.g. turn.")
	flag.StringVar(&filter.RequestID, "request", "", "only show one request id")
	flag.Parse()

	db, err := sql.Open("sqlite3", "file:"+dbPath+"?mode=ro&_journal_mode=WAL")
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		log.Fatalf("ping db: %v", err)
	}

	rootID := eventID
	if rootID == 0 {
		rootID, err = latestRunRoot(db)
		if err != nil {
			log.Fatalf("find relay run: %v", err)
		}
	}

	events, err := querySubtree(db, rootID)
	if err != nil {
		log.Fatalf("query subtree: %v", err)
	}

	root := buildTree(events, rootID)
	if root == nil {
		log.Fatal("root event not found")
	}
	root = groupByRequest(root, filter)

	if jsonOut {
		if err := printJSON(os.Stdout, root, maxDepth, noPayload); err != nil {
			log.Fatalf("encode json: %v", err)
		}
		return
	}
	printTree(os.Stdout, root, "", true, 1, maxDepth, noPayload)
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// latestRunRoot finds the most recent process.started event.
func latestRunRoot(db *sql.DB) (int64, error) {
	var id int64
	err := db.QueryRow(
		`SELECT id FROM events WHERE event_type = 'process.started' ORDER BY id DESC LIMIT 1`,
	).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("no process.started event found")
	}
	return id, err
}

// querySubtree returns all events in the subtree rooted at rootID.
func querySubtree(db *sql.DB, rootID int64) ([]*Event, error) {
	rows, err := db.Query(`
		WITH RECURSIVE subtree(id) AS (
			SELECT id FROM events WHERE id = ?
			UNION ALL
			SELECT e.id FROM events e JOIN subtree s ON e.parent_id = s.id
		)
		SELECT e.id, e.timestamp, e.parent_id, e.event_type, e.payload
		FROM events e
		WHERE e.id IN (SELECT id FROM subtree)
		ORDER BY e.id ASC
	`, rootID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		ev := &Event{}
		if err := rows.Scan(&ev.ID, &ev.Timestamp, &ev.ParentID, &ev.EventType, &ev.Payload); err != nil {
			return nil, err
		}
		if ev.Payload.Valid && ev.Payload.String != "" {
			_ = json.Unmarshal([]byte(ev.Payload.String), &ev.payload)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// buildTree links a flat list of events into a tree rooted at rootID.
func buildTree(events []*Event, rootID int64) *Event {
	byID := make(map[int64]*Event, len(events))
	for _, ev := range events {
		byID[ev.ID] = ev
	}
	for _, ev := range events {
		if ev.ParentID.Valid && ev.ParentID.Int64 != ev.ID {
			if parent, ok := byID[ev.ParentID.Int64]; ok {
				parent.Children = append(parent.Children, ev)
			}
		}
	}
	for _, ev := range events {
		sort.Slice(ev.Children, func(i, j int) bool {
			return ev.Children[i].ID < ev.Children[j].ID
		})
	}
	return byID[rootID]
}

// groupByRequest regroups the run's events under one synthetic node per
// request_id, applying f. Events without a request id stay under the root.
func groupByRequest(root *Event, f Filter) *Event {
	out := *root
	out.Children = nil
	requests := map[string]*Event{}
	for _, ev := range root.Children {
		if f.TypePrefix != "" && !strings.HasPrefix(ev.EventType, f.TypePrefix) {
			continue
		}
		reqID, _ := ev.payload["request_id"].(string)
		if reqID == "" {
			if f.ChatID == 0 && f.RequestID == "" {
				out.Children = append(out.Children, ev)
			}
			continue
		}
		if f.RequestID != "" && reqID != f.RequestID {
			continue
		}
		if f.ChatID != 0 {
			chat, ok := ev.payload["chat_id"].(float64)
			if !ok || int64(chat) != f.ChatID {
				continue
			}
		}
		group, ok := requests[reqID]
		if !ok {
			group = &Event{Timestamp: ev.Timestamp, EventType: "request " + reqID}
			requests[reqID] = group
			out.Children = append(out.Children, group)
		}
		group.Children = append(group.Children, ev)
	}
	return &out
}

// printTree renders the event tree using box-drawing characters.
func printTree(w io.Writer, ev *Event, prefix string, isLast bool, depth, maxDepth int, noPayload bool) {
	connector := "├── "
	if isLast {
		connector = "└── "
	}
	line := formatEvent(ev, noPayload)
	if depth == 1 {
		fmt.Fprintln(w, line)
	} else {
		fmt.Fprintln(w, prefix+connector+line)
	}

	childPrefix := prefix
	if depth > 1 {
		if isLast {
			childPrefix += "    "
		} else {
			childPrefix += "│   "
		}
	}

	if maxDepth > 0 && depth >= maxDepth {
		if len(ev.Children) > 0 {
			fmt.Fprintln(w, childPrefix+"└── [...]")
		}
		return
	}
	for i, child := range ev.Children {
		printTree(w, child, childPrefix, i == len(ev.Children)-1, depth+1, maxDepth, noPayload)
	}
}

// formatEvent formats one line: [id] timestamp  event_type  key=value ...
// Synthetic request nodes have no timestamp prefix.
func formatEvent(ev *Event, noPayload bool) string {
	if strings.HasPrefix(ev.EventType, "request ") {
		return ev.EventType
	}
	ts := time.Unix(ev.Timestamp, 0).UTC().Format("2006-01-02 15:04:05")
	line := fmt.Sprintf("[%d] %s  %s", ev.ID, ts, ev.EventType)

	if noPayload || len(ev.payload) == 0 {
		return line
	}
	keys := make([]string, 0, len(ev.payload))
	for k := range ev.payload {
		if k == "request_id" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		line += fmt.Sprintf("  %s=%s", k, formatValue(ev.payload[k]))
	}
	return line
}

// formatValue converts a payload value to a display string, truncating long text.
func formatValue(v any) string {
	switch val := v.(type) {
	case string:
		if len([]rune(val)) > 80 {
			return fmt.Sprintf("%q", string([]rune(val)[:80])+"...")
		}
		return val
	case float64:
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%g", val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

type jsonEvent struct {
	ID        int64       `json:"id,omitempty"`
	Timestamp int64       `json:"timestamp,omitempty"`
	EventType string      `json:"event_type"`
	Payload   any         `json:"payload,omitempty"`
	Children  []jsonEvent `json:"children,omitempty"`
}

func toJSONEvent(ev *Event, depth, maxDepth int, noPayload bool) jsonEvent {
	je := jsonEvent{ID: ev.ID, Timestamp: ev.Timestamp, EventType: ev.EventType}
	if !noPayload && len(ev.payload) > 0 {
		je.Payload = ev.payload
	}
	if maxDepth > 0 && depth >= maxDepth {
		return je
	}
	for _, child := range ev.Children {
		je.Children = append(je.Children, toJSONEvent(child, depth+1, maxDepth, noPayload))
	}
	return je
}

func printJSON(w io.Writer, root *Event, maxDepth int, noPayload bool) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(toJSONEvent(root, 1, maxDepth, noPayload))
}
