package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// Event type constants: process events
const (
	EventProcessStarted = "process.started"
	EventProcessStopped = "process.stopped"
)

// Event type constants: conversation pipeline events
const (
	EventMessageReceived = "message.received"
	EventMessageRejected = "message.rejected"
	EventTurnStarted     = "turn.started"
	EventTurnCompleted   = "turn.completed"
	EventTurnFailed      = "turn.failed"
	EventReplySent       = "reply.sent"
	EventReplyFailed     = "reply.failed"
	EventHistoryCleared  = "history.cleared"
	EventToggleFlipped   = "toggle.flipped"
	EventCircuitOpened   = "circuit.opened"
	EventCircuitClosed   = "circuit.closed"
)

// OpenDB opens (or creates) a SQLite database at the given path, ensuring
// that the parent directory exists.
func OpenDB(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create db directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open db at %s: %w", path, err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping db at %s: %w", path, err)
	}

	return db, nil
}

// InitSchema creates the events table.
func InitSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY,
			timestamp INTEGER NOT NULL DEFAULT (unixepoch()),
			parent_id INTEGER,
			event_type TEXT NOT NULL,
			payload TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_events_parent_id ON events(parent_id);
		CREATE INDEX IF NOT EXISTS idx_events_type ON events(event_type, id);
	`)
	return err
}

// LogEvent inserts an event into the events table and returns its auto-generated id.
// parentID may be nil for root events. payload is serialized to JSON; nil payload stores NULL.
func LogEvent(db *sql.DB, parentID *int64, eventType string, payload map[string]any) (int64, error) {
	var payloadJSON any
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, fmt.Errorf("marshal event payload: %w", err)
		}
		payloadJSON = string(data)
	}

	res, err := db.Exec(
		`INSERT INTO events (parent_id, event_type, payload) VALUES (?, ?, ?)`,
		parentID, eventType, payloadJSON,
	)
	if err != nil {
		return 0, fmt.Errorf("insert event %s: %w", eventType, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get event id: %w", err)
	}
	return id, nil
}

// CountEvents returns how many events of eventType were logged.
func CountEvents(db *sql.DB, eventType string) (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM events WHERE event_type = ?`, eventType).Scan(&n)
	return n, err
}

// Recorder logs events under a fixed parent, typically the process.started
// event of the running relay. Failures are logged and otherwise ignored.
type Recorder struct {
	DB       *sql.DB
	ParentID *int64
	Logger   *log.Logger
}

// Record logs one event.
func (r *Recorder) Record(eventType string, payload map[string]any) {
	if r == nil || r.DB == nil {
		return
	}
	if _, err := LogEvent(r.DB, r.ParentID, eventType, payload); err != nil {
		logger := r.Logger
		if logger == nil {
			logger = log.Default()
		}
		logger.Printf("[db] failed to log %s: %v", eventType, err)
	}
}
