package observability

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// EventType categorizes chat events.
type EventType string

const (
	EventChatRequest  EventType = "chat.request"
	EventChatResponse EventType = "chat.response"
	EventChatError    EventType = "chat.error"
	EventSessionReset EventType = "session.reset"
)

// Event is a single JSONL event log entry.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Type      EventType      `json:"event"`
	Owner     string         `json:"owner,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// EventConfig configures the event log.
type EventConfig struct {
	Enabled bool
	// Dir receives one chat-YYYYMMDD.jsonl file per UTC day. "stdout" and
	// "stderr" write to those streams instead.
	Dir string
}

// DefaultEventConfig returns the default event log configuration.
func DefaultEventConfig() EventConfig {
	return EventConfig{Enabled: true, Dir: "logs"}
}

// EventLogger appends chat events as JSON lines.
type EventLogger struct {
	mu      sync.Mutex
	enabled bool
	dir     string
	stream  io.Writer
	file    *os.File
	day     string
	now     func() time.Time
}

// NewEventLogger creates an event logger, creating cfg.Dir if needed.
func NewEventLogger(cfg EventConfig) (*EventLogger, error) {
	l := &EventLogger{enabled: cfg.Enabled, dir: cfg.Dir, now: time.Now}
	if !cfg.Enabled {
		return l, nil
	}
	switch cfg.Dir {
	case "stdout":
		l.stream = os.Stdout
	case "stderr":
		l.stream = os.Stderr
	case "":
		return nil, fmt.Errorf("event log: directory is required")
	default:
		if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("event log: %w", err)
		}
	}
	return l, nil
}

// Disabled returns a logger that drops every event.
func Disabled() *EventLogger {
	return &EventLogger{now: time.Now}
}

// Log writes one event.
func (l *EventLogger) Log(event Event) error {
	if l == nil || !l.enabled {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = l.now().UTC()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	w, err := l.writer(event.Timestamp.UTC())
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%s\n", data)
	return err
}

// writer returns the file for day of ts, rotating when the day changes.
func (l *EventLogger) writer(ts time.Time) (io.Writer, error) {
	if l.stream != nil {
		return l.stream, nil
	}
	day := ts.Format("20060102")
	if l.file != nil && l.day == day {
		return l.file, nil
	}
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
	f, err := os.OpenFile(filepath.Join(l.dir, "chat-"+day+".jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	l.file, l.day = f, day
	return f, nil
}

// LogChatRequest records an accepted chat turn before the completion call.
func (l *EventLogger) LogChatRequest(owner, sessionID, message string, historyLen int, useRAG bool, k, docsUsed int) {
	l.Log(Event{
		Type:      EventChatRequest,
		Owner:     owner,
		SessionID: sessionID,
		Details: map[string]any{
			"message":       message,
			"history_len":   historyLen,
			"use_rag":       useRAG,
			"k":             k,
			"rag_docs_used": docsUsed,
		},
	})
}

// LogChatResponse records a completed turn. Only a preview of the answer is
// kept.
func (l *EventLogger) LogChatResponse(owner, sessionID, answer string, tokensIn, tokensOut *int, useRAG bool, docsUsed int) {
	l.Log(Event{
		Type:      EventChatResponse,
		Owner:     owner,
		SessionID: sessionID,
		Details: map[string]any{
			"answer_preview": preview(answer, 200),
			"tokens_in":      tokensIn,
			"tokens_out":     tokensOut,
			"use_rag":        useRAG,
			"rag_docs_used":  docsUsed,
		},
	})
}

// LogChatError records a failed turn at the given stage.
func (l *EventLogger) LogChatError(owner, sessionID, stage string, err error) {
	l.Log(Event{
		Type:      EventChatError,
		Owner:     owner,
		SessionID: sessionID,
		Details:   map[string]any{"stage": stage, "error": err.Error()},
	})
}

// LogSessionReset records a history reset.
func (l *EventLogger) LogSessionReset(owner, sessionID string) {
	l.Log(Event{Type: EventSessionReset, Owner: owner, SessionID: sessionID})
}

// Close closes the current log file, if any.
func (l *EventLogger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

func preview(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
