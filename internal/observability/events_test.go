package observability

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func readEvents(t *testing.T, path string) []Event {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()

	var events []Event
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e Event
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("bad line %q: %v", sc.Text(), err)
		}
		events = append(events, e)
	}
	return events
}

func TestEventLogger_WritesDailyFiles(t *testing.T) {
	dir := t.TempDir()
	l, err := NewEventLogger(EventConfig{Enabled: true, Dir: dir})
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	now := time.Date(2026, 3, 1, 23, 59, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	l.LogChatRequest("alice", "s1", "hello", 2, true, 6, 1)
	now = now.Add(2 * time.Minute)
	l.LogSessionReset("alice", "s1")

	first := readEvents(t, filepath.Join(dir, "chat-20260301.jsonl"))
	if len(first) != 1 || first[0].Type != EventChatRequest {
		t.Fatalf("unexpected first day events %+v", first)
	}
	if first[0].Details["message"] != "hello" || first[0].Details["k"] != float64(6) {
		t.Errorf("unexpected details %+v", first[0].Details)
	}

	second := readEvents(t, filepath.Join(dir, "chat-20260302.jsonl"))
	if len(second) != 1 || second[0].Type != EventSessionReset || second[0].SessionID != "s1" {
		t.Fatalf("unexpected second day events %+v", second)
	}
}

func TestEventLogger_ResponseAndError(t *testing.T) {
	dir := t.TempDir()
	l, _ := NewEventLogger(EventConfig{Enabled: true, Dir: dir})
	defer l.Close()
	day := time.Now().UTC().Format("20060102")

	in := 12
	l.LogChatResponse("bob", "s2", strings.Repeat("x", 500), &in, nil, false, 0)
	l.LogChatError("bob", "s2", "completion", errors.New("provider down"))

	events := readEvents(t, filepath.Join(dir, "chat-"+day+".jsonl"))
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if got := events[0].Details["answer_preview"].(string); len(got) != 200 {
		t.Errorf("expected 200-char preview, got %d", len(got))
	}
	if events[0].Details["tokens_in"] != float64(12) || events[0].Details["tokens_out"] != nil {
		t.Errorf("unexpected token details %+v", events[0].Details)
	}
	if events[1].Type != EventChatError || events[1].Details["stage"] != "completion" {
		t.Errorf("unexpected error event %+v", events[1])
	}
}

func TestEventLogger_Disabled(t *testing.T) {
	dir := t.TempDir()
	l, err := NewEventLogger(EventConfig{Enabled: false, Dir: dir})
	if err != nil {
		t.Fatal(err)
	}
	l.LogSessionReset("a", "b")
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Fatalf("disabled logger wrote %d files", len(entries))
	}

	var nilLogger *EventLogger
	if err := nilLogger.Log(Event{Type: EventChatError}); err != nil {
		t.Fatalf("nil logger should drop events, got %v", err)
	}
	Disabled().LogSessionReset("a", "b")
}

func TestNewEventLogger_RequiresDir(t *testing.T) {
	if _, err := NewEventLogger(EventConfig{Enabled: true}); err == nil {
		t.Fatal("expected error without a directory")
	}
}
