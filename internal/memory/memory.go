// Package memory keeps a bounded conversation history per owner and session.
package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/efebarandurmaz/groundchat/internal/llm"
)

var (
	// ErrInvalidKey is returned for an empty owner or session id, or an owner
	// containing ':'.
	ErrInvalidKey = errors.New("memory: invalid owner or session id")
	// ErrInvalidRole is returned for a role outside system, user and assistant.
	ErrInvalidRole = errors.New("memory: invalid role")
)

// DefaultMaxTurns is the number of user/assistant exchanges kept.
const DefaultMaxTurns = 8

// Turn is one stored message.
type Turn struct {
	Role    llm.Role `json:"role"`
	Content string   `json:"content"`
}

// Store is a bounded, per-session message log. Every append trims the log
// to the newest MaxTurns*2 entries in the same atomic unit.
type Store interface {
	Append(ctx context.Context, owner, sessionID string, role llm.Role, content string) error
	// AppendExchange stores a user turn and its reply together.
	AppendExchange(ctx context.Context, owner, sessionID, user, assistant string) error
	// Get returns the history oldest first; absent sessions are empty.
	Get(ctx context.Context, owner, sessionID string) ([]Turn, error)
	Reset(ctx context.Context, owner, sessionID string) error
	Ping(ctx context.Context) error
	Close() error
}

// Key returns the storage key of a session. Owners may not contain ':' so
// that the owner part of a key is always unambiguous.
func Key(owner, sessionID string) (string, error) {
	if owner == "" || sessionID == "" || strings.ContainsRune(owner, ':') {
		return "", ErrInvalidKey
	}
	return fmt.Sprintf("user:%s:session:%s", owner, sessionID), nil
}

// Bound returns the number of entries kept for maxTurns, using the default
// when maxTurns is not positive.
func Bound(maxTurns int) int {
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}
	return maxTurns * 2
}

func validate(turns ...Turn) error {
	for _, t := range turns {
		if !t.Role.Valid() {
			return fmt.Errorf("%w: %q", ErrInvalidRole, t.Role)
		}
	}
	return nil
}

// ToMessages converts history into prompt messages.
func ToMessages(turns []Turn) []llm.Message {
	msgs := make([]llm.Message, len(turns))
	for i, t := range turns {
		msgs[i] = llm.Message{Role: t.Role, Content: t.Content}
	}
	return msgs
}
