package memory

import (
	"context"
	"sync"

	"github.com/efebarandurmaz/groundchat/internal/llm"
)

// InMemoryStore keeps sessions in process memory. It backs
// memory.backend "memory" and tests.
type InMemoryStore struct {
	mu       sync.Mutex
	bound    int
	sessions map[string][]Turn
}

// NewInMemoryStore creates an empty store keeping maxTurns exchanges.
func NewInMemoryStore(maxTurns int) *InMemoryStore {
	return &InMemoryStore{bound: Bound(maxTurns), sessions: make(map[string][]Turn)}
}

func (s *InMemoryStore) Append(_ context.Context, owner, sessionID string, role llm.Role, content string) error {
	return s.push(owner, sessionID, Turn{Role: role, Content: content})
}

func (s *InMemoryStore) AppendExchange(_ context.Context, owner, sessionID, user, assistant string) error {
	return s.push(owner, sessionID,
		Turn{Role: llm.RoleUser, Content: user},
		Turn{Role: llm.RoleAssistant, Content: assistant})
}

func (s *InMemoryStore) push(owner, sessionID string, turns ...Turn) error {
	key, err := Key(owner, sessionID)
	if err != nil {
		return err
	}
	if err := validate(turns...); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	log := append(s.sessions[key], turns...)
	if len(log) > s.bound {
		log = append([]Turn(nil), log[len(log)-s.bound:]...)
	}
	s.sessions[key] = log
	return nil
}

func (s *InMemoryStore) Get(_ context.Context, owner, sessionID string) ([]Turn, error) {
	key, err := Key(owner, sessionID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Turn{}, s.sessions[key]...), nil
}

func (s *InMemoryStore) Reset(_ context.Context, owner, sessionID string) error {
	key, err := Key(owner, sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, key)
	return nil
}

func (s *InMemoryStore) Ping(context.Context) error { return nil }

// Keys returns the number of stored sessions.
func (s *InMemoryStore) Keys(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.sessions)), nil
}

func (s *InMemoryStore) Close() error { return nil }
