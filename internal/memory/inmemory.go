package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore is a simple in-process store for local/dev use.
type InMemoryStore struct {
	mu    sync.RWMutex
	notes map[string][]Note
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{notes: make(map[string][]Note)}
}

func (s *InMemoryStore) Save(_ context.Context, note Note) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if note.ID == "" {
		note.ID = uuid.NewString()
	}
	if note.CreatedAt.IsZero() {
		note.CreatedAt = time.Now().UTC()
	}
	s.notes[note.UserID] = append(s.notes[note.UserID], note)
	return nil
}

func (s *InMemoryStore) Recent(_ context.Context, userID string, limit int) ([]Note, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.notes[userID]
	if len(arr) == 0 {
		return nil, nil
	}
	if limit <= 0 || limit > len(arr) {
		limit = len(arr)
	}
	out := make([]Note, 0, limit)
	for i := len(arr) - limit; i < len(arr); i++ {
		out = append(out, arr[i])
	}
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }
