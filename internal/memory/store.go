package memory

import (
	"context"
	"strings"
	"time"
)

// Note is one remembered line of a user's past conversations. Notes outlive
// sessions; they feed the router's context gathering, not session state.
type Note struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists and retrieves long-term user memory.
type Store interface {
	Save(ctx context.Context, note Note) error
	Recent(ctx context.Context, userID string, limit int) ([]Note, error)
	Close() error
}

// NewStore creates a postgres-backed store when configured, otherwise in-memory.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewInMemoryStore(), nil
	}
	return NewPostgresStore(ctx, databaseURL)
}
