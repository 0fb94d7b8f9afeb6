// Package identity remembers who a client is across reconnects: which session it belongs to,
// under which name, and whether it hosts it.
package identity

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

var ErrNoIdentity = errors.New("no identity recorded for client")

type Identity struct {
	UserName      string    `json:"user_name"`
	SessionID     uuid.UUID `json:"session_id"`
	IsHost        bool      `json:"is_host"`
	ParticipantID uuid.UUID `json:"participant_id"`
}

// Joined reports whether the identity already places the client in sessionID.
func (id *Identity) Joined(sessionID uuid.UUID) bool {
	return id != nil && id.UserName != "" && id.SessionID == sessionID
}

type Store interface {
	Get(ctx context.Context, clientID string) (*Identity, error)
	Set(ctx context.Context, clientID string, id Identity) error
}

// Driver names accepted by config.
const (
	DriverMemory = "memory"
	DriverRedis  = "redis"
)

type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]Identity
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]Identity)}
}

func (s *MemoryStore) Get(_ context.Context, clientID string) (*Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.data[clientID]
	if !ok {
		return nil, ErrNoIdentity
	}
	return &id, nil
}

func (s *MemoryStore) Set(_ context.Context, clientID string, id Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[clientID] = id
	return nil
}
