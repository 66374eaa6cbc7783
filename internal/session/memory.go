package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is a single-process, in-memory Store. It does not maintain a
// user-sessions index (Enhanced reports false): per spec §4.1, the
// in-memory backend has no enhanced features.
type MemoryStore struct {
	mu         sync.Mutex
	sessions   map[string]*Session
	authStates map[string]*AuthorizationState
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:   make(map[string]*Session),
		authStates: make(map[string]*AuthorizationState),
	}
}

func (m *MemoryStore) Enhanced() bool { return false }

func (m *MemoryStore) CreateSession(_ context.Context, s *Session) (string, error) {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	return s.ID, nil
}

func (m *MemoryStore) GetSession(_ context.Context, id string) (*Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, false, nil
	}
	cp := *s
	return &cp, true, nil
}

func (m *MemoryStore) UpdateSession(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; !ok {
		return nil
	}
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *MemoryStore) DeleteSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

func (m *MemoryStore) StoreAuthState(_ context.Context, s *AuthorizationState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.authStates[s.State] = s
	return nil
}

func (m *MemoryStore) PeekAuthState(_ context.Context, key string) (*AuthorizationState, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.authStates[key]
	if !ok {
		return nil, false, nil
	}
	cp := *s
	return &cp, true, nil
}

func (m *MemoryStore) TakeAuthState(_ context.Context, key string) (*AuthorizationState, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.authStates[key]
	if !ok {
		return nil, false, nil
	}
	delete(m.authStates, key)
	return s, true, nil
}

// ListUserSessions is O(n) over all sessions; acceptable for the in-memory
// backend, which is intended for single-process/dev deployments only.
func (m *MemoryStore) ListUserSessions(_ context.Context, externalID string) ([]*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Session
	for _, s := range m.sessions {
		if s.ExternalID == externalID {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) CountUserSessions(ctx context.Context, externalID string) (int, error) {
	sessions, err := m.ListUserSessions(ctx, externalID)
	if err != nil {
		return 0, err
	}
	return len(sessions), nil
}

func (m *MemoryStore) DeleteUserSessions(_ context.Context, externalID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.sessions {
		if s.ExternalID == externalID {
			delete(m.sessions, id)
		}
	}
	return nil
}

// Cleanup sweeps expired sessions and authorization states.
func (m *MemoryStore) Cleanup(_ context.Context) error {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.sessions {
		if s.IsExpired(now) {
			delete(m.sessions, id)
		}
	}
	for key, s := range m.authStates {
		if s.IsExpired(now) {
			delete(m.authStates, key)
		}
	}
	return nil
}
