// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-passkey.
//
// go-passkey is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package ceremony

import (
	"context"
	"sync"
	"time"
)

// MemoryCredentialStore is an in-memory implementation of CredentialStore.
// This is intended for development and testing only.
type MemoryCredentialStore struct {
	mu    sync.RWMutex
	users map[string]*UserRecord
}

// NewMemoryCredentialStore creates a new in-memory credential store.
func NewMemoryCredentialStore() *MemoryCredentialStore {
	return &MemoryCredentialStore{
		users: make(map[string]*UserRecord),
	}
}

// Get retrieves a user record by handle.
func (s *MemoryCredentialStore) Get(ctx context.Context, handle string) (*UserRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[handle]
	if !ok {
		return nil, ErrUserNotFound
	}
	return user.Clone(), nil
}

// Exists reports whether a record exists for handle.
func (s *MemoryCredentialStore) Exists(ctx context.Context, handle string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.users[handle]
	return ok, nil
}

// Create stores a new record unless the handle is already taken. The check
// and the insert share the store lock, so two racing creates cannot both
// succeed.
func (s *MemoryCredentialStore) Create(ctx context.Context, user *UserRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[user.Handle]; ok {
		return ErrHandleTaken
	}
	s.users[user.Handle] = user.Clone()
	return nil
}

// Update applies fn to a copy of the stored record and persists it if fn
// returns nil. The whole read-modify-write runs under the store lock.
func (s *MemoryCredentialStore) Update(ctx context.Context, handle string, fn func(*UserRecord) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[handle]
	if !ok {
		return ErrUserNotFound
	}

	working := user.Clone()
	if err := fn(working); err != nil {
		return err
	}
	s.users[handle] = working
	return nil
}

// Count returns the number of users in the store.
func (s *MemoryCredentialStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users)
}

// MemorySessionStore is an in-memory implementation of SessionStore.
// This is intended for development and testing only.
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*sessionEntry
	ttl      time.Duration
}

type sessionEntry struct {
	state     *SessionState
	expiresAt time.Time
}

// NewMemorySessionStore creates a new in-memory session store. Entries
// expire ttl after their last Save; zero means no expiry.
func NewMemorySessionStore(ttl time.Duration) *MemorySessionStore {
	return &MemorySessionStore{
		sessions: make(map[string]*sessionEntry),
		ttl:      ttl,
	}
}

// Load retrieves the state for a session id. Unknown and expired sessions
// yield a fresh state.
func (s *MemorySessionStore) Load(ctx context.Context, sessionID string) (*SessionState, error) {
	s.mu.RLock()
	entry, ok := s.sessions[sessionID]
	s.mu.RUnlock()

	if !ok {
		return NewSessionState(), nil
	}
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		s.mu.Lock()
		delete(s.sessions, sessionID)
		s.mu.Unlock()
		return NewSessionState(), nil
	}
	return entry.state.Clone(), nil
}

// Save persists the state for a session id and refreshes its expiry.
func (s *MemorySessionStore) Save(ctx context.Context, sessionID string, state *SessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := &sessionEntry{state: state.Clone()}
	if s.ttl > 0 {
		entry.expiresAt = time.Now().Add(s.ttl)
	}
	s.sessions[sessionID] = entry
	return nil
}

// Clear removes the state for a session id.
func (s *MemorySessionStore) Clear(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, sessionID)
	return nil
}

// Sweep removes all expired sessions and returns how many were removed.
func (s *MemorySessionStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	removed := 0
	for id, entry := range s.sessions {
		if !entry.expiresAt.IsZero() && now.After(entry.expiresAt) {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed
}

// Count returns the number of sessions in the store, expired included.
func (s *MemorySessionStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
