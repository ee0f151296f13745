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

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/jeremyhahn/go-passkey/pkg/ceremony"
	"github.com/jeremyhahn/go-passkey/pkg/storage"
)

const sessionKeyPrefix = "sessions/"

// sessionEnvelope wraps the session state with its expiry so TTL survives
// process restarts when the backend is durable.
type sessionEnvelope struct {
	State     *ceremony.SessionState `json:"state"`
	ExpiresAt time.Time              `json:"expires_at"`
}

// Sessions implements ceremony.SessionStore over a storage.Backend.
// Expired entries are treated as absent on Load and reaped by Sweep.
type Sessions struct {
	backend storage.Backend
	ttl     time.Duration
	now     func() time.Time
}

// NewSessions creates a session store backed by the given backend. Entries
// expire ttl after their last Save; a non-positive ttl means entries never
// expire.
func NewSessions(backend storage.Backend, ttl time.Duration) (*Sessions, error) {
	if backend == nil {
		return nil, fmt.Errorf("session store: backend is required")
	}
	return &Sessions{
		backend: backend,
		ttl:     ttl,
		now:     time.Now,
	}, nil
}

func sessionKey(sessionID string) string {
	return sessionKeyPrefix + url.PathEscape(sessionID)
}

// Load returns the state for the session id. An unknown or expired id
// yields a fresh zero-value state, never an error.
func (s *Sessions) Load(ctx context.Context, sessionID string) (*ceremony.SessionState, error) {
	data, err := s.backend.Get(sessionKey(sessionID))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ceremony.NewSessionState(), nil
		}
		return nil, fmt.Errorf("session store: load %q: %w", sessionID, err)
	}

	var envelope sessionEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("session store: decode %q: %w", sessionID, err)
	}

	if !envelope.ExpiresAt.IsZero() && s.now().After(envelope.ExpiresAt) {
		return ceremony.NewSessionState(), nil
	}
	if envelope.State == nil {
		return ceremony.NewSessionState(), nil
	}
	return envelope.State, nil
}

// Save persists the state for the session id and refreshes its expiry.
func (s *Sessions) Save(ctx context.Context, sessionID string, state *ceremony.SessionState) error {
	envelope := sessionEnvelope{State: state}
	if s.ttl > 0 {
		envelope.ExpiresAt = s.now().Add(s.ttl)
	}

	data, err := json.Marshal(&envelope)
	if err != nil {
		return fmt.Errorf("session store: encode %q: %w", sessionID, err)
	}
	if err := s.backend.Put(sessionKey(sessionID), data); err != nil {
		return fmt.Errorf("session store: save %q: %w", sessionID, err)
	}
	return nil
}

// Clear removes the state for the session id. Clearing an unknown id is
// not an error.
func (s *Sessions) Clear(ctx context.Context, sessionID string) error {
	err := s.backend.Delete(sessionKey(sessionID))
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("session store: clear %q: %w", sessionID, err)
	}
	return nil
}

// Count returns the number of unexpired sessions. Expired entries that
// have not been swept yet are not counted.
func (s *Sessions) Count(ctx context.Context) (int, error) {
	keys, err := s.backend.List(sessionKeyPrefix)
	if err != nil {
		return 0, fmt.Errorf("session store: count: %w", err)
	}

	live := 0
	now := s.now()
	for _, key := range keys {
		data, err := s.backend.Get(key)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return 0, fmt.Errorf("session store: count: %w", err)
		}

		var envelope sessionEnvelope
		if err := json.Unmarshal(data, &envelope); err != nil {
			continue
		}
		if !envelope.ExpiresAt.IsZero() && now.After(envelope.ExpiresAt) {
			continue
		}
		live++
	}
	return live, nil
}

// Sweep deletes expired entries and returns how many were removed.
// Intended for a periodic background task.
func (s *Sessions) Sweep(ctx context.Context) (int, error) {
	keys, err := s.backend.List(sessionKeyPrefix)
	if err != nil {
		return 0, fmt.Errorf("session store: sweep: %w", err)
	}

	removed := 0
	now := s.now()
	for _, key := range keys {
		data, err := s.backend.Get(key)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return removed, fmt.Errorf("session store: sweep: %w", err)
		}

		var envelope sessionEnvelope
		if err := json.Unmarshal(data, &envelope); err != nil {
			// Unreadable entries are dead weight; reap them too.
			envelope.ExpiresAt = now.Add(-time.Second)
		}

		if envelope.ExpiresAt.IsZero() || now.Before(envelope.ExpiresAt) {
			continue
		}
		if err := s.backend.Delete(key); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return removed, fmt.Errorf("session store: sweep: %w", err)
		}
		removed++
	}
	return removed, nil
}
