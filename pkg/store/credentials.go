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

// Package store implements the ceremony store interfaces on top of a
// storage.Backend. Records are JSON-encoded; a per-store mutex makes the
// check-then-write sequences in Create and Update atomic regardless of the
// backend's own guarantees.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"github.com/jeremyhahn/go-passkey/pkg/ceremony"
	"github.com/jeremyhahn/go-passkey/pkg/storage"
)

const userKeyPrefix = "users/"

// Credentials implements ceremony.CredentialStore over a storage.Backend.
type Credentials struct {
	mu      sync.Mutex
	backend storage.Backend
}

// NewCredentials creates a credential store backed by the given backend.
func NewCredentials(backend storage.Backend) (*Credentials, error) {
	if backend == nil {
		return nil, fmt.Errorf("credential store: backend is required")
	}
	return &Credentials{backend: backend}, nil
}

// userKey escapes the handle so arbitrary user input cannot shape the
// backend key space.
func userKey(handle string) string {
	return userKeyPrefix + url.PathEscape(handle)
}

// Get returns the user record for handle, or ceremony.ErrUserNotFound.
func (c *Credentials) Get(ctx context.Context, handle string) (*ceremony.UserRecord, error) {
	data, err := c.backend.Get(userKey(handle))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ceremony.ErrUserNotFound
		}
		return nil, fmt.Errorf("credential store: get %q: %w", handle, err)
	}
	return decodeUser(handle, data)
}

// Exists reports whether a record exists for handle.
func (c *Credentials) Exists(ctx context.Context, handle string) (bool, error) {
	exists, err := c.backend.Exists(userKey(handle))
	if err != nil {
		return false, fmt.Errorf("credential store: exists %q: %w", handle, err)
	}
	return exists, nil
}

// Create stores a new record if and only if no record exists for the
// handle. The existence check and the write happen under the store mutex.
func (c *Credentials) Create(ctx context.Context, user *ceremony.UserRecord) error {
	if user == nil || user.Handle == "" {
		return fmt.Errorf("credential store: user record with a handle is required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	key := userKey(user.Handle)
	exists, err := c.backend.Exists(key)
	if err != nil {
		return fmt.Errorf("credential store: create %q: %w", user.Handle, err)
	}
	if exists {
		return ceremony.ErrHandleTaken
	}

	data, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("credential store: encode %q: %w", user.Handle, err)
	}
	if err := c.backend.Put(key, data); err != nil {
		return fmt.Errorf("credential store: create %q: %w", user.Handle, err)
	}
	return nil
}

// Update applies fn to the record for handle and persists the mutated
// record if fn returns nil. The read-modify-write runs under the store
// mutex. An error from fn aborts the update and passes through unchanged.
func (c *Credentials) Update(ctx context.Context, handle string, fn func(*ceremony.UserRecord) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := userKey(handle)
	data, err := c.backend.Get(key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ceremony.ErrUserNotFound
		}
		return fmt.Errorf("credential store: update %q: %w", handle, err)
	}

	user, err := decodeUser(handle, data)
	if err != nil {
		return err
	}

	if err := fn(user); err != nil {
		return err
	}

	updated, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("credential store: encode %q: %w", handle, err)
	}
	if err := c.backend.Put(key, updated); err != nil {
		return fmt.Errorf("credential store: update %q: %w", handle, err)
	}
	return nil
}

// Handles returns the handles of all stored users in sorted order.
func (c *Credentials) Handles(ctx context.Context) ([]string, error) {
	keys, err := c.backend.List(userKeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("credential store: list: %w", err)
	}

	handles := make([]string, 0, len(keys))
	for _, key := range keys {
		escaped := key[len(userKeyPrefix):]
		handle, err := url.PathUnescape(escaped)
		if err != nil {
			return nil, fmt.Errorf("credential store: malformed key %q: %w", key, err)
		}
		handles = append(handles, handle)
	}
	return handles, nil
}

// Count returns the number of stored users.
func (c *Credentials) Count(ctx context.Context) (int, error) {
	keys, err := c.backend.List(userKeyPrefix)
	if err != nil {
		return 0, fmt.Errorf("credential store: count: %w", err)
	}
	return len(keys), nil
}

func decodeUser(handle string, data []byte) (*ceremony.UserRecord, error) {
	var user ceremony.UserRecord
	if err := json.Unmarshal(data, &user); err != nil {
		return nil, fmt.Errorf("credential store: decode %q: %w", handle, err)
	}
	return &user, nil
}
