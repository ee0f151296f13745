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
	"errors"
	"fmt"
)

// Error taxonomy exposed to callers. Every failure surfaced by the
// orchestrator wraps exactly one of these four sentinels so transports can
// map errors to a status without inspecting internals.
var (
	// ErrBadRequest is returned for malformed or missing input, including
	// a ceremony response whose shape is neither attestation nor assertion.
	ErrBadRequest = errors.New("bad request")

	// ErrUnauthorized is returned for an unknown user at login, a missing or
	// expired pending ceremony, a failed verification, or a signature counter
	// violation. The message carries no detail about which check failed.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrConflict is returned when a registration targets a handle that
	// already exists.
	ErrConflict = errors.New("conflict")

	// ErrUnavailable is returned when a store or the verifier fails with an
	// I/O error. The ceremony step is retriable by the caller.
	ErrUnavailable = errors.New("service unavailable")
)

// Store-level sentinels. These are wrapped into the taxonomy above before
// leaving the orchestrator.
var (
	// ErrUserNotFound is returned by a CredentialStore when no record exists
	// for a handle.
	ErrUserNotFound = errors.New("user not found")

	// ErrHandleTaken is returned by CredentialStore.Create when a record for
	// the handle already exists.
	ErrHandleTaken = errors.New("handle already registered")
)

// Error wraps a failure with the operation that produced it and the taxonomy
// sentinel it maps to. The underlying cause stays available for internal
// logging; the Kind is what callers should match on.
type Error struct {
	Op   string // operation that failed
	Kind error  // one of the taxonomy sentinels
	Err  error  // underlying cause, may be nil
}

// Error returns the message. The underlying cause is included so server-side
// logs stay useful; transports must expose only the Kind to clients.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Kind)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether the target matches this error's taxonomy kind.
func (e *Error) Is(target error) bool {
	return errors.Is(e.Kind, target)
}

func badRequest(op string, err error) error {
	return &Error{Op: op, Kind: ErrBadRequest, Err: err}
}

func unauthorized(op string, err error) error {
	return &Error{Op: op, Kind: ErrUnauthorized, Err: err}
}

func conflict(op string, err error) error {
	return &Error{Op: op, Kind: ErrConflict, Err: err}
}

func unavailable(op string, err error) error {
	return &Error{Op: op, Kind: ErrUnavailable, Err: err}
}

// IsBadRequest returns true if the error maps to a malformed request.
func IsBadRequest(err error) bool {
	return errors.Is(err, ErrBadRequest)
}

// IsUnauthorized returns true if the error maps to a failed or missing
// authentication.
func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}

// IsConflict returns true if the error maps to a duplicate registration.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsUnavailable returns true if the error maps to a store or verifier
// outage.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
