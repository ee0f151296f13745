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

	"github.com/go-webauthn/webauthn/protocol"
)

// CredentialStore persists user records keyed by handle. Implementations
// must be safe for concurrent use and must never return aliased internal
// state to callers.
type CredentialStore interface {
	// Get returns the user record for handle, or ErrUserNotFound.
	Get(ctx context.Context, handle string) (*UserRecord, error)

	// Exists reports whether a record exists for handle.
	Exists(ctx context.Context, handle string) (bool, error)

	// Create stores a new record if and only if no record exists for the
	// handle. A record already present fails with ErrHandleTaken; the
	// check and the insert are a single atomic step.
	Create(ctx context.Context, user *UserRecord) error

	// Update applies fn to the record for handle under the store's write
	// lock for that key and persists the mutated record if fn returns nil.
	// An error from fn aborts the update and passes through unchanged.
	// A missing record fails with ErrUserNotFound.
	Update(ctx context.Context, handle string, fn func(*UserRecord) error) error
}

// SessionStore persists per-session ceremony state keyed by an opaque
// transport-assigned session id.
type SessionStore interface {
	// Load returns the state for the session id. An unknown id yields a
	// fresh zero-value state, never an error.
	Load(ctx context.Context, sessionID string) (*SessionState, error)

	// Save persists the state for the session id.
	Save(ctx context.Context, sessionID string, state *SessionState) error

	// Clear removes the state for the session id. Clearing an unknown id
	// is not an error.
	Clear(ctx context.Context, sessionID string) error
}

// AssertionOutcome is what a verified assertion yields: everything the
// orchestrator needs to enforce its own invariants and update the stored
// authenticator.
type AssertionOutcome struct {
	CredentialID []byte
	SignCount    uint32
	UserVerified bool
	BackupState  bool
	CloneWarning bool
}

// Verifier performs the cryptographic half of each ceremony. The
// orchestrator treats it as a black box: it produces challenges bound to
// publicly-visible options, and verifies responses against a previously
// issued challenge. It never touches the stores.
type Verifier interface {
	// RegistrationOptions produces credential-creation options for a new
	// user plus the challenge the response must answer. Credentials in
	// exclude are listed so the authenticator refuses to re-register.
	RegistrationOptions(ctx context.Context, userID []byte, name, displayName string, exclude []AuthenticatorRecord) (*protocol.CredentialCreation, string, error)

	// AssertionOptions produces credential-request options scoped to the
	// allowed credentials plus the challenge the response must answer.
	AssertionOptions(ctx context.Context, userID []byte, allow []AuthenticatorRecord) (*protocol.CredentialAssertion, string, error)

	// VerifyRegistration validates an attestation response against the
	// stored challenge and returns the authenticator to persist.
	VerifyRegistration(ctx context.Context, response *protocol.ParsedCredentialCreationData, challenge string, userID []byte) (*AuthenticatorRecord, error)

	// VerifyAssertion validates an assertion response against the stored
	// challenge and the user's registered authenticators.
	VerifyAssertion(ctx context.Context, response *protocol.ParsedCredentialAssertionData, challenge string, userID []byte, stored []AuthenticatorRecord) (*AssertionOutcome, error)
}

// TokenGenerator mints a post-authentication token for a verified user.
// Implementations that cannot mint (missing key material, clock skew)
// return an error; the orchestrator logs and omits the token rather than
// failing the ceremony.
type TokenGenerator interface {
	Generate(ctx context.Context, user *UserRecord) (string, error)
}
