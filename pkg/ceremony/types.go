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
	"bytes"
	"time"
)

// UserRecord is the durable record for a registered user. It is keyed by
// Handle in the CredentialStore and always read and written as a whole.
type UserRecord struct {
	// ID is the opaque internal user identifier (the WebAuthn user handle).
	// Generated randomly at registration time, never derived from the
	// human-chosen handle.
	ID []byte `json:"id"`

	// Handle is the human-chosen identifier, unique and immutable once
	// registered.
	Handle string `json:"handle"`

	// DisplayName is the name presented to authenticators.
	DisplayName string `json:"display_name"`

	// Authenticators holds the registered credentials. Non-empty after a
	// successful registration ceremony.
	Authenticators []AuthenticatorRecord `json:"authenticators"`

	// CreatedAt is when the first registration ceremony completed.
	CreatedAt time.Time `json:"created_at"`
}

// Clone returns a deep copy. Stores hand out clones so no caller holds a
// long-lived mutable alias to persisted state.
func (u *UserRecord) Clone() *UserRecord {
	if u == nil {
		return nil
	}
	cp := *u
	cp.ID = append([]byte(nil), u.ID...)
	cp.Authenticators = make([]AuthenticatorRecord, len(u.Authenticators))
	for i := range u.Authenticators {
		cp.Authenticators[i] = *u.Authenticators[i].Clone()
	}
	return &cp
}

// Authenticator returns the record whose credential id is a byte-exact match
// for credID, or nil.
func (u *UserRecord) Authenticator(credID []byte) *AuthenticatorRecord {
	for i := range u.Authenticators {
		if bytes.Equal(u.Authenticators[i].CredentialID, credID) {
			return &u.Authenticators[i]
		}
	}
	return nil
}

// AuthenticatorRecord is the credential material stored per authenticator.
// Created only by a successful registration ceremony; its SignCount is
// advanced only by a successful login ceremony.
type AuthenticatorRecord struct {
	// CredentialID is the identifier assigned by the authenticator,
	// globally unique per credential.
	CredentialID []byte `json:"credential_id"`

	// PublicKey is the verification key in COSE format, opaque to this
	// package.
	PublicKey []byte `json:"public_key"`

	// AttestationType records the attestation conveyed at registration.
	AttestationType string `json:"attestation_type,omitempty"`

	// Transports lists the transport hints reported by the authenticator.
	Transports []string `json:"transports,omitempty"`

	// AAGUID identifies the authenticator model.
	AAGUID []byte `json:"aaguid,omitempty"`

	// SignCount is the signature counter used for clone detection. A login
	// whose reported counter is not greater than this value is rejected.
	SignCount uint32 `json:"sign_count"`

	// UserVerified records whether the user was verified at registration.
	UserVerified bool `json:"user_verified,omitempty"`

	// BackupEligible and BackupState carry the authenticator backup flags.
	BackupEligible bool `json:"backup_eligible,omitempty"`
	BackupState    bool `json:"backup_state,omitempty"`

	// CreatedAt is when the registration ceremony completed.
	CreatedAt time.Time `json:"created_at"`

	// LastUsedAt is when the credential last completed a login ceremony.
	LastUsedAt time.Time `json:"last_used_at,omitempty"`
}

// Clone returns a deep copy.
func (a *AuthenticatorRecord) Clone() *AuthenticatorRecord {
	if a == nil {
		return nil
	}
	cp := *a
	cp.CredentialID = append([]byte(nil), a.CredentialID...)
	cp.PublicKey = append([]byte(nil), a.PublicKey...)
	cp.AAGUID = append([]byte(nil), a.AAGUID...)
	cp.Transports = append([]string(nil), a.Transports...)
	return &cp
}

// SessionState is the ephemeral per-browser ceremony state, keyed by an
// opaque session identifier supplied by the transport. At most one pending
// challenge exists per session; starting a new ceremony overwrites any
// unconsumed one.
type SessionState struct {
	// LoggedIn reports whether the session completed a ceremony.
	LoggedIn bool `json:"logged_in"`

	// AuthenticatedHandle is the handle of the logged-in user, set only
	// while LoggedIn is true.
	AuthenticatedHandle string `json:"authenticated_handle,omitempty"`

	// PendingHandle is the candidate identity bound to the outstanding
	// challenge.
	PendingHandle string `json:"pending_handle,omitempty"`

	// PendingUserID is the internal user id minted at BeginRegistration.
	// Empty for login ceremonies.
	PendingUserID []byte `json:"pending_user_id,omitempty"`

	// PendingDisplayName is the display name supplied at BeginRegistration,
	// persisted to the user record when the ceremony completes.
	PendingDisplayName string `json:"pending_display_name,omitempty"`

	// PendingChallenge is the outstanding challenge, base64url-encoded.
	// Discarded on first consumption, successful or not.
	PendingChallenge string `json:"pending_challenge,omitempty"`
}

// NewSessionState returns the default state for a browser with no prior
// contact.
func NewSessionState() *SessionState {
	return &SessionState{}
}

// HasPending reports whether a ceremony was started and not yet consumed.
func (s *SessionState) HasPending() bool {
	return s.PendingHandle != "" && s.PendingChallenge != ""
}

// ClearPending discards the outstanding challenge and its bound identity.
func (s *SessionState) ClearPending() {
	s.PendingHandle = ""
	s.PendingUserID = nil
	s.PendingDisplayName = ""
	s.PendingChallenge = ""
}

// Reset returns the session to the anonymous default.
func (s *SessionState) Reset() {
	s.LoggedIn = false
	s.AuthenticatedHandle = ""
	s.ClearPending()
}

// Clone returns a deep copy.
func (s *SessionState) Clone() *SessionState {
	if s == nil {
		return nil
	}
	cp := *s
	cp.PendingUserID = append([]byte(nil), s.PendingUserID...)
	return &cp
}

// ResultKind discriminates ceremony outcomes.
type ResultKind string

const (
	// ResultRegistered indicates a completed registration ceremony.
	ResultRegistered ResultKind = "registered"

	// ResultAuthenticated indicates a completed login ceremony.
	ResultAuthenticated ResultKind = "authenticated"

	// ResultLoggedOut indicates a logout.
	ResultLoggedOut ResultKind = "logged_out"
)

// Result is returned by a successful ceremony step.
type Result struct {
	// Kind reports which ceremony completed.
	Kind ResultKind `json:"kind"`

	// Handle is the user handle the session is now authenticated as.
	// Empty after logout.
	Handle string `json:"handle,omitempty"`

	// Token is an optional post-authentication token, present when the
	// orchestrator was configured with a token generator.
	Token string `json:"token,omitempty"`
}
