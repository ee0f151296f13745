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

// Package verifier adapts the go-webauthn library to the ceremony.Verifier
// contract. It is stateless: challenges come back to it through the
// orchestrator, never through its own storage.
package verifier

import (
	"context"
	"fmt"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/jeremyhahn/go-passkey/pkg/ceremony"
)

// Adapter implements ceremony.Verifier on top of go-webauthn.
type Adapter struct {
	wa     *webauthn.WebAuthn
	config *Config
}

// New creates a verifier adapter from the relying-party configuration.
func New(config *Config) (*Adapter, error) {
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}

	config.SetDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	wa, err := webauthn.New(config.toWebAuthnConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create webauthn instance: %w", err)
	}

	return &Adapter{wa: wa, config: config}, nil
}

// Config returns the verifier configuration.
func (a *Adapter) Config() *Config {
	return a.config
}

// ceremonyUser satisfies webauthn.User for the duration of a single call.
type ceremonyUser struct {
	id          []byte
	name        string
	displayName string
	credentials []webauthn.Credential
}

func (u *ceremonyUser) WebAuthnID() []byte                         { return u.id }
func (u *ceremonyUser) WebAuthnName() string                       { return u.name }
func (u *ceremonyUser) WebAuthnDisplayName() string                { return u.displayName }
func (u *ceremonyUser) WebAuthnCredentials() []webauthn.Credential { return u.credentials }

// toLibraryCredential converts a stored authenticator record into the
// library's credential shape.
func toLibraryCredential(rec ceremony.AuthenticatorRecord) webauthn.Credential {
	transports := make([]protocol.AuthenticatorTransport, len(rec.Transports))
	for i, tr := range rec.Transports {
		transports[i] = protocol.AuthenticatorTransport(tr)
	}
	return webauthn.Credential{
		ID:              rec.CredentialID,
		PublicKey:       rec.PublicKey,
		AttestationType: rec.AttestationType,
		Transport:       transports,
		Flags: webauthn.CredentialFlags{
			UserPresent:    true,
			UserVerified:   rec.UserVerified,
			BackupEligible: rec.BackupEligible,
			BackupState:    rec.BackupState,
		},
		Authenticator: webauthn.Authenticator{
			AAGUID:    rec.AAGUID,
			SignCount: rec.SignCount,
		},
	}
}

// fromLibraryCredential converts a freshly verified library credential into
// the stored record shape.
func fromLibraryCredential(cred *webauthn.Credential) *ceremony.AuthenticatorRecord {
	transports := make([]string, len(cred.Transport))
	for i, tr := range cred.Transport {
		transports[i] = string(tr)
	}
	return &ceremony.AuthenticatorRecord{
		CredentialID:    cred.ID,
		PublicKey:       cred.PublicKey,
		AttestationType: cred.AttestationType,
		Transports:      transports,
		AAGUID:          cred.Authenticator.AAGUID,
		SignCount:       cred.Authenticator.SignCount,
		UserVerified:    cred.Flags.UserVerified,
		BackupEligible:  cred.Flags.BackupEligible,
		BackupState:     cred.Flags.BackupState,
	}
}

// RegistrationOptions produces credential-creation options and the
// challenge bound to them.
func (a *Adapter) RegistrationOptions(ctx context.Context, userID []byte, name, displayName string, exclude []ceremony.AuthenticatorRecord) (*protocol.CredentialCreation, string, error) {
	user := &ceremonyUser{id: userID, name: name, displayName: displayName}

	exclusions := make([]protocol.CredentialDescriptor, len(exclude))
	for i, rec := range exclude {
		cred := toLibraryCredential(rec)
		exclusions[i] = cred.Descriptor()
	}

	options, session, err := a.wa.BeginRegistration(user,
		webauthn.WithExclusions(exclusions),
	)
	if err != nil {
		return nil, "", fmt.Errorf("begin registration: %w", err)
	}

	return options, session.Challenge, nil
}

// AssertionOptions produces credential-request options scoped to the
// allowed credentials and the challenge bound to them.
func (a *Adapter) AssertionOptions(ctx context.Context, userID []byte, allow []ceremony.AuthenticatorRecord) (*protocol.CredentialAssertion, string, error) {
	user := &ceremonyUser{id: userID, name: "user", displayName: "user"}
	for _, rec := range allow {
		user.credentials = append(user.credentials, toLibraryCredential(rec))
	}

	options, session, err := a.wa.BeginLogin(user)
	if err != nil {
		return nil, "", fmt.Errorf("begin login: %w", err)
	}

	return options, session.Challenge, nil
}

// VerifyRegistration validates an attestation response against a
// previously issued challenge.
func (a *Adapter) VerifyRegistration(ctx context.Context, response *protocol.ParsedCredentialCreationData, challenge string, userID []byte) (*ceremony.AuthenticatorRecord, error) {
	user := &ceremonyUser{id: userID}
	session := webauthn.SessionData{
		Challenge:        challenge,
		RelyingPartyID:   a.config.RPID,
		UserID:           userID,
		Expires:          time.Now().Add(a.config.Timeout),
		UserVerification: a.config.userVerification(),
	}

	cred, err := a.wa.CreateCredential(user, session, response)
	if err != nil {
		return nil, fmt.Errorf("verify attestation: %w", err)
	}

	return fromLibraryCredential(cred), nil
}

// VerifyAssertion validates an assertion response against a previously
// issued challenge and the user's registered authenticators.
func (a *Adapter) VerifyAssertion(ctx context.Context, response *protocol.ParsedCredentialAssertionData, challenge string, userID []byte, stored []ceremony.AuthenticatorRecord) (*ceremony.AssertionOutcome, error) {
	user := &ceremonyUser{id: userID}
	allowed := make([][]byte, len(stored))
	for i, rec := range stored {
		user.credentials = append(user.credentials, toLibraryCredential(rec))
		allowed[i] = rec.CredentialID
	}

	session := webauthn.SessionData{
		Challenge:            challenge,
		RelyingPartyID:       a.config.RPID,
		UserID:               userID,
		AllowedCredentialIDs: allowed,
		Expires:              time.Now().Add(a.config.Timeout),
		UserVerification:     a.config.userVerification(),
	}

	cred, err := a.wa.ValidateLogin(user, session, response)
	if err != nil {
		return nil, fmt.Errorf("verify assertion: %w", err)
	}

	return &ceremony.AssertionOutcome{
		CredentialID: cred.ID,
		SignCount:    cred.Authenticator.SignCount,
		UserVerified: response.Response.AuthenticatorData.Flags.HasUserVerified(),
		BackupState:  response.Response.AuthenticatorData.Flags.HasBackupState(),
		CloneWarning: cred.Authenticator.CloneWarning,
	}, nil
}
