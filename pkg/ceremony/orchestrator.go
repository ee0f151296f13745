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
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/google/uuid"
)

// Orchestrator drives registration and login ceremonies. It owns the
// session-bound challenge lifecycle and the invariants the verifier cannot
// see: handle uniqueness, single-use challenges, and signature counter
// monotonicity.
type Orchestrator struct {
	config   *Config
	creds    CredentialStore
	sessions SessionStore
	verifier Verifier
	tokens   TokenGenerator // optional
	logger   *slog.Logger
	locks    *sessionLocks
}

// Params contains dependencies for creating an Orchestrator.
type Params struct {
	// Config is the ceremony configuration (required).
	Config *Config

	// CredentialStore is the user record persistence layer (required).
	CredentialStore CredentialStore

	// SessionStore is the session persistence layer (required).
	SessionStore SessionStore

	// Verifier performs the cryptographic ceremony steps (required).
	Verifier Verifier

	// TokenGenerator is an optional post-auth token generator. If nil,
	// results carry no token.
	TokenGenerator TokenGenerator

	// Logger is optional; slog.Default() is used when nil.
	Logger *slog.Logger
}

// NewOrchestrator creates a ceremony orchestrator with the provided
// dependencies.
func NewOrchestrator(params Params) (*Orchestrator, error) {
	if params.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if params.CredentialStore == nil {
		return nil, fmt.Errorf("credential store is required")
	}
	if params.SessionStore == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if params.Verifier == nil {
		return nil, fmt.Errorf("verifier is required")
	}

	params.Config.SetDefaults()
	if err := params.Config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger := params.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Orchestrator{
		config:   params.Config,
		creds:    params.CredentialStore,
		sessions: params.SessionStore,
		verifier: params.Verifier,
		tokens:   params.TokenGenerator,
		logger:   logger,
		locks:    newSessionLocks(),
	}, nil
}

var (
	errNoPendingCeremony   = errors.New("no pending ceremony for session")
	errCeremonyMismatch    = errors.New("response does not match the pending ceremony")
	errUnknownCredential   = errors.New("credential is not registered for this user")
	errCounterRegression   = errors.New("signature counter did not advance")
	errClonedAuthenticator = errors.New("cloned authenticator suspected")
)

// BeginRegistration starts a registration ceremony for a new handle. The
// returned options carry the challenge; the same challenge is bound to the
// session and must be answered by the next CompleteCeremony call.
func (o *Orchestrator) BeginRegistration(ctx context.Context, sessionID, handle, displayName string) (*protocol.CredentialCreation, error) {
	const op = "begin registration"

	// Trim before validation so " alice" and "alice" are one account and
	// whitespace-only input reads as empty.
	handle = strings.TrimSpace(handle)
	if err := o.config.validateHandle(handle); err != nil {
		return nil, badRequest(op, err)
	}
	if err := o.config.validateDisplayName(displayName); err != nil {
		return nil, badRequest(op, err)
	}
	if displayName == "" {
		displayName = handle
	}

	unlock := o.locks.lock(sessionID)
	defer unlock()

	state, err := o.sessions.Load(ctx, sessionID)
	if err != nil {
		return nil, unavailable(op, err)
	}

	// Fail fast on taken handles. The authoritative check is the atomic
	// Create at completion time; this one only spares the user a ceremony
	// that cannot succeed.
	taken, err := o.creds.Exists(ctx, handle)
	if err != nil {
		return nil, unavailable(op, err)
	}
	if taken {
		return nil, conflict(op, ErrHandleTaken)
	}

	uid := uuid.New()
	userID := uid[:]

	options, challenge, err := o.verifier.RegistrationOptions(ctx, userID, handle, displayName, nil)
	if err != nil {
		return nil, unavailable(op, err)
	}

	// A new ceremony overwrites any unconsumed challenge.
	state.ClearPending()
	state.PendingHandle = handle
	state.PendingUserID = userID
	state.PendingDisplayName = displayName
	state.PendingChallenge = challenge

	if err := o.sessions.Save(ctx, sessionID, state); err != nil {
		return nil, unavailable(op, err)
	}

	return options, nil
}

// BeginLogin starts a login ceremony for a registered handle. When
// ObscureUnknownHandles is set, an unregistered handle yields decoy options
// indistinguishable from real ones; the ceremony then fails at completion
// the same way a wrong signature would.
func (o *Orchestrator) BeginLogin(ctx context.Context, sessionID, handle string) (*protocol.CredentialAssertion, error) {
	const op = "begin login"

	handle = strings.TrimSpace(handle)
	if err := o.config.validateHandle(handle); err != nil {
		return nil, badRequest(op, err)
	}

	unlock := o.locks.lock(sessionID)
	defer unlock()

	state, err := o.sessions.Load(ctx, sessionID)
	if err != nil {
		return nil, unavailable(op, err)
	}

	var (
		userID []byte
		allow  []AuthenticatorRecord
		decoy  bool
	)

	user, err := o.creds.Get(ctx, handle)
	switch {
	case err == nil:
		userID = user.ID
		allow = user.Authenticators
	case errors.Is(err, ErrUserNotFound):
		if !o.config.ObscureUnknownHandles {
			return nil, unauthorized(op, err)
		}
		userID, allow = decoyIdentity(handle)
		decoy = true
	default:
		return nil, unavailable(op, err)
	}

	options, challenge, err := o.verifier.AssertionOptions(ctx, userID, allow)
	if err != nil {
		return nil, unavailable(op, err)
	}

	// A decoy ceremony binds nothing: answering its challenge finds no
	// pending state and fails on the same path as a bad credential. Any
	// earlier real challenge is still overwritten.
	state.ClearPending()
	if !decoy {
		state.PendingHandle = handle
		state.PendingChallenge = challenge
	}

	if err := o.sessions.Save(ctx, sessionID, state); err != nil {
		return nil, unavailable(op, err)
	}

	return options, nil
}

// CompleteCeremony consumes the session's pending challenge and verifies
// the authenticator response against it. The challenge is discarded before
// verification, so a replayed response finds nothing to answer.
func (o *Orchestrator) CompleteCeremony(ctx context.Context, sessionID string, resp *Response) (*Result, error) {
	const op = "complete ceremony"

	if resp == nil || resp.Kind == ResponseUnknown {
		return nil, badRequest(op, errAmbiguousResponse)
	}

	unlock := o.locks.lock(sessionID)
	defer unlock()

	state, err := o.sessions.Load(ctx, sessionID)
	if err != nil {
		return nil, unavailable(op, err)
	}
	if !state.HasPending() {
		return nil, unauthorized(op, errNoPendingCeremony)
	}

	pending := state.Clone()

	// Single-use: the challenge is gone from this point on, whatever the
	// verification outcome.
	state.ClearPending()
	if err := o.sessions.Save(ctx, sessionID, state); err != nil {
		return nil, unavailable(op, err)
	}

	var result *Result
	switch resp.Kind {
	case ResponseAttestation:
		result, err = o.completeRegistration(ctx, pending, resp)
	case ResponseAssertion:
		result, err = o.completeLogin(ctx, pending, resp)
	}
	if err != nil {
		return nil, err
	}

	state.LoggedIn = true
	state.AuthenticatedHandle = result.Handle
	if err := o.sessions.Save(ctx, sessionID, state); err != nil {
		return nil, unavailable(op, err)
	}

	return result, nil
}

// completeRegistration verifies an attestation response and persists the
// new user record. Called with the session lock held and the challenge
// already consumed.
func (o *Orchestrator) completeRegistration(ctx context.Context, pending *SessionState, resp *Response) (*Result, error) {
	const op = "complete registration"

	// A registration ceremony always carries the minted user id; a login
	// ceremony never does.
	if len(pending.PendingUserID) == 0 {
		return nil, unauthorized(op, errCeremonyMismatch)
	}

	rec, err := o.verifier.VerifyRegistration(ctx, resp.Attestation, pending.PendingChallenge, pending.PendingUserID)
	if err != nil {
		return nil, o.verifyError(op, err)
	}

	now := time.Now().UTC()
	rec.CreatedAt = now

	user := &UserRecord{
		ID:             pending.PendingUserID,
		Handle:         pending.PendingHandle,
		DisplayName:    pending.PendingDisplayName,
		Authenticators: []AuthenticatorRecord{*rec},
		CreatedAt:      now,
	}

	if err := o.creds.Create(ctx, user); err != nil {
		if errors.Is(err, ErrHandleTaken) {
			return nil, conflict(op, err)
		}
		return nil, unavailable(op, err)
	}

	o.logger.Info("user registered",
		slog.String("handle", user.Handle),
		slog.Int("authenticators", len(user.Authenticators)))

	return &Result{
		Kind:   ResultRegistered,
		Handle: user.Handle,
		Token:  o.mintToken(ctx, user),
	}, nil
}

// completeLogin verifies an assertion response and advances the stored
// signature counter. Verification and counter update happen inside the
// store's per-key write lock, so concurrent logins for the same handle
// observe each other's counters.
func (o *Orchestrator) completeLogin(ctx context.Context, pending *SessionState, resp *Response) (*Result, error) {
	const op = "complete login"

	if len(pending.PendingUserID) != 0 {
		return nil, unauthorized(op, errCeremonyMismatch)
	}

	var verified *UserRecord
	err := o.creds.Update(ctx, pending.PendingHandle, func(user *UserRecord) error {
		outcome, err := o.verifier.VerifyAssertion(ctx, resp.Assertion, pending.PendingChallenge, user.ID, user.Authenticators)
		if err != nil {
			return o.verifyError(op, err)
		}

		auth := user.Authenticator(outcome.CredentialID)
		if auth == nil {
			return unauthorized(op, errUnknownCredential)
		}

		if outcome.CloneWarning {
			return unauthorized(op, errClonedAuthenticator)
		}
		// Strictly increasing, no exemptions: an authenticator that never
		// advances its counter cannot prove it is not a clone.
		if outcome.SignCount <= auth.SignCount {
			return unauthorized(op, errCounterRegression)
		}

		auth.SignCount = outcome.SignCount
		auth.UserVerified = outcome.UserVerified
		auth.BackupState = outcome.BackupState
		auth.LastUsedAt = time.Now().UTC()

		verified = user.Clone()
		return nil
	})
	if err != nil {
		var cerr *Error
		if errors.As(err, &cerr) {
			return nil, err
		}
		if errors.Is(err, ErrUserNotFound) {
			return nil, unauthorized(op, err)
		}
		return nil, unavailable(op, err)
	}

	o.logger.Info("user authenticated",
		slog.String("handle", verified.Handle))

	return &Result{
		Kind:   ResultAuthenticated,
		Handle: verified.Handle,
		Token:  o.mintToken(ctx, verified),
	}, nil
}

// Logout resets the session to the anonymous state. It never fails: a
// browser asking to leave always leaves, and store trouble is only logged.
func (o *Orchestrator) Logout(ctx context.Context, sessionID string) *Result {
	unlock := o.locks.lock(sessionID)
	defer unlock()

	state, err := o.sessions.Load(ctx, sessionID)
	if err != nil {
		o.logger.Error("logout: load session", slog.String("error", err.Error()))
		state = NewSessionState()
	}
	state.Reset()
	if err := o.sessions.Save(ctx, sessionID, state); err != nil {
		o.logger.Error("logout: save session", slog.String("error", err.Error()))
	}

	return &Result{Kind: ResultLoggedOut}
}

// Session returns a snapshot of the session's current state.
func (o *Orchestrator) Session(ctx context.Context, sessionID string) (*SessionState, error) {
	unlock := o.locks.lock(sessionID)
	defer unlock()

	state, err := o.sessions.Load(ctx, sessionID)
	if err != nil {
		return nil, unavailable("load session", err)
	}
	return state, nil
}

// Config returns the orchestrator configuration.
func (o *Orchestrator) Config() *Config {
	return o.config
}

// verifyError maps a verifier failure onto the taxonomy. Verifiers wrap
// their own failures; anything unwrapped is a rejected response.
func (o *Orchestrator) verifyError(op string, err error) error {
	var cerr *Error
	if errors.As(err, &cerr) {
		return err
	}
	return unauthorized(op, err)
}

// mintToken generates a post-auth token, logging and omitting on failure
// rather than failing a ceremony that already verified.
func (o *Orchestrator) mintToken(ctx context.Context, user *UserRecord) string {
	if o.tokens == nil {
		return ""
	}
	token, err := o.tokens.Generate(ctx, user)
	if err != nil {
		o.logger.Error("generate token",
			slog.String("handle", user.Handle),
			slog.String("error", err.Error()))
		return ""
	}
	return token
}

// decoyIdentity derives a deterministic fake identity for an unregistered
// handle, so repeated probes see the same stable credential id.
func decoyIdentity(handle string) ([]byte, []AuthenticatorRecord) {
	credID := sha256.Sum256([]byte("decoy-credential:" + handle))
	userID := sha256.Sum256([]byte("decoy-user:" + handle))
	return userID[:16], []AuthenticatorRecord{{
		CredentialID: credID[:],
	}}
}
