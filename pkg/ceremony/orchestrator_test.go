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
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeVerifier implements Verifier without any cryptography. Options calls
// hand out sequential challenges; verify calls accept a response whose
// embedded client-data challenge matches the one bound to the session.
type fakeVerifier struct {
	seq         int
	challenges  []string
	beginErr    error
	verifyErr   error
	nextOutcome *AssertionOutcome
	lastAllow   []AuthenticatorRecord
}

func (f *fakeVerifier) nextChallenge() string {
	f.seq++
	ch := fmt.Sprintf("challenge-%d", f.seq)
	f.challenges = append(f.challenges, ch)
	return ch
}

func (f *fakeVerifier) lastChallenge() string {
	return f.challenges[len(f.challenges)-1]
}

func (f *fakeVerifier) RegistrationOptions(ctx context.Context, userID []byte, name, displayName string, exclude []AuthenticatorRecord) (*protocol.CredentialCreation, string, error) {
	if f.beginErr != nil {
		return nil, "", f.beginErr
	}
	ch := f.nextChallenge()
	options := &protocol.CredentialCreation{}
	options.Response.Challenge = protocol.URLEncodedBase64(ch)
	return options, ch, nil
}

func (f *fakeVerifier) AssertionOptions(ctx context.Context, userID []byte, allow []AuthenticatorRecord) (*protocol.CredentialAssertion, string, error) {
	if f.beginErr != nil {
		return nil, "", f.beginErr
	}
	f.lastAllow = append([]AuthenticatorRecord(nil), allow...)
	ch := f.nextChallenge()
	options := &protocol.CredentialAssertion{}
	options.Response.Challenge = protocol.URLEncodedBase64(ch)
	for _, a := range allow {
		options.Response.AllowedCredentials = append(options.Response.AllowedCredentials, protocol.CredentialDescriptor{
			Type:         protocol.PublicKeyCredentialType,
			CredentialID: a.CredentialID,
		})
	}
	return options, ch, nil
}

func (f *fakeVerifier) VerifyRegistration(ctx context.Context, response *protocol.ParsedCredentialCreationData, challenge string, userID []byte) (*AuthenticatorRecord, error) {
	if f.verifyErr != nil {
		return nil, f.verifyErr
	}
	if response.Response.CollectedClientData.Challenge != challenge {
		return nil, errors.New("challenge mismatch")
	}
	return &AuthenticatorRecord{
		CredentialID: response.RawID,
		PublicKey:    []byte("test-public-key"),
	}, nil
}

func (f *fakeVerifier) VerifyAssertion(ctx context.Context, response *protocol.ParsedCredentialAssertionData, challenge string, userID []byte, stored []AuthenticatorRecord) (*AssertionOutcome, error) {
	if f.verifyErr != nil {
		return nil, f.verifyErr
	}
	if response.Response.CollectedClientData.Challenge != challenge {
		return nil, errors.New("challenge mismatch")
	}
	if f.nextOutcome != nil {
		out := *f.nextOutcome
		if out.CredentialID == nil {
			out.CredentialID = response.RawID
		}
		return &out, nil
	}
	var prev uint32
	for _, a := range stored {
		if string(a.CredentialID) == string(response.RawID) {
			prev = a.SignCount
		}
	}
	return &AssertionOutcome{
		CredentialID: response.RawID,
		SignCount:    prev + 1,
		UserVerified: true,
	}, nil
}

func attestationResponse(challenge string, credID []byte) *Response {
	parsed := &protocol.ParsedCredentialCreationData{}
	parsed.RawID = credID
	parsed.Response.CollectedClientData.Challenge = challenge
	return &Response{Kind: ResponseAttestation, Attestation: parsed}
}

func assertionResponse(challenge string, credID []byte) *Response {
	parsed := &protocol.ParsedCredentialAssertionData{}
	parsed.RawID = credID
	parsed.Response.CollectedClientData.Challenge = challenge
	return &Response{Kind: ResponseAssertion, Assertion: parsed}
}

type testEnv struct {
	orch     *Orchestrator
	verifier *fakeVerifier
	creds    *MemoryCredentialStore
	sessions *MemorySessionStore
}

func newTestEnv(t *testing.T, mutate ...func(*Params)) *testEnv {
	t.Helper()

	env := &testEnv{
		verifier: &fakeVerifier{},
		creds:    NewMemoryCredentialStore(),
		sessions: NewMemorySessionStore(0),
	}
	params := Params{
		Config:          &Config{},
		CredentialStore: env.creds,
		SessionStore:    env.sessions,
		Verifier:        env.verifier,
	}
	for _, fn := range mutate {
		fn(&params)
	}

	orch, err := NewOrchestrator(params)
	require.NoError(t, err)
	env.orch = orch
	return env
}

// register drives a full registration ceremony for handle on session.
func (e *testEnv) register(t *testing.T, ctx context.Context, session, handle string, credID []byte) *Result {
	t.Helper()

	_, err := e.orch.BeginRegistration(ctx, session, handle, handle)
	require.NoError(t, err)

	result, err := e.orch.CompleteCeremony(ctx, session, attestationResponse(e.verifier.lastChallenge(), credID))
	require.NoError(t, err)
	require.Equal(t, ResultRegistered, result.Kind)
	return result
}

func TestNewOrchestrator(t *testing.T) {
	verifier := &fakeVerifier{}
	creds := NewMemoryCredentialStore()
	sessions := NewMemorySessionStore(0)

	tests := []struct {
		name    string
		params  Params
		wantErr string
	}{
		{
			name:    "nil config",
			params:  Params{},
			wantErr: "config is required",
		},
		{
			name:    "nil credential store",
			params:  Params{Config: &Config{}},
			wantErr: "credential store is required",
		},
		{
			name:    "nil session store",
			params:  Params{Config: &Config{}, CredentialStore: creds},
			wantErr: "session store is required",
		},
		{
			name:    "nil verifier",
			params:  Params{Config: &Config{}, CredentialStore: creds, SessionStore: sessions},
			wantErr: "verifier is required",
		},
		{
			name:    "invalid config",
			params:  Params{Config: &Config{SessionTTL: -1}, CredentialStore: creds, SessionStore: sessions, Verifier: verifier},
			wantErr: "invalid config",
		},
		{
			name:   "valid params",
			params: Params{Config: &Config{}, CredentialStore: creds, SessionStore: sessions, Verifier: verifier},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			orch, err := NewOrchestrator(tt.params)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, orch)
		})
	}
}

func TestRegistrationFlow(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	options, err := env.orch.BeginRegistration(ctx, "sess-1", "alice", "Alice")
	require.NoError(t, err)
	require.NotNil(t, options)
	assert.NotEmpty(t, options.Response.Challenge)

	result, err := env.orch.CompleteCeremony(ctx, "sess-1", attestationResponse(env.verifier.lastChallenge(), []byte("cred-alice")))
	require.NoError(t, err)
	assert.Equal(t, ResultRegistered, result.Kind)
	assert.Equal(t, "alice", result.Handle)
	assert.Empty(t, result.Token) // no token generator configured

	user, err := env.creds.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "Alice", user.DisplayName)
	require.Len(t, user.Authenticators, 1)
	assert.Equal(t, []byte("cred-alice"), user.Authenticators[0].CredentialID)
	assert.Equal(t, uint32(0), user.Authenticators[0].SignCount)
	assert.False(t, user.CreatedAt.IsZero())

	state, err := env.orch.Session(ctx, "sess-1")
	require.NoError(t, err)
	assert.True(t, state.LoggedIn)
	assert.Equal(t, "alice", state.AuthenticatedHandle)
	assert.False(t, state.HasPending())
}

func TestRegistrationWithToken(t *testing.T) {
	ctx := context.Background()

	jwtGen, err := NewJWTGenerator(&JWTGeneratorConfig{Key: []byte("test-signing-key")})
	require.NoError(t, err)

	env := newTestEnv(t, func(p *Params) {
		p.TokenGenerator = jwtGen
	})

	result := env.register(t, ctx, "sess-1", "alice", []byte("cred-alice"))
	require.NotEmpty(t, result.Token)

	claims, err := jwtGen.Verify(result.Token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims["username"])
}

func TestBeginRegistrationValidation(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	tests := []struct {
		name        string
		handle      string
		displayName string
	}{
		{name: "empty handle"},
		{name: "whitespace-only handle", handle: "   \t\n"},
		{name: "oversized handle", handle: string(make([]byte, 100))},
		{name: "invalid utf8 handle", handle: "al\xffice"},
		{name: "oversized display name", handle: "alice", displayName: string(make([]byte, 200))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.orch.BeginRegistration(ctx, "sess-1", tt.handle, tt.displayName)
			assert.True(t, IsBadRequest(err), "got %v", err)
		})
	}
}

func TestHandleTrimming(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	// Surrounding whitespace never creates a distinct account.
	env.register(t, ctx, "sess-1", "  alice  ", []byte("cred-1"))

	user, err := env.creds.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", user.Handle)

	_, err = env.orch.BeginRegistration(ctx, "sess-2", " alice", "Alice")
	assert.True(t, IsConflict(err), "got %v", err)

	// Login accepts the padded spelling of a registered handle.
	_, err = env.orch.BeginLogin(ctx, "sess-3", "alice ")
	require.NoError(t, err)
	result, err := env.orch.CompleteCeremony(ctx, "sess-3", assertionResponse(env.verifier.lastChallenge(), []byte("cred-1")))
	require.NoError(t, err)
	assert.Equal(t, "alice", result.Handle)
}

func TestBeginRegistrationTakenHandle(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	env.register(t, ctx, "sess-1", "alice", []byte("cred-1"))

	_, err := env.orch.BeginRegistration(ctx, "sess-2", "alice", "Alice Again")
	assert.True(t, IsConflict(err), "got %v", err)
}

func TestDuplicateRegistrationLosesAtCompletion(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	// Both sessions begin before either completes, so both pass the
	// fail-fast existence check.
	_, err := env.orch.BeginRegistration(ctx, "sess-a", "bob", "Bob")
	require.NoError(t, err)
	challengeA := env.verifier.lastChallenge()

	_, err = env.orch.BeginRegistration(ctx, "sess-b", "bob", "Bob")
	require.NoError(t, err)
	challengeB := env.verifier.lastChallenge()

	result, err := env.orch.CompleteCeremony(ctx, "sess-a", attestationResponse(challengeA, []byte("cred-a")))
	require.NoError(t, err)
	assert.Equal(t, ResultRegistered, result.Kind)

	_, err = env.orch.CompleteCeremony(ctx, "sess-b", attestationResponse(challengeB, []byte("cred-b")))
	assert.True(t, IsConflict(err), "got %v", err)

	// The winner's record is intact.
	user, err := env.creds.Get(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, user.Authenticators, 1)
	assert.Equal(t, []byte("cred-a"), user.Authenticators[0].CredentialID)
}

func TestCompleteWithoutPending(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	_, err := env.orch.CompleteCeremony(ctx, "sess-1", attestationResponse("challenge-0", []byte("cred")))
	assert.True(t, IsUnauthorized(err), "got %v", err)
}

func TestChallengeIsSingleUse(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	env.register(t, ctx, "sess-1", "alice", []byte("cred-1"))

	// Replaying the exact response that just succeeded finds no pending
	// challenge.
	replay := attestationResponse(env.verifier.lastChallenge(), []byte("cred-1"))
	_, err := env.orch.CompleteCeremony(ctx, "sess-1", replay)
	assert.True(t, IsUnauthorized(err), "got %v", err)
}

func TestFailedCompletionConsumesChallenge(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	_, err := env.orch.BeginRegistration(ctx, "sess-1", "alice", "Alice")
	require.NoError(t, err)
	challenge := env.verifier.lastChallenge()

	// Wrong challenge fails verification.
	_, err = env.orch.CompleteCeremony(ctx, "sess-1", attestationResponse("stale", []byte("cred-1")))
	assert.True(t, IsUnauthorized(err), "got %v", err)

	// The real challenge was still consumed by the failed attempt.
	_, err = env.orch.CompleteCeremony(ctx, "sess-1", attestationResponse(challenge, []byte("cred-1")))
	assert.True(t, IsUnauthorized(err), "got %v", err)
}

func TestSecondBeginReplacesChallenge(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	_, err := env.orch.BeginRegistration(ctx, "sess-1", "alice", "Alice")
	require.NoError(t, err)
	first := env.verifier.lastChallenge()

	_, err = env.orch.BeginRegistration(ctx, "sess-1", "alice", "Alice")
	require.NoError(t, err)
	second := env.verifier.lastChallenge()
	require.NotEqual(t, first, second)

	// Only the second challenge is answerable.
	result, err := env.orch.CompleteCeremony(ctx, "sess-1", attestationResponse(second, []byte("cred-1")))
	require.NoError(t, err)
	assert.Equal(t, ResultRegistered, result.Kind)
}

func TestSecondBeginInvalidatesFirstChallenge(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	_, err := env.orch.BeginRegistration(ctx, "sess-1", "alice", "Alice")
	require.NoError(t, err)
	first := env.verifier.lastChallenge()

	_, err = env.orch.BeginRegistration(ctx, "sess-1", "alice", "Alice")
	require.NoError(t, err)

	_, err = env.orch.CompleteCeremony(ctx, "sess-1", attestationResponse(first, []byte("cred-1")))
	assert.True(t, IsUnauthorized(err), "got %v", err)
}

func TestLoginFlow(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	env.register(t, ctx, "sess-reg", "alice", []byte("cred-1"))

	options, err := env.orch.BeginLogin(ctx, "sess-login", "alice")
	require.NoError(t, err)
	require.Len(t, options.Response.AllowedCredentials, 1)
	assert.Equal(t, []byte("cred-1"), []byte(options.Response.AllowedCredentials[0].CredentialID))

	result, err := env.orch.CompleteCeremony(ctx, "sess-login", assertionResponse(env.verifier.lastChallenge(), []byte("cred-1")))
	require.NoError(t, err)
	assert.Equal(t, ResultAuthenticated, result.Kind)
	assert.Equal(t, "alice", result.Handle)

	user, err := env.creds.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, uint32(1), user.Authenticators[0].SignCount)
	assert.False(t, user.Authenticators[0].LastUsedAt.IsZero())

	state, err := env.orch.Session(ctx, "sess-login")
	require.NoError(t, err)
	assert.True(t, state.LoggedIn)
	assert.Equal(t, "alice", state.AuthenticatedHandle)
}

func TestLoginUnknownHandle(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	_, err := env.orch.BeginLogin(ctx, "sess-1", "nobody")
	require.True(t, IsUnauthorized(err), "got %v", err)

	// The store sentinel must not leak as anything but Unauthorized.
	assert.False(t, IsBadRequest(err))
	assert.False(t, IsConflict(err))
}

func TestObscureUnknownHandles(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, func(p *Params) {
		p.Config.ObscureUnknownHandles = true
	})

	options, err := env.orch.BeginLogin(ctx, "sess-1", "nobody")
	require.NoError(t, err)
	require.Len(t, options.Response.AllowedCredentials, 1)
	decoy := options.Response.AllowedCredentials[0].CredentialID

	// The decoy is stable across probes.
	again, err := env.orch.BeginLogin(ctx, "sess-2", "nobody")
	require.NoError(t, err)
	assert.Equal(t, decoy, again.Response.AllowedCredentials[0].CredentialID)

	// A decoy ceremony binds no session state.
	state, err := env.orch.Session(ctx, "sess-1")
	require.NoError(t, err)
	assert.False(t, state.HasPending())

	// Completing the decoy ceremony fails exactly like a bad signature.
	_, err = env.orch.CompleteCeremony(ctx, "sess-1",
		assertionResponse(env.verifier.challenges[len(env.verifier.challenges)-2], []byte(decoy)))
	assert.True(t, IsUnauthorized(err), "got %v", err)
}

func TestCounterRegressionRejected(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	env.register(t, ctx, "sess-reg", "carol", []byte("cred-c"))

	// Advance the stored counter to 5.
	env.verifier.nextOutcome = &AssertionOutcome{SignCount: 5, UserVerified: true}
	_, err := env.orch.BeginLogin(ctx, "sess-1", "carol")
	require.NoError(t, err)
	_, err = env.orch.CompleteCeremony(ctx, "sess-1", assertionResponse(env.verifier.lastChallenge(), []byte("cred-c")))
	require.NoError(t, err)

	tests := []struct {
		name      string
		signCount uint32
	}{
		{name: "regressed counter", signCount: 3},
		{name: "equal counter", signCount: 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env.verifier.nextOutcome = &AssertionOutcome{SignCount: tt.signCount, UserVerified: true}
			_, err := env.orch.BeginLogin(ctx, "sess-2", "carol")
			require.NoError(t, err)
			_, err = env.orch.CompleteCeremony(ctx, "sess-2", assertionResponse(env.verifier.lastChallenge(), []byte("cred-c")))
			assert.True(t, IsUnauthorized(err), "got %v", err)

			// Failed logins never move the counter.
			user, err := env.creds.Get(ctx, "carol")
			require.NoError(t, err)
			assert.Equal(t, uint32(5), user.Authenticators[0].SignCount)
		})
	}

	// A counter that finally advances is accepted again.
	env.verifier.nextOutcome = &AssertionOutcome{SignCount: 6, UserVerified: true}
	_, err = env.orch.BeginLogin(ctx, "sess-3", "carol")
	require.NoError(t, err)
	_, err = env.orch.CompleteCeremony(ctx, "sess-3", assertionResponse(env.verifier.lastChallenge(), []byte("cred-c")))
	require.NoError(t, err)

	user, err := env.creds.Get(ctx, "carol")
	require.NoError(t, err)
	assert.Equal(t, uint32(6), user.Authenticators[0].SignCount)
}

func TestZeroCounterAuthenticatorRejected(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	env.register(t, ctx, "sess-reg", "dave", []byte("cred-d"))

	// A stored counter of zero grants no exemption: a login reporting zero
	// again is a counter that failed to advance and must be rejected.
	env.verifier.nextOutcome = &AssertionOutcome{SignCount: 0, UserVerified: true}
	_, err := env.orch.BeginLogin(ctx, "sess-1", "dave")
	require.NoError(t, err)
	_, err = env.orch.CompleteCeremony(ctx, "sess-1", assertionResponse(env.verifier.lastChallenge(), []byte("cred-d")))
	assert.True(t, IsUnauthorized(err), "got %v", err)

	user, err := env.creds.Get(ctx, "dave")
	require.NoError(t, err)
	assert.Equal(t, uint32(0), user.Authenticators[0].SignCount)

	// A counter that does advance past zero is accepted.
	env.verifier.nextOutcome = &AssertionOutcome{SignCount: 1, UserVerified: true}
	_, err = env.orch.BeginLogin(ctx, "sess-2", "dave")
	require.NoError(t, err)
	result, err := env.orch.CompleteCeremony(ctx, "sess-2", assertionResponse(env.verifier.lastChallenge(), []byte("cred-d")))
	require.NoError(t, err)
	assert.Equal(t, ResultAuthenticated, result.Kind)
}

func TestCloneWarningRejected(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	env.register(t, ctx, "sess-reg", "erin", []byte("cred-e"))

	env.verifier.nextOutcome = &AssertionOutcome{SignCount: 10, CloneWarning: true}
	_, err := env.orch.BeginLogin(ctx, "sess-1", "erin")
	require.NoError(t, err)
	_, err = env.orch.CompleteCeremony(ctx, "sess-1", assertionResponse(env.verifier.lastChallenge(), []byte("cred-e")))
	assert.True(t, IsUnauthorized(err), "got %v", err)
}

func TestUnknownCredentialRejected(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	env.register(t, ctx, "sess-reg", "frank", []byte("cred-f"))

	_, err := env.orch.BeginLogin(ctx, "sess-1", "frank")
	require.NoError(t, err)
	_, err = env.orch.CompleteCeremony(ctx, "sess-1", assertionResponse(env.verifier.lastChallenge(), []byte("cred-other")))
	assert.True(t, IsUnauthorized(err), "got %v", err)
}

func TestCeremonyKindMismatch(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	env.register(t, ctx, "sess-reg", "alice", []byte("cred-1"))

	t.Run("assertion answers registration", func(t *testing.T) {
		_, err := env.orch.BeginRegistration(ctx, "sess-1", "grace", "Grace")
		require.NoError(t, err)
		_, err = env.orch.CompleteCeremony(ctx, "sess-1", assertionResponse(env.verifier.lastChallenge(), []byte("cred-1")))
		assert.True(t, IsUnauthorized(err), "got %v", err)
	})

	t.Run("attestation answers login", func(t *testing.T) {
		_, err := env.orch.BeginLogin(ctx, "sess-2", "alice")
		require.NoError(t, err)
		_, err = env.orch.CompleteCeremony(ctx, "sess-2", attestationResponse(env.verifier.lastChallenge(), []byte("cred-2")))
		assert.True(t, IsUnauthorized(err), "got %v", err)
	})
}

func TestCompleteNilResponse(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	_, err := env.orch.CompleteCeremony(ctx, "sess-1", nil)
	assert.True(t, IsBadRequest(err), "got %v", err)

	_, err = env.orch.CompleteCeremony(ctx, "sess-1", &Response{})
	assert.True(t, IsBadRequest(err), "got %v", err)
}

func TestLogout(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	env.register(t, ctx, "sess-1", "alice", []byte("cred-1"))

	result := env.orch.Logout(ctx, "sess-1")
	assert.Equal(t, ResultLoggedOut, result.Kind)
	assert.Empty(t, result.Handle)

	state, err := env.orch.Session(ctx, "sess-1")
	require.NoError(t, err)
	assert.False(t, state.LoggedIn)
	assert.Empty(t, state.AuthenticatedHandle)

	// Logging out a session that was never seen is fine too.
	result = env.orch.Logout(ctx, "sess-unknown")
	assert.Equal(t, ResultLoggedOut, result.Kind)
}

func TestLogoutCancelsPendingCeremony(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	_, err := env.orch.BeginRegistration(ctx, "sess-1", "alice", "Alice")
	require.NoError(t, err)
	challenge := env.verifier.lastChallenge()

	env.orch.Logout(ctx, "sess-1")

	_, err = env.orch.CompleteCeremony(ctx, "sess-1", attestationResponse(challenge, []byte("cred-1")))
	assert.True(t, IsUnauthorized(err), "got %v", err)
}

// failingSessionStore fails every operation.
type failingSessionStore struct{}

func (failingSessionStore) Load(ctx context.Context, sessionID string) (*SessionState, error) {
	return nil, errors.New("session store down")
}

func (failingSessionStore) Save(ctx context.Context, sessionID string, state *SessionState) error {
	return errors.New("session store down")
}

func (failingSessionStore) Clear(ctx context.Context, sessionID string) error {
	return errors.New("session store down")
}

// failingCredentialStore fails every operation.
type failingCredentialStore struct{}

func (failingCredentialStore) Get(ctx context.Context, handle string) (*UserRecord, error) {
	return nil, errors.New("credential store down")
}

func (failingCredentialStore) Exists(ctx context.Context, handle string) (bool, error) {
	return false, errors.New("credential store down")
}

func (failingCredentialStore) Create(ctx context.Context, user *UserRecord) error {
	return errors.New("credential store down")
}

func (failingCredentialStore) Update(ctx context.Context, handle string, fn func(*UserRecord) error) error {
	return errors.New("credential store down")
}

func TestStoreFailuresMapToUnavailable(t *testing.T) {
	ctx := context.Background()

	t.Run("session store down", func(t *testing.T) {
		env := newTestEnv(t, func(p *Params) {
			p.SessionStore = failingSessionStore{}
		})
		_, err := env.orch.BeginRegistration(ctx, "sess-1", "alice", "Alice")
		assert.True(t, IsUnavailable(err), "got %v", err)

		_, err = env.orch.BeginLogin(ctx, "sess-1", "alice")
		assert.True(t, IsUnavailable(err), "got %v", err)

		_, err = env.orch.CompleteCeremony(ctx, "sess-1", attestationResponse("x", []byte("cred")))
		assert.True(t, IsUnavailable(err), "got %v", err)

		// Logout still reports success when the store is down.
		result := env.orch.Logout(ctx, "sess-1")
		assert.Equal(t, ResultLoggedOut, result.Kind)
	})

	t.Run("credential store down", func(t *testing.T) {
		env := newTestEnv(t, func(p *Params) {
			p.CredentialStore = failingCredentialStore{}
		})
		_, err := env.orch.BeginRegistration(ctx, "sess-1", "alice", "Alice")
		assert.True(t, IsUnavailable(err), "got %v", err)

		_, err = env.orch.BeginLogin(ctx, "sess-1", "alice")
		assert.True(t, IsUnavailable(err), "got %v", err)
	})
}

func TestVerifierFailureAtBegin(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.verifier.beginErr = errors.New("verifier exploded")

	_, err := env.orch.BeginRegistration(ctx, "sess-1", "alice", "Alice")
	assert.True(t, IsUnavailable(err), "got %v", err)
}

// brokenTokenGenerator always fails to mint.
type brokenTokenGenerator struct{}

func (brokenTokenGenerator) Generate(ctx context.Context, user *UserRecord) (string, error) {
	return "", errors.New("no key material")
}

func TestTokenFailureDoesNotFailCeremony(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, func(p *Params) {
		p.TokenGenerator = brokenTokenGenerator{}
	})

	_, err := env.orch.BeginRegistration(ctx, "sess-1", "alice", "Alice")
	require.NoError(t, err)

	result, err := env.orch.CompleteCeremony(ctx, "sess-1", attestationResponse(env.verifier.lastChallenge(), []byte("cred-1")))
	require.NoError(t, err)
	assert.Equal(t, ResultRegistered, result.Kind)
	assert.Empty(t, result.Token)
}

func TestConcurrentSameSessionRequests(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	const n = 16
	done := make(chan error, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			_, err := env.orch.BeginRegistration(ctx, "sess-1", fmt.Sprintf("user-%d", i), "User")
			done <- err
		}(i)
	}
	for i := 0; i < n; i++ {
		require.NoError(t, <-done)
	}

	// Exactly one pending ceremony survives: the last writer's.
	state, err := env.orch.Session(ctx, "sess-1")
	require.NoError(t, err)
	assert.True(t, state.HasPending())
}

func TestSessionExpiryDropsPendingCeremony(t *testing.T) {
	ctx := context.Background()

	sessions := NewMemorySessionStore(10 * time.Millisecond)
	env := newTestEnv(t, func(p *Params) {
		p.SessionStore = sessions
	})

	_, err := env.orch.BeginRegistration(ctx, "sess-1", "alice", "Alice")
	require.NoError(t, err)
	challenge := env.verifier.lastChallenge()

	time.Sleep(20 * time.Millisecond)

	_, err = env.orch.CompleteCeremony(ctx, "sess-1", attestationResponse(challenge, []byte("cred-1")))
	assert.True(t, IsUnauthorized(err), "got %v", err)
}
