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
	"crypto/rand"
	"encoding/json"
	"testing"

	"github.com/descope/virtualwebauthn"
	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/protocol/webauthncose"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testRP = virtualwebauthn.RelyingParty{
	Name:   "Example",
	ID:     "example.com",
	Origin: "https://example.com",
}

func randomChallenge(t *testing.T) protocol.URLEncodedBase64 {
	t.Helper()
	buf := make([]byte, 32)
	_, err := rand.Read(buf)
	require.NoError(t, err)
	return buf
}

// attestationBody produces a genuine attestation response body the way a
// browser would, via a virtual authenticator.
func attestationBody(t *testing.T) []byte {
	t.Helper()

	authenticator := virtualwebauthn.NewAuthenticator()
	credential := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)

	opts := protocol.PublicKeyCredentialCreationOptions{
		Challenge: randomChallenge(t),
		RelyingParty: protocol.RelyingPartyEntity{
			CredentialEntity: protocol.CredentialEntity{Name: testRP.Name},
			ID:               testRP.ID,
		},
		User: protocol.UserEntity{
			CredentialEntity: protocol.CredentialEntity{Name: "alice"},
			DisplayName:      "Alice",
			ID:               protocol.URLEncodedBase64("user-id-bytes"),
		},
		Parameters: []protocol.CredentialParameter{
			{Type: protocol.PublicKeyCredentialType, Algorithm: webauthncose.AlgES256},
		},
	}
	optionsJSON, err := json.Marshal(opts)
	require.NoError(t, err)

	attOpts, err := virtualwebauthn.ParseAttestationOptions(string(optionsJSON))
	require.NoError(t, err)

	return []byte(virtualwebauthn.CreateAttestationResponse(testRP, authenticator, credential, *attOpts))
}

// assertionBody produces a genuine assertion response body for a credential
// already known to the virtual authenticator.
func assertionBody(t *testing.T) []byte {
	t.Helper()

	authenticator := virtualwebauthn.NewAuthenticator()
	credential := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)
	authenticator.AddCredential(credential)

	opts := protocol.PublicKeyCredentialRequestOptions{
		Challenge:      randomChallenge(t),
		RelyingPartyID: testRP.ID,
		AllowedCredentials: []protocol.CredentialDescriptor{
			{Type: protocol.PublicKeyCredentialType, CredentialID: credential.ID},
		},
	}
	optionsJSON, err := json.Marshal(opts)
	require.NoError(t, err)

	assertOpts, err := virtualwebauthn.ParseAssertionOptions(string(optionsJSON))
	require.NoError(t, err)

	return []byte(virtualwebauthn.CreateAssertionResponse(testRP, authenticator, credential, *assertOpts))
}

func TestParseResponseAttestation(t *testing.T) {
	resp, err := ParseResponse(attestationBody(t))
	require.NoError(t, err)
	assert.Equal(t, ResponseAttestation, resp.Kind)
	require.NotNil(t, resp.Attestation)
	assert.Nil(t, resp.Assertion)
	assert.NotEmpty(t, resp.credentialID())
}

func TestParseResponseAssertion(t *testing.T) {
	resp, err := ParseResponse(assertionBody(t))
	require.NoError(t, err)
	assert.Equal(t, ResponseAssertion, resp.Kind)
	require.NotNil(t, resp.Assertion)
	assert.Nil(t, resp.Attestation)
	assert.NotEmpty(t, resp.credentialID())
}

func TestParseResponseRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "not json", body: "not json at all"},
		{name: "empty object", body: "{}"},
		{name: "empty response", body: `{"response": {}}`},
		{name: "irrelevant fields", body: `{"response": {"clientDataJSON": "e30"}}`},
		{name: "garbage attestation", body: `{"response": {"attestationObject": "AAAA"}}`},
		{name: "garbage assertion", body: `{"response": {"authenticatorData": "AAAA"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseResponse([]byte(tt.body))
			assert.True(t, IsBadRequest(err), "got %v", err)
		})
	}
}

func TestResponseKindString(t *testing.T) {
	assert.Equal(t, "attestation", ResponseAttestation.String())
	assert.Equal(t, "assertion", ResponseAssertion.String())
	assert.Equal(t, "unknown", ResponseUnknown.String())
}
