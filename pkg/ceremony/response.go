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
	"encoding/json"
	"errors"

	"github.com/go-webauthn/webauthn/protocol"
)

// ResponseKind discriminates the two authenticator response shapes.
type ResponseKind int

const (
	// ResponseUnknown is the zero value; such responses are rejected.
	ResponseUnknown ResponseKind = iota

	// ResponseAttestation is a registration-time attestation response.
	ResponseAttestation

	// ResponseAssertion is a login-time assertion response.
	ResponseAssertion
)

// String returns the kind name for logging.
func (k ResponseKind) String() string {
	switch k {
	case ResponseAttestation:
		return "attestation"
	case ResponseAssertion:
		return "assertion"
	default:
		return "unknown"
	}
}

// Response is the tagged union handed to CompleteCeremony. The discriminant
// is assigned exactly once, at the transport boundary, by ParseResponse;
// the orchestrator never inspects optional wire fields to pick a path.
type Response struct {
	Kind        ResponseKind
	Attestation *protocol.ParsedCredentialCreationData
	Assertion   *protocol.ParsedCredentialAssertionData
}

// responseProbe looks at the two fields whose presence distinguishes an
// attestation from an assertion on the wire.
type responseProbe struct {
	Response struct {
		AttestationObject protocol.URLEncodedBase64 `json:"attestationObject"`
		AuthenticatorData protocol.URLEncodedBase64 `json:"authenticatorData"`
	} `json:"response"`
}

var errAmbiguousResponse = errors.New("response is neither attestation nor assertion")

// ParseResponse decodes a raw authenticator response body into the tagged
// union. Bodies carrying attestation material parse as registration
// completions, bodies carrying assertion material as login completions;
// anything else fails with ErrBadRequest.
func ParseResponse(body []byte) (*Response, error) {
	const op = "parse ceremony response"

	var probe responseProbe
	if err := json.Unmarshal(body, &probe); err != nil {
		return nil, badRequest(op, err)
	}

	switch {
	case len(probe.Response.AttestationObject) > 0:
		parsed, err := protocol.ParseCredentialCreationResponseBody(bytes.NewReader(body))
		if err != nil {
			return nil, badRequest(op, err)
		}
		return &Response{Kind: ResponseAttestation, Attestation: parsed}, nil

	case len(probe.Response.AuthenticatorData) > 0:
		parsed, err := protocol.ParseCredentialRequestResponseBody(bytes.NewReader(body))
		if err != nil {
			return nil, badRequest(op, err)
		}
		return &Response{Kind: ResponseAssertion, Assertion: parsed}, nil

	default:
		return nil, badRequest(op, errAmbiguousResponse)
	}
}

// credentialID returns the raw credential id claimed by the response.
func (r *Response) credentialID() []byte {
	switch r.Kind {
	case ResponseAttestation:
		if r.Attestation != nil {
			return r.Attestation.RawID
		}
	case ResponseAssertion:
		if r.Assertion != nil {
			return r.Assertion.RawID
		}
	}
	return nil
}
