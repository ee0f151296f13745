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

package http

// DefaultCookieName is the session cookie set when a browser first talks
// to the server.
const DefaultCookieName = "passkey_session"

// BeginRegistrationRequest is the request body for starting registration.
type BeginRegistrationRequest struct {
	// Handle is the user-chosen identifier (required).
	Handle string `json:"handle"`

	// DisplayName is the user's display name (optional, defaults to the
	// handle).
	DisplayName string `json:"display_name,omitempty"`
}

// BeginLoginRequest is the request body for starting authentication.
type BeginLoginRequest struct {
	// Handle is the user-chosen identifier (required).
	Handle string `json:"handle"`
}

// CeremonyResponse is the response after a completed ceremony or logout.
type CeremonyResponse struct {
	// Kind reports which ceremony completed: "registered",
	// "authenticated" or "logged_out".
	Kind string `json:"kind"`

	// Handle is the authenticated user handle, empty after logout.
	Handle string `json:"handle,omitempty"`

	// Token is an optional post-authentication token.
	Token string `json:"token,omitempty"`
}

// StatusResponse describes the session for GET /.
type StatusResponse struct {
	// LoggedIn reports whether the session completed a ceremony.
	LoggedIn bool `json:"logged_in"`

	// Handle is the authenticated user handle, present while LoggedIn.
	Handle string `json:"handle,omitempty"`
}

// ErrorResponse is the response format for errors.
type ErrorResponse struct {
	// Error is the error code.
	Error string `json:"error"`

	// Message is a human-readable error message.
	Message string `json:"message"`
}

// Error codes returned in ErrorResponse.
const (
	ErrorCodeInvalidRequest = "invalid_request"
	ErrorCodeUnauthorized   = "unauthorized"
	ErrorCodeHandleTaken    = "handle_taken"
	ErrorCodeUnavailable    = "service_unavailable"
	ErrorCodeInternalError  = "internal_error"
)
