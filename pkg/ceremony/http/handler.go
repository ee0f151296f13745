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

// Package http exposes the ceremony orchestrator over HTTP. Sessions ride
// on an opaque cookie the handler mints on first contact; these handlers
// can be mounted on any router.
package http

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jeremyhahn/go-passkey/pkg/ceremony"
	"github.com/jeremyhahn/go-passkey/pkg/metrics"
)

// maxBodyBytes bounds request bodies. Authenticator responses with large
// attestation chains stay well under this.
const maxBodyBytes = 1 << 20

// Handler provides HTTP handlers for passkey ceremonies.
type Handler struct {
	orch          *ceremony.Orchestrator
	logger        *slog.Logger
	cookieName    string
	secureCookies bool
}

// NewHandler creates a new ceremony HTTP handler.
func NewHandler(orch *ceremony.Orchestrator) *Handler {
	return &Handler{
		orch:          orch,
		logger:        slog.Default(),
		cookieName:    DefaultCookieName,
		secureCookies: true,
	}
}

// WithLogger sets a custom logger for the handler.
func (h *Handler) WithLogger(logger *slog.Logger) *Handler {
	h.logger = logger
	return h
}

// WithCookieName overrides the session cookie name.
func (h *Handler) WithCookieName(name string) *Handler {
	h.cookieName = name
	return h
}

// WithSecureCookies controls the cookie Secure attribute. Disable only for
// plain-HTTP development setups.
func (h *Handler) WithSecureCookies(secure bool) *Handler {
	h.secureCookies = secure
	return h
}

// sessionID returns the session id from the request cookie, minting a new
// one (and setting the cookie) for browsers with no prior contact.
func (h *Handler) sessionID(w http.ResponseWriter, r *http.Request) string {
	if cookie, err := r.Cookie(h.cookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}

	id := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     h.cookieName,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		Secure:   h.secureCookies,
		SameSite: http.SameSiteStrictMode,
	})
	return id
}

// Status handles GET /
//
// Response: StatusResponse describing the session.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, ErrorCodeInvalidRequest, "method not allowed")
		return
	}

	sessionID := h.sessionID(w, r)
	state, err := h.orch.Session(r.Context(), sessionID)
	if err != nil {
		h.handleCeremonyError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, StatusResponse{
		LoggedIn: state.LoggedIn,
		Handle:   state.AuthenticatedHandle,
	})
}

// readBeginRequest extracts the handle and display name from a begin
// request. Browsers posting a FormData body send form field "user-handle"
// (and optionally "display-name"); API clients send the JSON body.
func (h *Handler) readBeginRequest(w http.ResponseWriter, r *http.Request) (handle, displayName string, ok bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	ct := r.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "application/x-www-form-urlencoded") ||
		strings.HasPrefix(ct, "multipart/form-data") {
		return r.PostFormValue("user-handle"), r.PostFormValue("display-name"), true
	}

	var req BeginRegistrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, ErrorCodeInvalidRequest, "invalid request body")
		return "", "", false
	}
	return req.Handle, req.DisplayName, true
}

// Register handles POST /register
//
// Request body: either form field `user-handle` (optionally
// `display-name`), or JSON:
//
//	{
//	    "handle": "alice",
//	    "display_name": "Alice Liddell" // optional
//	}
//
// Response: WebAuthn PublicKeyCredentialCreationOptions. The challenge is
// bound to the session cookie and must be answered via POST /response.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, ErrorCodeInvalidRequest, "method not allowed")
		return
	}

	handle, displayName, ok := h.readBeginRequest(w, r)
	if !ok {
		return
	}

	start := time.Now()
	sessionID := h.sessionID(w, r)
	options, err := h.orch.BeginRegistration(r.Context(), sessionID, handle, displayName)
	recordCeremony(metrics.CeremonyRegistration, metrics.StepBegin, start, err)
	if err != nil {
		h.handleCeremonyError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, options)
}

// Login handles POST /login
//
// Request body: either form field `user-handle`, or JSON:
//
//	{
//	    "handle": "alice"
//	}
//
// Response: WebAuthn PublicKeyCredentialRequestOptions. The challenge is
// bound to the session cookie and must be answered via POST /response.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, ErrorCodeInvalidRequest, "method not allowed")
		return
	}

	handle, _, ok := h.readBeginRequest(w, r)
	if !ok {
		return
	}

	start := time.Now()
	sessionID := h.sessionID(w, r)
	options, err := h.orch.BeginLogin(r.Context(), sessionID, handle)
	recordCeremony(metrics.CeremonyLogin, metrics.StepBegin, start, err)
	if err != nil {
		h.handleCeremonyError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, options)
}

// Response handles POST /response
//
// Request body: the authenticator response exactly as the browser produced
// it. Attestation responses complete registration ceremonies, assertion
// responses complete login ceremonies; the body's shape decides which.
//
// Response: CeremonyResponse with the outcome and an optional token.
func (h *Handler) Response(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, ErrorCodeInvalidRequest, "method not allowed")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, ErrorCodeInvalidRequest, "unreadable request body")
		return
	}

	resp, err := ceremony.ParseResponse(body)
	if err != nil {
		h.handleCeremonyError(w, err)
		return
	}

	ceremonyName := metrics.CeremonyRegistration
	if resp.Kind == ceremony.ResponseAssertion {
		ceremonyName = metrics.CeremonyLogin
	}

	start := time.Now()
	sessionID := h.sessionID(w, r)
	result, err := h.orch.CompleteCeremony(r.Context(), sessionID, resp)
	recordCeremony(ceremonyName, metrics.StepComplete, start, err)
	if err != nil {
		h.handleCeremonyError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, CeremonyResponse{
		Kind:   string(result.Kind),
		Handle: result.Handle,
		Token:  result.Token,
	})
}

// Logout handles POST /logout
//
// Response: CeremonyResponse with kind "logged_out". Always succeeds.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, ErrorCodeInvalidRequest, "method not allowed")
		return
	}

	sessionID := h.sessionID(w, r)
	result := h.orch.Logout(r.Context(), sessionID)

	h.writeJSON(w, http.StatusOK, CeremonyResponse{
		Kind: string(result.Kind),
	})
}

// handleCeremonyError maps orchestrator errors to HTTP responses. Client
// responses carry only the taxonomy code; detail stays in server logs.
func (h *Handler) handleCeremonyError(w http.ResponseWriter, err error) {
	switch {
	case ceremony.IsBadRequest(err):
		h.writeError(w, http.StatusBadRequest, ErrorCodeInvalidRequest, "invalid request")
	case ceremony.IsUnauthorized(err):
		h.writeError(w, http.StatusUnauthorized, ErrorCodeUnauthorized, "unauthorized")
	case ceremony.IsConflict(err):
		h.writeError(w, http.StatusConflict, ErrorCodeHandleTaken, "handle already registered")
	case ceremony.IsUnavailable(err):
		h.logger.Error("ceremony backend unavailable", "error", err)
		h.writeError(w, http.StatusServiceUnavailable, ErrorCodeUnavailable, "service unavailable")
	default:
		h.logger.Error("unexpected ceremony error", "error", err)
		h.writeError(w, http.StatusInternalServerError, ErrorCodeInternalError, "internal server error")
	}
}

// writeJSON writes a JSON response.
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		// Response headers already written, can only log the error
		h.logger.Error("failed to encode JSON response",
			"error", err,
			"status", status)
	}
}

// recordCeremony records the outcome of a ceremony step, including the
// failure kind when the error maps onto the taxonomy.
func recordCeremony(ceremonyName, step string, start time.Time, err error) {
	if err == nil {
		metrics.RecordCeremony(ceremonyName, step, metrics.StatusSuccess, time.Since(start).Seconds())
		return
	}
	metrics.RecordCeremony(ceremonyName, step, metrics.StatusError, time.Since(start).Seconds())
	if kind := failureKind(err); kind != "" {
		metrics.RecordFailure(ceremonyName, step, kind)
	}
}

func failureKind(err error) string {
	switch {
	case ceremony.IsBadRequest(err):
		return metrics.FailureBadRequest
	case ceremony.IsUnauthorized(err):
		return metrics.FailureUnauthorized
	case ceremony.IsConflict(err):
		return metrics.FailureConflict
	case ceremony.IsUnavailable(err):
		return metrics.FailureUnavailable
	default:
		return ""
	}
}

// writeError writes an error response.
func (h *Handler) writeError(w http.ResponseWriter, status int, code, message string) {
	h.writeJSON(w, status, ErrorResponse{
		Error:   code,
		Message: message,
	})
}
