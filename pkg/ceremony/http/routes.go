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

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// MountChi mounts ceremony routes on a chi router.
//
// Example:
//
//	handler := ceremonyhttp.NewHandler(orch)
//	r.Route("/", func(r chi.Router) {
//	    ceremonyhttp.MountChi(r, handler)
//	})
func MountChi(r chi.Router, h *Handler) {
	r.Get("/", h.Status)
	r.Post("/register", h.Register)
	r.Post("/login", h.Login)
	r.Post("/response", h.Response)
	r.Post("/logout", h.Logout)
}

// MountStdlib mounts ceremony routes on a stdlib http.ServeMux.
// The prefix should not include a trailing slash.
//
// Example:
//
//	handler := ceremonyhttp.NewHandler(orch)
//	ceremonyhttp.MountStdlib(mux, "", handler)
func MountStdlib(mux *http.ServeMux, prefix string, h *Handler) {
	if prefix == "" {
		mux.HandleFunc("/", h.Status)
	} else {
		mux.HandleFunc(prefix, h.Status)
	}
	mux.HandleFunc(prefix+"/register", h.Register)
	mux.HandleFunc(prefix+"/login", h.Login)
	mux.HandleFunc(prefix+"/response", h.Response)
	mux.HandleFunc(prefix+"/logout", h.Logout)
}

// RouteEntry represents a single route with its method, path, and handler.
type RouteEntry struct {
	Method  string
	Path    string
	Handler http.HandlerFunc
}

// Routes returns a slice of route entries for manual mounting on
// frameworks not directly supported.
func (h *Handler) Routes() []RouteEntry {
	return []RouteEntry{
		{Method: "GET", Path: "/", Handler: h.Status},
		{Method: "POST", Path: "/register", Handler: h.Register},
		{Method: "POST", Path: "/login", Handler: h.Login},
		{Method: "POST", Path: "/response", Handler: h.Response},
		{Method: "POST", Path: "/logout", Handler: h.Logout},
	}
}
