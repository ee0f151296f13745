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

// Package ceremony drives passkey registration and login ceremonies for a
// WebAuthn relying party.
//
// Each ceremony is a two-step exchange keyed by an opaque session id:
// a begin operation issues challenge-bearing options and binds the
// challenge to the session, and a complete operation consumes that
// challenge and verifies the authenticator's response against it.
// Challenges are single-use: they are discarded before verification, so a
// replayed response always fails.
//
// The Orchestrator enforces the relying-party invariants itself (handle
// uniqueness, challenge lifecycle, signature counter monotonicity) and
// delegates the cryptographic work to a Verifier implementation. Stores
// and verifier are injected through Params, so a deployment can swap
// persistence backends without touching ceremony logic.
package ceremony
