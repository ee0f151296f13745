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
	"fmt"
	"time"
	"unicode/utf8"
)

// Config configures the ceremony orchestrator.
type Config struct {
	// SessionTTL bounds how long ceremony state (including pending
	// challenges) survives between requests.
	// Default: 5 minutes.
	SessionTTL time.Duration `yaml:"session_ttl" json:"session_ttl" mapstructure:"session_ttl"`

	// MaxHandleLength caps the length of a user handle in bytes.
	// Default: 64.
	MaxHandleLength int `yaml:"max_handle_length" json:"max_handle_length" mapstructure:"max_handle_length"`

	// MaxDisplayNameLength caps the length of a display name in bytes.
	// Default: 128.
	MaxDisplayNameLength int `yaml:"max_display_name_length" json:"max_display_name_length" mapstructure:"max_display_name_length"`

	// ObscureUnknownHandles makes login begin against an unregistered
	// handle return decoy assertion options instead of an error, so a
	// caller cannot distinguish registered handles by probing.
	// Default: false.
	ObscureUnknownHandles bool `yaml:"obscure_unknown_handles" json:"obscure_unknown_handles" mapstructure:"obscure_unknown_handles"`
}

// Validate validates the configuration and returns an error if invalid.
func (c *Config) Validate() error {
	if c.SessionTTL < 0 {
		return fmt.Errorf("session TTL must not be negative")
	}
	if c.MaxHandleLength < 0 {
		return fmt.Errorf("max handle length must not be negative")
	}
	if c.MaxDisplayNameLength < 0 {
		return fmt.Errorf("max display name length must not be negative")
	}
	return nil
}

// SetDefaults sets default values for unset configuration fields.
func (c *Config) SetDefaults() {
	if c.SessionTTL == 0 {
		c.SessionTTL = 5 * time.Minute
	}
	if c.MaxHandleLength == 0 {
		c.MaxHandleLength = 64
	}
	if c.MaxDisplayNameLength == 0 {
		c.MaxDisplayNameLength = 128
	}
}

// validateHandle checks a caller-supplied handle against the configured
// limits. Handles are opaque identifiers; the only requirements are that
// they are non-empty, valid UTF-8, and within the byte limit.
func (c *Config) validateHandle(handle string) error {
	if handle == "" {
		return fmt.Errorf("handle is required")
	}
	if len(handle) > c.MaxHandleLength {
		return fmt.Errorf("handle exceeds %d bytes", c.MaxHandleLength)
	}
	if !utf8.ValidString(handle) {
		return fmt.Errorf("handle is not valid UTF-8")
	}
	return nil
}

// validateDisplayName checks a caller-supplied display name. An empty
// display name is allowed; the orchestrator falls back to the handle.
func (c *Config) validateDisplayName(name string) error {
	if len(name) > c.MaxDisplayNameLength {
		return fmt.Errorf("display name exceeds %d bytes", c.MaxDisplayNameLength)
	}
	if !utf8.ValidString(name) {
		return fmt.Errorf("display name is not valid UTF-8")
	}
	return nil
}
