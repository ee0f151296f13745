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
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigSetDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.SetDefaults()

	assert.Equal(t, 5*time.Minute, cfg.SessionTTL)
	assert.Equal(t, 64, cfg.MaxHandleLength)
	assert.Equal(t, 128, cfg.MaxDisplayNameLength)
	assert.False(t, cfg.ObscureUnknownHandles)
}

func TestConfigSetDefaultsKeepsExplicitValues(t *testing.T) {
	cfg := &Config{
		SessionTTL:           time.Minute,
		MaxHandleLength:      32,
		MaxDisplayNameLength: 64,
	}
	cfg.SetDefaults()

	assert.Equal(t, time.Minute, cfg.SessionTTL)
	assert.Equal(t, 32, cfg.MaxHandleLength)
	assert.Equal(t, 64, cfg.MaxDisplayNameLength)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{name: "zero value is valid"},
		{name: "negative TTL", cfg: Config{SessionTTL: -time.Second}, wantErr: "session TTL"},
		{name: "negative handle length", cfg: Config{MaxHandleLength: -1}, wantErr: "handle length"},
		{name: "negative display name length", cfg: Config{MaxDisplayNameLength: -1}, wantErr: "display name length"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateHandle(t *testing.T) {
	cfg := &Config{}
	cfg.SetDefaults()

	assert.NoError(t, cfg.validateHandle("alice"))
	assert.NoError(t, cfg.validateHandle("ålice"))
	assert.Error(t, cfg.validateHandle(""))
	assert.Error(t, cfg.validateHandle(strings.Repeat("a", 65)))
	assert.Error(t, cfg.validateHandle("al\xffice"))

	// Limit counts bytes, not runes.
	assert.Error(t, cfg.validateHandle(strings.Repeat("å", 33)))
}

func TestValidateDisplayName(t *testing.T) {
	cfg := &Config{}
	cfg.SetDefaults()

	assert.NoError(t, cfg.validateDisplayName(""))
	assert.NoError(t, cfg.validateDisplayName("Alice Liddell"))
	assert.Error(t, cfg.validateDisplayName(strings.Repeat("a", 129)))
	assert.Error(t, cfg.validateDisplayName("A\xfflice"))
}
