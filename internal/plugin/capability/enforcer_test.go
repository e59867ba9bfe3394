// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloFlow Contributors

package capability_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holomush/holoflow/internal/plugin/capability"
)

func TestEnforcer_Allowed(t *testing.T) {
	tests := []struct {
		name       string
		grants     []string
		capability string
		want       bool
	}{
		{"exact match", []string{"credentials.read"}, capability.CredentialsRead, true},
		{"single segment wildcard", []string{"events.*"}, capability.EventsEmit, true},
		{"single segment does not cross separator", []string{"events.*"}, "events.emit.status", false},
		{"double wildcard crosses separator", []string{"events.**"}, "events.emit.status", true},
		{"root wildcard", []string{capability.All}, capability.CredentialsRead, true},
		{"no match", []string{"credentials.read"}, capability.EventsEmit, false},
		{"prefix is not a grant", []string{"events"}, capability.EventsEmit, false},
		{"no grants", nil, capability.EventsEmit, false},
		{"empty capability", []string{"**"}, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := capability.NewEnforcer()
			require.NoError(t, e.Grant("mod", tt.grants))
			assert.Equal(t, tt.want, e.Allowed("mod", tt.capability))
		})
	}
}

func TestEnforcer_UnknownModuleDenied(t *testing.T) {
	var e capability.Enforcer
	assert.False(t, e.Allowed("nobody", capability.EventsEmit))
	assert.Nil(t, e.Grants("nobody"))
}

func TestEnforcer_GrantIsAtomic(t *testing.T) {
	e := capability.NewEnforcer()
	require.NoError(t, e.Grant("mod", []string{"events.emit"}))

	err := e.Grant("mod", []string{"credentials.read", "[unclosed"})
	require.Error(t, err)
	assert.Equal(t, []string{"events.emit"}, e.Grants("mod"), "failed grant leaves previous grants intact")

	require.Error(t, e.Grant("", []string{"**"}))
	require.Error(t, e.Grant("mod", []string{""}))
}

func TestEnforcer_RevokeAndReset(t *testing.T) {
	e := capability.NewEnforcer()
	require.NoError(t, e.Grant("a", []string{"**"}))
	require.NoError(t, e.Grant("b", []string{"**"}))

	e.Revoke("a")
	assert.False(t, e.Allowed("a", capability.EventsEmit))
	assert.True(t, e.Allowed("b", capability.EventsEmit))

	e.Reset()
	assert.False(t, e.Allowed("b", capability.EventsEmit))
}
