package policy

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentsh/agentgate/pkg/types"
)

const samplePolicy = `
version: 1
name: workspace
always_allow:
  - "file_write:*.log"
  - "file_read:**"
always_deny:
  - "@destructive:/etc/**"
require_consent:
  - "command_execute:**"
default_timeout: 30s
trust_floor: 25
risk:
  auto_approve: 15
  base_scores:
    network_request: 45
trust:
  user-deny: 0
`

func TestParse(t *testing.T) {
	p, err := Parse([]byte(samplePolicy))
	require.NoError(t, err)

	assert.Equal(t, "workspace", p.Name)
	assert.Equal(t, 30*time.Second, p.Timeout())
	assert.Equal(t, 25, p.Floor())
	assert.Equal(t, 15, p.Risk.AutoApprove)
	assert.Equal(t, 90, p.Risk.AutoReject)
	assert.Equal(t, 45, p.Risk.BaseScores["network_request"])
	assert.Equal(t, 70, p.Risk.BaseScores["recursive_delete"])
	assert.Equal(t, []string{"recursive_delete"}, p.CriticalOperations)

	assert.Equal(t, 0, p.TrustDelta(types.Decision{Source: types.SourceUser, Outcome: types.OutcomeDeny}))
	assert.Equal(t, 3, p.TrustDelta(types.Decision{Source: types.SourceUser, Outcome: types.OutcomeAllow}))
}

func TestParse_UnknownField(t *testing.T) {
	_, err := Parse([]byte("version: 1\nname: x\nallow_everything: true\n"))
	require.Error(t, err)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"missing version", "name: x\n", "version"},
		{"missing name", "version: 1\n", "name"},
		{"thresholds inverted", "version: 1\nname: x\nrisk:\n  auto_approve: 95\n", "auto_approve"},
		{"unknown class", "version: 1\nname: x\nalways_deny: ['@bogus:/x']\n", "unknown operation class"},
		{"bad duration", "version: 1\nname: x\ndefault_timeout: soon\n", "parse policy"},
		{"trust floor range", "version: 1\nname: x\ntrust_floor: 120\n", "trust_floor"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			require.Error(t, err)
			assert.True(t, strings.Contains(err.Error(), tt.want), "error %q should mention %q", err, tt.want)
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(samplePolicy), 0o600))

	p, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Len(t, p.AlwaysAllow, 2)

	_, err = LoadFromFile(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
}

func TestDefaultTrustAdjustments(t *testing.T) {
	p := DefaultPolicy()

	tests := []struct {
		d    types.Decision
		want int
	}{
		{types.Decision{Source: types.SourceUser, Outcome: types.OutcomeAllow}, 3},
		{types.Decision{Source: types.SourceUser, Outcome: types.OutcomeDeny}, 1},
		{types.Decision{Source: types.SourceTimeout, Outcome: types.OutcomeTimeout}, -5},
		{types.Decision{Source: types.SourceAutoApprove, Outcome: types.OutcomeAllow}, 2},
		{types.Decision{Source: types.SourceAutoReject, Outcome: types.OutcomeDeny}, -15},
		{types.Decision{Source: types.SourcePolicyDeny, Outcome: types.OutcomeDeny}, -10},
		{types.Decision{Source: types.SourcePolicyAllow, Outcome: types.OutcomeAllow}, 5},
		{types.Decision{Source: types.SourceValidation, Outcome: types.OutcomeDeny}, -10},
		{types.Decision{Source: types.SourceRemembered, Outcome: types.OutcomeAllow}, 0},
		{types.Decision{Source: types.SourceEmergencyStop, Outcome: types.OutcomeDeny}, 0},
	}
	for _, tt := range tests {
		t.Run(string(tt.d.Source)+"/"+string(tt.d.Outcome), func(t *testing.T) {
			assert.Equal(t, tt.want, p.TrustDelta(tt.d))
		})
	}
}
