package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVersionString(t *testing.T) {
	tests := []struct {
		name    string
		version string
		commit  string
		want    string
	}{
		{name: "empty defaults to dev", want: "dev"},
		{name: "unknown commit ignored", version: "0.4.0", commit: "unknown", want: "0.4.0"},
		{name: "commit appended", version: "v0.4.0", commit: "9f2c1e", want: "v0.4.0+9f2c1e"},
		{name: "git describe keeps version", version: "v0.4.0-3-g9f2c1e", commit: "9f2c1e", want: "v0.4.0-3-g9f2c1e"},
		{name: "trims whitespace", version: " 1.0 ", commit: " a1 ", want: "1.0+a1"},
	}

	origVersion, origCommit := version, commit
	t.Cleanup(func() { version, commit = origVersion, origCommit })

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			version, commit = tt.version, tt.commit
			assert.Equal(t, tt.want, versionString())
		})
	}
}

func TestRunExitCodes(t *testing.T) {
	assert.Equal(t, 0, run([]string{"--version"}))
	assert.Equal(t, 1, run([]string{"no-such-command"}))
	assert.Equal(t, 1, run([]string{"policy", "validate", "/nonexistent/policy.yml"}))
}
