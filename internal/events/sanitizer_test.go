package events

import (
	"testing"

	"github.com/agentsh/agentgate/pkg/types"
	"github.com/stretchr/testify/assert"
)

func TestSanitizeCmdline(t *testing.T) {
	s := NewDefaultSanitizer()
	tests := []struct {
		name string
		in   []string
		want []string
	}{
		{"inline flag", []string{"--password=hunter2", "x"}, []string{"--password=[REDACTED]", "x"}},
		{"separate flag", []string{"login", "--token", "abc123"}, []string{"login", "--token", "[REDACTED]"}},
		{"env assignment", []string{"API_KEY=sk-1", "run"}, []string{"API_KEY=[REDACTED]", "run"}},
		{"clean", []string{"status", "-s"}, []string{"status", "-s"}},
		{"nil", nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, s.SanitizeCmdline(tt.in))
		})
	}
}

func TestSanitizeEventCopies(t *testing.T) {
	s := NewDefaultSanitizer()
	req := types.OperationRequest{
		ID:        "r1",
		Operation: types.OpCommandExecute,
		Command:   "curl",
		Args:      []string{"-H", "Authorization: Bearer abc", "--token", "t0k"},
	}
	ev := types.Event{
		Type:    types.EventRequestPending,
		Pending: &types.PendingRequest{Request: req, Target: req.CommandLine()},
	}

	out := s.SanitizeEvent(ev)
	assert.Equal(t, []string{"-H", "Authorization: Bearer [REDACTED]", "--token", "[REDACTED]"}, out.Pending.Request.Args)
	assert.NotContains(t, out.Pending.Target, "t0k")
	assert.NotContains(t, out.Pending.Target, "abc")
	assert.Equal(t, "t0k", ev.Pending.Request.Args[3], "original untouched")

	plain := types.Event{Type: types.EventPolicyUpdated}
	assert.Equal(t, plain, s.SanitizeEvent(plain))
}
