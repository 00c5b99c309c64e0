package emergency

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockStopper struct {
	mu      sync.Mutex
	pending int
	halted  bool
	calls   []string
	reasons []string
}

func (m *mockStopper) EmergencyStop(reason string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "stop")
	m.reasons = append(m.reasons, reason)
	n := m.pending
	m.pending = 0
	return n
}

func (m *mockStopper) Halt() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "halt")
	m.halted = true
}

func (m *mockStopper) Resume() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "resume")
	m.halted = false
}

func TestKillSwitch_ActivateHaltsThenStops(t *testing.T) {
	st := &mockStopper{pending: 3}
	ks := NewKillSwitch(st, nil)

	res, err := ks.Activate(context.Background(), KillAllRequest{Reason: "runaway agent", Actor: "alice"})
	require.NoError(t, err)
	assert.Equal(t, 3, res.RequestsDenied)
	assert.Contains(t, res.Message, "3 pending requests denied")
	assert.Equal(t, []string{"halt", "stop"}, st.calls)
	assert.Equal(t, []string{"kill_switch: runaway agent"}, st.reasons)
	assert.True(t, st.halted)
	assert.True(t, ks.IsActivated())

	status := ks.Status()
	assert.True(t, status.Activated)
	assert.Equal(t, "alice", status.ActivatedBy)
	assert.Equal(t, 3, status.RequestsDenied)
}

func TestKillSwitch_DoubleActivate(t *testing.T) {
	ks := NewKillSwitch(&mockStopper{}, nil)
	_, err := ks.Activate(context.Background(), KillAllRequest{})
	require.NoError(t, err)
	_, err = ks.Activate(context.Background(), KillAllRequest{})
	assert.ErrorIs(t, err, ErrAlreadyActivated)
}

func TestKillSwitch_Reset(t *testing.T) {
	st := &mockStopper{}
	ks := NewKillSwitch(st, nil)

	assert.ErrorIs(t, ks.Reset(context.Background(), "bob"), ErrNotActivated)

	_, err := ks.Activate(context.Background(), KillAllRequest{Reason: "test"})
	require.NoError(t, err)
	require.NoError(t, ks.Reset(context.Background(), "bob"))

	assert.False(t, st.halted)
	assert.False(t, ks.IsActivated())
	status := ks.Status()
	assert.False(t, status.Activated)
	assert.Equal(t, "bob", status.ResetBy)

	_, err = ks.Activate(context.Background(), KillAllRequest{Reason: "again"})
	assert.NoError(t, err, "switch can be re-armed after reset")
}

func TestKillSwitch_StatusBeforeActivation(t *testing.T) {
	ks := NewKillSwitch(&mockStopper{}, nil)
	assert.False(t, ks.Status().Activated)
}

func TestKillSwitch_NilStopper(t *testing.T) {
	ks := NewKillSwitch(nil, nil)
	_, err := ks.Activate(context.Background(), KillAllRequest{})
	assert.Error(t, err)
	assert.False(t, ks.IsActivated())
}

func TestKillSwitch_ConcurrentActivate(t *testing.T) {
	ks := NewKillSwitch(&mockStopper{}, nil)
	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := ks.Activate(context.Background(), KillAllRequest{}); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, ok)
}
