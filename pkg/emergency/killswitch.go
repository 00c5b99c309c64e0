// Package emergency implements the kill switch that denies every waiting
// request and refuses new ones until an operator resets it.
package emergency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Stopper is the part of the consent orchestrator the kill switch drives.
type Stopper interface {
	EmergencyStop(reason string) int
	Halt()
	Resume()
}

// KillSwitch halts request processing.
type KillSwitch struct {
	activated atomic.Bool
	stopper   Stopper
	logger    *slog.Logger
	now       func() time.Time
	mu        sync.Mutex
	state     *KillSwitchState
}

// KillSwitchState represents the kill switch state.
type KillSwitchState struct {
	Activated      bool      `json:"activated"`
	ActivatedAt    time.Time `json:"activated_at,omitempty"`
	ActivatedBy    string    `json:"activated_by,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	RequestsDenied int       `json:"requests_denied"`
	ResetAt        time.Time `json:"reset_at,omitempty"`
	ResetBy        string    `json:"reset_by,omitempty"`
}

// NewKillSwitch creates a kill switch over stopper.
func NewKillSwitch(stopper Stopper, logger *slog.Logger) *KillSwitch {
	if logger == nil {
		logger = slog.Default()
	}
	return &KillSwitch{
		stopper: stopper,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// KillAllRequest is a request to stop everything.
type KillAllRequest struct {
	Reason string `json:"reason"`
	Actor  string `json:"actor"`
}

// KillAllResult is the result of an activation.
type KillAllResult struct {
	RequestsDenied int       `json:"requests_denied"`
	ActivatedAt    time.Time `json:"activated_at"`
	Message        string    `json:"message"`
}

// Activate halts first, then denies every request awaiting a decision. A
// request still being evaluated when the halt lands is denied when it reaches
// the awaiting state.
func (k *KillSwitch) Activate(_ context.Context, req KillAllRequest) (*KillAllResult, error) {
	if k.stopper == nil {
		return nil, errors.New("kill switch has nothing to stop")
	}
	if !k.activated.CompareAndSwap(false, true) {
		return nil, ErrAlreadyActivated
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	now := k.now()
	reason := req.Reason
	if reason == "" {
		reason = "kill switch"
	}

	k.stopper.Halt()
	denied := k.stopper.EmergencyStop("kill_switch: " + reason)

	k.state = &KillSwitchState{
		Activated:      true,
		ActivatedAt:    now,
		ActivatedBy:    req.Actor,
		Reason:         reason,
		RequestsDenied: denied,
	}
	k.logger.Warn("emergency: kill switch activated", "actor", req.Actor, "reason", reason, "requests_denied", denied)

	return &KillAllResult{
		RequestsDenied: denied,
		ActivatedAt:    now,
		Message:        fmt.Sprintf("Kill switch activated. %d pending requests denied. New requests refused.", denied),
	}, nil
}

// Reset lets submissions through again.
func (k *KillSwitch) Reset(_ context.Context, actor string) error {
	if !k.activated.Load() {
		return ErrNotActivated
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	k.stopper.Resume()
	k.state.Activated = false
	k.state.ResetAt = k.now()
	k.state.ResetBy = actor
	k.activated.Store(false)
	k.logger.Info("emergency: kill switch reset", "actor", actor)
	return nil
}

// Status returns the current kill switch status.
func (k *KillSwitch) Status() *KillSwitchState {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.state == nil {
		return &KillSwitchState{Activated: false}
	}
	s := *k.state
	return &s
}

// IsActivated returns whether the kill switch is currently activated.
func (k *KillSwitch) IsActivated() bool {
	return k.activated.Load()
}

var (
	// ErrAlreadyActivated is returned when the kill switch is already activated.
	ErrAlreadyActivated = errors.New("kill switch already activated")
	// ErrNotActivated is returned by Reset when the switch is not engaged.
	ErrNotActivated = errors.New("kill switch is not activated")
)
