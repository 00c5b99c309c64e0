package types

import "time"

// Event types published to notification subscribers.
const (
	EventRequestPending  = "request_pending"
	EventRequestExpiring = "request_expiring"
	EventRequestResolved = "request_resolved"
	EventPolicyUpdated   = "policy_updated"
	EventHistoryCleared  = "history_cleared"
	EventEmergencyStop   = "emergency_stop"
)

type Event struct {
	ID        string    `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
	RequestID string    `json:"request_id,omitempty"`

	Pending  *PendingRequest `json:"pending,omitempty"`
	Decision *Decision       `json:"decision,omitempty"`

	Fields map[string]any `json:"fields,omitempty"`
}
