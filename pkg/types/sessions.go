package types

import "time"

// SessionContext is a snapshot of one logical interaction session.
type SessionContext struct {
	ID             string    `json:"id"`
	StartedAt      time.Time `json:"started_at"`
	RequestCount   int       `json:"request_count"`
	LastActivityAt time.Time `json:"last_activity_at"`
	TrustLevel     int       `json:"trust_level"`
	Rotations      int       `json:"rotations,omitempty"`
}

// Age is the time elapsed since the session (or its latest rotation) started.
func (s SessionContext) Age(now time.Time) time.Duration {
	return now.Sub(s.StartedAt)
}
