package types

import "time"

// IntegrityMetadata links an audit entry into an HMAC chain.
type IntegrityMetadata struct {
	Sequence  int64  `json:"sequence"`
	PrevHash  string `json:"prev_hash"`
	EntryHash string `json:"entry_hash"`
}

// AuditEntry records one request, its decision, and the rationale behind it.
type AuditEntry struct {
	ID            string             `json:"id"`
	Request       OperationRequest   `json:"request"`
	Target        string             `json:"target,omitempty"`
	Decision      Decision           `json:"decision"`
	Risk          *RiskAssessment    `json:"risk,omitempty"`
	Session       SessionContext     `json:"session"`
	PolicyVersion int64              `json:"policy_version"`
	CreatedAt     time.Time          `json:"created_at"`
	Integrity     *IntegrityMetadata `json:"integrity,omitempty"`
}

type AuditQuery struct {
	Since     *time.Time
	Until     *time.Time
	Operation Operation
	Outcome   Outcome
	SessionID string

	Limit int
}

// Matches reports whether e satisfies every filter set on q.
func (q AuditQuery) Matches(e AuditEntry) bool {
	if q.Since != nil && e.CreatedAt.Before(*q.Since) {
		return false
	}
	if q.Until != nil && e.CreatedAt.After(*q.Until) {
		return false
	}
	if q.Operation != "" && e.Request.Operation != q.Operation {
		return false
	}
	if q.Outcome != "" && e.Decision.Outcome != q.Outcome {
		return false
	}
	if q.SessionID != "" && e.Session.ID != q.SessionID {
		return false
	}
	return true
}
