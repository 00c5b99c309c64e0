package types

import (
	"strings"
	"time"
)

// Operation identifies the kind of action an agent wants to perform.
type Operation string

const (
	OpFileRead            Operation = "file_read"
	OpFileWrite           Operation = "file_write"
	OpFileDelete          Operation = "file_delete"
	OpDirectoryList       Operation = "directory_list"
	OpCommandExecute      Operation = "command_execute"
	OpRecursiveDelete     Operation = "recursive_delete"
	OpSensitivePathAccess Operation = "sensitive_path_access"
	OpDatabaseRead        Operation = "database_read"
	OpDatabaseWrite       Operation = "database_write"
	OpNetworkRequest      Operation = "network_request"
)

func (o Operation) String() string { return string(o) }

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities from 0 (low) to 3 (critical). Unknown values rank as high.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 0
	case SeverityMedium:
		return 1
	case SeverityHigh:
		return 2
	case SeverityCritical:
		return 3
	default:
		return 2
	}
}

// OperationRequest describes one operation an agent asks to perform.
// It is treated as immutable once submitted.
type OperationRequest struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id,omitempty"`
	Operation   Operation `json:"operation"`
	Severity    Severity  `json:"severity"`
	Path        string    `json:"path,omitempty"`
	Command     string    `json:"command,omitempty"`
	Args        []string  `json:"args,omitempty"`
	Resource    string    `json:"resource,omitempty"`
	Description string    `json:"description,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	TimeoutMs   int64     `json:"timeout_ms,omitempty"`
}

// CommandLine reconstitutes the command and its arguments.
func (r OperationRequest) CommandLine() string {
	if r.Command == "" {
		return ""
	}
	if len(r.Args) == 0 {
		return r.Command
	}
	return r.Command + " " + strings.Join(r.Args, " ")
}

// MaxRequestTimeout caps how long a single request may wait for a decision.
const MaxRequestTimeout = 24 * time.Hour

// Timeout returns the request's own timeout, or def when unset. Values above
// MaxRequestTimeout are clamped to it.
func (r OperationRequest) Timeout(def time.Duration) time.Duration {
	if r.TimeoutMs <= 0 {
		return def
	}
	if r.TimeoutMs >= MaxRequestTimeout.Milliseconds() {
		return MaxRequestTimeout
	}
	return time.Duration(r.TimeoutMs) * time.Millisecond
}

// Clone returns a copy that shares no mutable state with r.
func (r OperationRequest) Clone() OperationRequest {
	out := r
	if r.Args != nil {
		out.Args = append([]string(nil), r.Args...)
	}
	return out
}

// PendingRequest is the payload handed to the human-facing decision surface.
type PendingRequest struct {
	Request   OperationRequest `json:"request"`
	Target    string           `json:"target,omitempty"`
	Risk      RiskAssessment   `json:"risk"`
	Session   SessionContext   `json:"session"`
	ExpiresAt time.Time        `json:"expires_at"`
}
