// Package guard validates filesystem paths and command lines before any
// policy is consulted. Every denial is a *ValidationError.
package guard

import "fmt"

// Validation error kinds.
const (
	KindPath    = "path"
	KindCommand = "command"
)

// ValidationError reports why a path or command was rejected.
type ValidationError struct {
	Kind   string
	Target string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %q denied: %s", e.Kind, e.Target, e.Reason)
}

func pathDenied(target, format string, args ...any) *ValidationError {
	return &ValidationError{Kind: KindPath, Target: target, Reason: fmt.Sprintf(format, args...)}
}

func commandDenied(target, format string, args ...any) *ValidationError {
	return &ValidationError{Kind: KindCommand, Target: target, Reason: fmt.Sprintf(format, args...)}
}
