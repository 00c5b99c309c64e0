// Package store defines where audit entries are persisted beyond the
// in-memory log.
package store

import (
	"context"
	"errors"

	"github.com/agentsh/agentgate/pkg/types"
)

// ErrQueryUnsupported is returned by write-only sinks.
var ErrQueryUnsupported = errors.New("store does not support queries")

// AuditStore persists audit entries.
type AuditStore interface {
	AppendEntry(ctx context.Context, e types.AuditEntry) error
	QueryEntries(ctx context.Context, q types.AuditQuery) ([]types.AuditEntry, error)
	Close() error
}
