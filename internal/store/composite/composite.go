// Package composite fans audit entries out to a primary store and any number
// of secondary sinks.
package composite

import (
	"context"

	"github.com/agentsh/agentgate/internal/store"
	"github.com/agentsh/agentgate/pkg/types"
)

type Store struct {
	primary store.AuditStore
	others  []store.AuditStore
}

func New(primary store.AuditStore, others ...store.AuditStore) *Store {
	return &Store{primary: primary, others: others}
}

// AppendEntry writes to every sink and returns the first error seen. A failing
// sink does not stop the others.
func (s *Store) AppendEntry(ctx context.Context, e types.AuditEntry) error {
	var firstErr error
	if err := s.primary.AppendEntry(ctx, e); err != nil && firstErr == nil {
		firstErr = err
	}
	for _, o := range s.others {
		if err := o.AppendEntry(ctx, e); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Store) QueryEntries(ctx context.Context, q types.AuditQuery) ([]types.AuditEntry, error) {
	return s.primary.QueryEntries(ctx, q)
}

func (s *Store) Close() error {
	var firstErr error
	if err := s.primary.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	for _, o := range s.others {
		if err := o.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

var _ store.AuditStore = (*Store)(nil)
