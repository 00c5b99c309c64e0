// Package sqlite persists audit entries in a local SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/agentsh/agentgate/internal/store"
	"github.com/agentsh/agentgate/pkg/types"
	_ "modernc.org/sqlite"
)

const (
	defaultLimit = 200
	maxLimit     = 5000
)

type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`CREATE TABLE IF NOT EXISTS audit_entries (
			entry_id TEXT PRIMARY KEY,
			ts_unix_ns INTEGER NOT NULL,
			session_id TEXT NOT NULL,
			request_id TEXT NOT NULL,
			operation TEXT NOT NULL,
			outcome TEXT NOT NULL,
			source TEXT NOT NULL,
			target TEXT,
			risk_score INTEGER,
			policy_version INTEGER NOT NULL,
			sequence INTEGER,
			payload_json TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_audit_session_ts ON audit_entries(session_id, ts_unix_ns);`,
		`CREATE INDEX IF NOT EXISTS idx_audit_operation_ts ON audit_entries(operation, ts_unix_ns);`,
		`CREATE INDEX IF NOT EXISTS idx_audit_outcome_ts ON audit_entries(outcome, ts_unix_ns);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite migrate: %w", err)
		}
	}
	return nil
}

func (s *Store) AppendEntry(ctx context.Context, e types.AuditEntry) error {
	if e.ID == "" {
		return fmt.Errorf("audit entry missing id")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}

	var score, seq any
	if e.Risk != nil {
		score = e.Risk.Score
	}
	if e.Integrity != nil {
		seq = e.Integrity.Sequence
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_entries(
			entry_id, ts_unix_ns, session_id, request_id, operation,
			outcome, source, target, risk_score, policy_version,
			sequence, payload_json
		) VALUES(?,?,?,?,?,?,?,?,?,?,?,?);`,
		e.ID,
		e.CreatedAt.UTC().UnixNano(),
		e.Session.ID,
		e.Request.ID,
		string(e.Request.Operation),
		string(e.Decision.Outcome),
		string(e.Decision.Source),
		nullable(e.Target),
		score,
		e.PolicyVersion,
		seq,
		string(b),
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// QueryEntries returns matching entries oldest first.
func (s *Store) QueryEntries(ctx context.Context, q types.AuditQuery) ([]types.AuditEntry, error) {
	where := []string{"1=1"}
	var args []any

	if q.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, q.SessionID)
	}
	if q.Operation != "" {
		where = append(where, "operation = ?")
		args = append(args, string(q.Operation))
	}
	if q.Outcome != "" {
		where = append(where, "outcome = ?")
		args = append(args, string(q.Outcome))
	}
	if q.Since != nil {
		where = append(where, "ts_unix_ns >= ?")
		args = append(args, q.Since.UTC().UnixNano())
	}
	if q.Until != nil {
		where = append(where, "ts_unix_ns <= ?")
		args = append(args, q.Until.UTC().UnixNano())
	}

	limit := q.Limit
	if limit <= 0 || limit > maxLimit {
		limit = defaultLimit
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT payload_json FROM audit_entries WHERE `+strings.Join(where, " AND ")+` ORDER BY ts_unix_ns ASC, entry_id ASC LIMIT ?`,
		append(args, limit)...,
	)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	var out []types.AuditEntry
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		var e types.AuditEntry
		if err := json.Unmarshal([]byte(payload), &e); err != nil {
			return nil, fmt.Errorf("unmarshal audit entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query audit rows: %w", err)
	}
	return out, nil
}

// Prune deletes entries created before cutoff and reports how many went.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM audit_entries WHERE ts_unix_ns < ?`, cutoff.UTC().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("prune audit entries: %w", err)
	}
	return res.RowsAffected()
}

// LastIntegrity returns the chain link of the highest-sequence entry, so an
// integrity chain can continue after a restart. ok is false when no chained
// entry is stored.
func (s *Store) LastIntegrity(ctx context.Context) (meta types.IntegrityMetadata, ok bool, err error) {
	var payload string
	err = s.db.QueryRowContext(ctx,
		`SELECT payload_json FROM audit_entries WHERE sequence IS NOT NULL ORDER BY sequence DESC LIMIT 1`,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return meta, false, nil
	}
	if err != nil {
		return meta, false, fmt.Errorf("query last integrity: %w", err)
	}
	var e types.AuditEntry
	if err := json.Unmarshal([]byte(payload), &e); err != nil {
		return meta, false, fmt.Errorf("unmarshal audit entry: %w", err)
	}
	if e.Integrity == nil {
		return meta, false, nil
	}
	return *e.Integrity, true, nil
}

// ChainedEntries returns every entry that carries integrity metadata, in
// chain order.
func (s *Store) ChainedEntries(ctx context.Context) ([]types.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload_json FROM audit_entries WHERE sequence IS NOT NULL ORDER BY sequence ASC`)
	if err != nil {
		return nil, fmt.Errorf("query chained entries: %w", err)
	}
	defer rows.Close()

	var out []types.AuditEntry
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		var e types.AuditEntry
		if err := json.Unmarshal([]byte(payload), &e); err != nil {
			return nil, fmt.Errorf("unmarshal audit entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

var _ store.AuditStore = (*Store)(nil)
