package audit

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentsh/agentgate/internal/store"
	"github.com/agentsh/agentgate/pkg/types"
	"github.com/oklog/ulid/v2"
)

const (
	DefaultMaxEntries = 1000
	DefaultRetention  = 30 * 24 * time.Hour
)

type Config struct {
	// MaxEntries is a soft cap. Once exceeded, entries older than Retention
	// are pruned oldest-first; younger entries are kept even above the cap.
	MaxEntries int
	Retention  time.Duration
	Now        func() time.Time
}

// Export is the document written by Log.Export.
type Export struct {
	ExportedAt time.Time          `json:"exported_at"`
	Count      int                `json:"count"`
	Entries    []types.AuditEntry `json:"entries"`
}

type Log struct {
	cfg    Config
	sink   store.AuditStore
	chain  *IntegrityChain
	logger *slog.Logger

	mu      sync.RWMutex
	entries []types.AuditEntry
	entropy io.Reader

	sinkErrors atomic.Int64
	pruned     atomic.Int64
}

// NewLog builds a log. sink and chain are optional.
func NewLog(cfg Config, sink store.AuditStore, chain *IntegrityChain, logger *slog.Logger) *Log {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{
		cfg:     cfg,
		sink:    sink,
		chain:   chain,
		logger:  logger,
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

// Append records e and returns the stored copy. Persistence failures are
// logged and counted; they never reach the caller.
func (l *Log) Append(ctx context.Context, e types.AuditEntry) types.AuditEntry {
	now := l.cfg.Now().UTC()

	l.mu.Lock()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.ID = ulid.MustNew(ulid.Timestamp(e.CreatedAt), l.entropy).String()
	e.Integrity = nil
	if l.chain != nil {
		if err := l.chain.Link(&e); err != nil {
			l.logger.Error("audit: integrity link failed", "entry_id", e.ID, "error", err)
		}
	}
	l.entries = append(l.entries, e)
	l.pruneLocked(now)
	l.mu.Unlock()

	if l.sink != nil {
		if err := l.sink.AppendEntry(ctx, e); err != nil {
			l.sinkErrors.Add(1)
			l.logger.Error("audit: sink write failed", "entry_id", e.ID, "request_id", e.Request.ID, "error", err)
		}
	}
	return e
}

func (l *Log) pruneLocked(now time.Time) {
	if len(l.entries) <= l.cfg.MaxEntries {
		return
	}
	cutoff := now.Add(-l.cfg.Retention)
	n := 0
	for n < len(l.entries) && l.entries[n].CreatedAt.Before(cutoff) {
		n++
	}
	if n == 0 {
		return
	}
	kept := make([]types.AuditEntry, len(l.entries)-n)
	copy(kept, l.entries[n:])
	l.entries = kept
	l.pruned.Add(int64(n))
	l.logger.Debug("audit: pruned entries past retention", "count", n)
}

// Query returns entries matching q, oldest first. Limit keeps the newest.
func (l *Log) Query(q types.AuditQuery) []types.AuditEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]types.AuditEntry, 0)
	for _, e := range l.entries {
		if q.Matches(e) {
			out = append(out, e)
		}
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[len(out)-q.Limit:]
	}
	return out
}

// Entries returns a snapshot of the whole log.
func (l *Log) Entries() []types.AuditEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]types.AuditEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Export writes the full log as one JSON document.
func (l *Log) Export(w io.Writer) error {
	entries := l.Entries()
	doc := Export{
		ExportedAt: l.cfg.Now().UTC(),
		Count:      len(entries),
		Entries:    entries,
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("export audit log: %w", err)
	}
	return nil
}

// VerifyChain checks entries against the log's integrity key.
func (l *Log) VerifyChain(entries []types.AuditEntry) error {
	if l.chain == nil {
		return fmt.Errorf("integrity chain not configured")
	}
	return l.chain.Verify(entries)
}

func (l *Log) SinkErrors() int64 { return l.sinkErrors.Load() }

func (l *Log) Pruned() int64 { return l.pruned.Load() }

// ReadExport decodes a document produced by Export.
func ReadExport(r io.Reader) (Export, error) {
	var doc Export
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return Export{}, fmt.Errorf("decode audit export: %w", err)
	}
	if doc.Count != len(doc.Entries) {
		return doc, fmt.Errorf("audit export count %d does not match %d entries", doc.Count, len(doc.Entries))
	}
	return doc, nil
}
