// Package jsonl mirrors audit entries to a JSON-lines file.
//
// The active file rotates when any limit is reached: its size, the number of
// entries it holds, or the age of its first entry. Rotated files are kept as
// path.1 (newest) through path.N and removed once they exceed MaxBackups or
// hold nothing newer than Retention.
package jsonl

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/agentsh/agentgate/internal/store"
	"github.com/agentsh/agentgate/pkg/types"
)

// Options configures a Store. Zero limits are off except where a default is
// noted.
type Options struct {
	Path       string
	MaxSizeMB  int           // 100
	MaxBackups int           // 3
	MaxEntries int           // entries per file
	MaxAge     time.Duration // age of the first entry in the active file
	Retention  time.Duration // rotated files older than this are removed
	Now        func() time.Time
	Logger     *slog.Logger
}

type Store struct {
	opts     Options
	maxBytes int64
	logger   *slog.Logger

	mu      sync.Mutex
	file    *os.File
	size    int64
	entries int
	firstAt time.Time
}

func New(opts Options) (*Store, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("jsonl path is empty")
	}
	if opts.MaxSizeMB <= 0 {
		opts.MaxSizeMB = 100
	}
	if opts.MaxBackups <= 0 {
		opts.MaxBackups = 3
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir log dir: %w", err)
	}

	s := &Store{
		opts:     opts,
		maxBytes: int64(opts.MaxSizeMB) * 1024 * 1024,
		logger:   logger,
	}
	if err := s.scanActive(); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(opts.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open jsonl: %w", err)
	}
	s.file = f
	s.pruneBackups()
	return s, nil
}

// scanActive picks up the counters of a file left by a previous run.
func (s *Store) scanActive() error {
	f, err := os.Open(s.opts.Path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open jsonl: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		s.size += int64(len(line)) + 1
		if len(line) == 0 {
			continue
		}
		if s.entries == 0 {
			var head struct {
				CreatedAt time.Time `json:"created_at"`
			}
			if json.Unmarshal(line, &head) == nil {
				s.firstAt = head.CreatedAt
			}
		}
		s.entries++
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("scan jsonl: %w", err)
	}
	return nil
}

func (s *Store) AppendEntry(_ context.Context, e types.AuditEntry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	b = append(b, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return fmt.Errorf("jsonl file not open")
	}
	if reason := s.rotateReasonLocked(); reason != "" {
		if err := s.rotateLocked(reason); err != nil {
			return err
		}
	}
	if _, err := s.file.Write(b); err != nil {
		return fmt.Errorf("write jsonl: %w", err)
	}
	if s.entries == 0 {
		s.firstAt = e.CreatedAt
		if s.firstAt.IsZero() {
			s.firstAt = s.opts.Now()
		}
	}
	s.size += int64(len(b))
	s.entries++
	return nil
}

func (s *Store) rotateReasonLocked() string {
	if s.entries == 0 {
		return ""
	}
	switch {
	case s.size >= s.maxBytes:
		return "size"
	case s.opts.MaxEntries > 0 && s.entries >= s.opts.MaxEntries:
		return "entries"
	case s.opts.MaxAge > 0 && !s.firstAt.IsZero() && s.opts.Now().Sub(s.firstAt) >= s.opts.MaxAge:
		return "age"
	}
	return ""
}

func (s *Store) QueryEntries(_ context.Context, _ types.AuditQuery) ([]types.AuditEntry, error) {
	return nil, store.ErrQueryUnsupported
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file != nil {
		err := s.file.Close()
		s.file = nil
		return err
	}
	return nil
}

func (s *Store) backup(i int) string { return fmt.Sprintf("%s.%d", s.opts.Path, i) }

func (s *Store) rotateLocked(reason string) error {
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("close for rotate: %w", err)
	}
	_ = os.Remove(s.backup(s.opts.MaxBackups))
	for i := s.opts.MaxBackups - 1; i >= 1; i-- {
		if _, err := os.Stat(s.backup(i)); err == nil {
			_ = os.Rename(s.backup(i), s.backup(i+1))
		}
	}
	if err := os.Rename(s.opts.Path, s.backup(1)); err != nil {
		s.logger.Warn("audit jsonl: rotate rename failed", "path", s.opts.Path, "error", err)
	}

	f, err := os.OpenFile(s.opts.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		s.file = nil
		return fmt.Errorf("reopen jsonl: %w", err)
	}
	s.logger.Info("audit jsonl: rotated", "path", s.opts.Path, "reason", reason, "entries", s.entries, "bytes", s.size)
	s.file = f
	s.size = 0
	s.entries = 0
	s.firstAt = time.Time{}
	s.pruneBackups()
	return nil
}

// pruneBackups removes rotated files whose last write is older than
// Retention. A backup is only written to while it is the active file, so its
// modification time is the time of its newest entry.
func (s *Store) pruneBackups() {
	if s.opts.Retention <= 0 {
		return
	}
	cutoff := s.opts.Now().Add(-s.opts.Retention)
	for i := 1; i <= s.opts.MaxBackups; i++ {
		st, err := os.Stat(s.backup(i))
		if err != nil {
			continue
		}
		if st.ModTime().Before(cutoff) {
			if err := os.Remove(s.backup(i)); err == nil {
				s.logger.Debug("audit jsonl: removed backup past retention", "file", s.backup(i))
			}
		}
	}
}

var _ store.AuditStore = (*Store)(nil)
