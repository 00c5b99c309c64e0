// Package webhook ships audit entries to an HTTP endpoint in the background.
//
// AppendEntry only queues. A single sender goroutine posts JSON arrays of up
// to BatchSize entries whenever a batch fills or FlushInterval elapses, and
// retries a failed post with exponential backoff before putting the batch back
// at the head of the queue. The queue is bounded; when it overflows the oldest
// entries are dropped and counted.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/agentsh/agentgate/internal/store"
	"github.com/agentsh/agentgate/pkg/types"
)

// ErrClosed is returned by AppendEntry after Close.
var ErrClosed = errors.New("webhook store closed")

// Options configures a Store. Zero values take the defaults noted per field.
type Options struct {
	URL           string
	Headers       map[string]string
	BatchSize     int           // 100
	FlushInterval time.Duration // 10s
	Timeout       time.Duration // 5s, per POST
	MaxRetries    int           // 3 retries after the first attempt; negative disables retries
	RetryInterval time.Duration // 500ms initial backoff
	MaxQueue      int           // 50 batches worth of entries
	Logger        *slog.Logger
}

// Stats counts delivery results since the store was opened.
type Stats struct {
	Sent    int64 `json:"sent"`
	Dropped int64 `json:"dropped"`
	Failed  int64 `json:"failed_posts"`
	Queued  int   `json:"queued"`
}

type Store struct {
	opts   Options
	client *http.Client
	logger *slog.Logger

	mu     sync.Mutex
	queue  []types.AuditEntry
	closed bool

	kick chan struct{}
	stop chan struct{}
	done chan struct{}

	sent    atomic.Int64
	dropped atomic.Int64
	failed  atomic.Int64
}

// New starts the background sender; Close stops it.
func New(opts Options) (*Store, error) {
	s, err := newStore(opts)
	if err != nil {
		return nil, err
	}
	go s.run()
	return s, nil
}

func newStore(opts Options) (*Store, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("webhook url is empty")
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 10 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	switch {
	case opts.MaxRetries == 0:
		opts.MaxRetries = 3
	case opts.MaxRetries < 0:
		opts.MaxRetries = 0
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 500 * time.Millisecond
	}
	if opts.MaxQueue <= 0 {
		opts.MaxQueue = 50 * opts.BatchSize
	}
	if opts.MaxQueue < opts.BatchSize {
		opts.MaxQueue = opts.BatchSize
	}
	headers := make(map[string]string, len(opts.Headers))
	for k, v := range opts.Headers {
		headers[k] = v
	}
	opts.Headers = headers
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Store{
		opts:   opts,
		client: &http.Client{Timeout: opts.Timeout},
		logger: logger,
		kick:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}, nil
}

// AppendEntry queues e for delivery. It never blocks on the network.
func (s *Store) AppendEntry(_ context.Context, e types.AuditEntry) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.queue = append(s.queue, e)
	s.trimLocked()
	full := len(s.queue) >= s.opts.BatchSize
	s.mu.Unlock()

	if full {
		select {
		case s.kick <- struct{}{}:
		default:
		}
	}
	return nil
}

func (s *Store) QueryEntries(_ context.Context, _ types.AuditQuery) ([]types.AuditEntry, error) {
	return nil, store.ErrQueryUnsupported
}

// Stats reports delivery counters and the current queue length.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	queued := len(s.queue)
	s.mu.Unlock()
	return Stats{
		Sent:    s.sent.Load(),
		Dropped: s.dropped.Load(),
		Failed:  s.failed.Load(),
		Queued:  queued,
	}
}

// Close stops the sender and makes one last delivery attempt per remaining
// batch. Entries that still cannot be delivered are counted as dropped.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.stop)
	<-s.done

	var errs []error
	for {
		batch := s.take()
		if len(batch) == 0 {
			break
		}
		if err := s.post(context.Background(), batch); err != nil {
			s.failed.Add(1)
			s.dropped.Add(int64(len(batch)))
			errs = append(errs, err)
		} else {
			s.sent.Add(int64(len(batch)))
		}
	}
	st := s.Stats()
	s.logger.Info("audit webhook: closed", "url", s.opts.URL, "sent", st.Sent, "dropped", st.Dropped, "failed_posts", st.Failed)
	return errors.Join(errs...)
}

func (s *Store) run() {
	defer close(s.done)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	ticker := time.NewTicker(s.opts.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.flushAll(ctx)
		case <-s.kick:
			s.flushAll(ctx)
		}
	}
}

// flushAll sends queued batches until the queue is empty or a batch exhausts
// its retries.
func (s *Store) flushAll(ctx context.Context) {
	for {
		batch := s.take()
		if len(batch) == 0 {
			return
		}
		if err := s.deliver(ctx, batch); err != nil {
			s.requeue(batch)
			if ctx.Err() == nil {
				s.logger.Warn("audit webhook: delivery failed, batch requeued",
					"url", s.opts.URL, "entries", len(batch), "error", err)
			}
			return
		}
		s.sent.Add(int64(len(batch)))
	}
}

func (s *Store) deliver(ctx context.Context, batch []types.AuditEntry) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.RetryInterval
	b.MaxInterval = s.opts.FlushInterval
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(s.opts.MaxRetries)), ctx)
	return backoff.Retry(func() error {
		err := s.post(ctx, batch)
		if err != nil {
			s.failed.Add(1)
		}
		return err
	}, policy)
}

func (s *Store) take() []types.AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := min(len(s.queue), s.opts.BatchSize)
	if n == 0 {
		return nil
	}
	batch := make([]types.AuditEntry, n)
	copy(batch, s.queue[:n])
	s.queue = s.queue[n:]
	return batch
}

func (s *Store) requeue(batch []types.AuditEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(append(make([]types.AuditEntry, 0, len(batch)+len(s.queue)), batch...), s.queue...)
	s.trimLocked()
}

// trimLocked drops the oldest entries beyond MaxQueue.
func (s *Store) trimLocked() {
	over := len(s.queue) - s.opts.MaxQueue
	if over <= 0 {
		return
	}
	s.queue = append([]types.AuditEntry(nil), s.queue[over:]...)
	s.dropped.Add(int64(over))
	s.logger.Warn("audit webhook: queue full, dropped oldest entries", "dropped", over)
}

func (s *Store) post(ctx context.Context, batch []types.AuditEntry) error {
	b, err := json.Marshal(batch)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("marshal batch: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.opts.URL, bytes.NewReader(b))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range s.opts.Headers {
		req.Header.Set(k, v)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook responded %s", resp.Status)
	}
	return nil
}

var _ store.AuditStore = (*Store)(nil)
