// Package notify pushes lifecycle events to outbound webhooks so approvers
// hear about waiting requests without polling.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"text/template"
	"time"

	"github.com/agentsh/agentgate/internal/events"
	"github.com/agentsh/agentgate/pkg/types"
)

// DefaultEvents are delivered when a hook names none.
var DefaultEvents = []string{types.EventRequestPending, types.EventRequestExpiring, types.EventEmergencyStop}

// Hook is one outbound endpoint.
type Hook struct {
	Name    string
	URL     string
	Method  string
	Headers map[string]string

	// Template renders the request body with .Event, .Pending and .Decision.
	// Empty sends the event as JSON.
	Template string

	// Events filters by event type. "*" and trailing-star prefixes match.
	Events []string

	Timeout    time.Duration
	RetryCount int
	RetryDelay time.Duration

	tmpl     *template.Template
	eventSet map[string]bool
}

// SlackTemplate posts a short message for a Slack incoming webhook.
const SlackTemplate = `{"text": {{if .Pending}}{{json (printf "Approval needed: %s %s (risk %d, session %s) id=%s" .Pending.Request.Operation .Pending.Target .Pending.Risk.Score .Pending.Session.ID .Pending.Request.ID)}}{{else}}{{json (printf "agentgate: %s %s" .Event.Type .Event.RequestID)}}{{end}}}`

// Dispatcher fans broker events out to registered hooks.
type Dispatcher struct {
	mu     sync.RWMutex
	hooks  map[string]*Hook
	client *http.Client

	sanitizer *events.Sanitizer
	logger    *slog.Logger

	inflight chan struct{}
	wg       sync.WaitGroup

	sent   atomic.Int64
	failed atomic.Int64
}

// NewDispatcher builds a dispatcher. Events are sanitized before they leave the process.
func NewDispatcher(san *events.Sanitizer, logger *slog.Logger) *Dispatcher {
	if san == nil {
		san = events.NewDefaultSanitizer()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		hooks:     make(map[string]*Hook),
		client:    &http.Client{},
		sanitizer: san,
		logger:    logger,
		inflight:  make(chan struct{}, 8),
	}
}

var funcs = template.FuncMap{
	"json": func(v any) (string, error) {
		b, err := json.Marshal(v)
		return string(b), err
	},
}

// Register adds or replaces a hook.
func (d *Dispatcher) Register(h Hook) error {
	if h.Name == "" {
		return fmt.Errorf("notify: hook name is required")
	}
	if h.URL == "" {
		return fmt.Errorf("notify: hook %q: url is required", h.Name)
	}
	if h.Method == "" {
		h.Method = http.MethodPost
	}
	if h.Timeout <= 0 {
		h.Timeout = 5 * time.Second
	}
	if h.RetryDelay <= 0 {
		h.RetryDelay = time.Second
	}
	if h.Template != "" {
		tmpl, err := template.New(h.Name).Funcs(funcs).Option("missingkey=zero").Parse(h.Template)
		if err != nil {
			return fmt.Errorf("notify: hook %q: invalid template: %w", h.Name, err)
		}
		h.tmpl = tmpl
	}
	if len(h.Events) == 0 {
		h.Events = DefaultEvents
	}
	h.eventSet = make(map[string]bool, len(h.Events))
	for _, e := range h.Events {
		h.eventSet[e] = true
	}

	d.mu.Lock()
	d.hooks[h.Name] = &h
	d.mu.Unlock()
	return nil
}

// Len reports the number of registered hooks.
func (d *Dispatcher) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.hooks)
}

// Run forwards broker events until ctx is done, then waits for in-flight sends.
func (d *Dispatcher) Run(ctx context.Context, b *events.Broker) {
	ch := b.Subscribe(events.AllSessions, 256)
	defer func() {
		b.Unsubscribe(events.AllSessions, ch)
		d.wg.Wait()
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			d.dispatchAsync(ctx, ev)
		}
	}
}

func (d *Dispatcher) dispatchAsync(ctx context.Context, ev types.Event) {
	hooks := d.matching(ev.Type)
	if len(hooks) == 0 {
		return
	}
	ev = d.sanitizer.SanitizeEvent(ev)
	for _, h := range hooks {
		select {
		case d.inflight <- struct{}{}:
		case <-ctx.Done():
			return
		}
		d.wg.Add(1)
		go func(h *Hook) {
			defer func() {
				<-d.inflight
				d.wg.Done()
			}()
			d.deliver(context.WithoutCancel(ctx), h, ev)
		}(h)
	}
}

// Dispatch sends ev to every matching hook and waits for the results.
func (d *Dispatcher) Dispatch(ctx context.Context, ev types.Event) error {
	ev = d.sanitizer.SanitizeEvent(ev)
	var errs []string
	for _, h := range d.matching(ev.Type) {
		if err := d.deliver(ctx, h, ev); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Stats returns delivered and failed notification counts.
func (d *Dispatcher) Stats() (sent, failed int64) {
	return d.sent.Load(), d.failed.Load()
}

func (d *Dispatcher) matching(eventType string) []*Hook {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []*Hook
	for _, h := range d.hooks {
		if h.matches(eventType) {
			out = append(out, h)
		}
	}
	return out
}

func (h *Hook) matches(eventType string) bool {
	if h.eventSet["*"] || h.eventSet[eventType] {
		return true
	}
	for p := range h.eventSet {
		if strings.HasSuffix(p, "*") && strings.HasPrefix(eventType, strings.TrimSuffix(p, "*")) {
			return true
		}
	}
	return false
}

func (h *Hook) render(ev types.Event) ([]byte, error) {
	if h.tmpl == nil {
		return json.Marshal(ev)
	}
	var buf bytes.Buffer
	data := map[string]any{"Event": ev, "Pending": ev.Pending, "Decision": ev.Decision}
	if err := h.tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}
	return buf.Bytes(), nil
}

func (d *Dispatcher) deliver(ctx context.Context, h *Hook, ev types.Event) error {
	body, err := h.render(ev)
	if err != nil {
		d.failed.Add(1)
		d.logger.Error("notify: render failed", "hook", h.Name, "type", ev.Type, "error", err)
		return fmt.Errorf("%s: %w", h.Name, err)
	}

	for attempt := 0; attempt <= h.RetryCount; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(h.RetryDelay):
			case <-ctx.Done():
				d.failed.Add(1)
				return fmt.Errorf("%s: %w", h.Name, ctx.Err())
			}
		}
		if err = d.post(ctx, h, body); err == nil {
			d.sent.Add(1)
			return nil
		}
	}
	d.failed.Add(1)
	d.logger.Warn("notify: delivery failed", "hook", h.Name, "type", ev.Type, "request_id", ev.RequestID, "attempts", h.RetryCount+1, "error", err)
	return fmt.Errorf("%s: %w", h.Name, err)
}

func (d *Dispatcher) post(ctx context.Context, h *Hook, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, h.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, h.Method, h.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range h.Headers {
		req.Header.Set(k, v)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("status %s", resp.Status)
	}
	return nil
}
