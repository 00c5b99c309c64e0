// Package metrics exports decision counters in the Prometheus text format.
package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Collector provides a minimal Prometheus-compatible metrics exporter.
type Collector struct {
	startedAt time.Time

	decisionsTotal atomic.Uint64
	byDecision     sync.Map // "operation|outcome|source" -> *atomic.Uint64
	eventsByType   sync.Map // string -> *atomic.Uint64

	capacityRejected atomic.Uint64
	haltedRejected   atomic.Uint64
	rateLimited      atomic.Uint64
	panicsRecovered  atomic.Uint64

	latencyMu    sync.Mutex
	latencySum   time.Duration
	latencyCount uint64
}

func New() *Collector {
	return &Collector{startedAt: time.Now().UTC()}
}

// IncDecision counts one resolved request.
func (c *Collector) IncDecision(operation, outcome, source string) {
	if c == nil {
		return
	}
	c.decisionsTotal.Add(1)
	key := label(operation) + "|" + label(outcome) + "|" + label(source)
	ptr, _ := c.byDecision.LoadOrStore(key, &atomic.Uint64{})
	ptr.(*atomic.Uint64).Add(1)
}

// ObserveDecisionLatency records how long a request took from admission to decision.
func (c *Collector) ObserveDecisionLatency(d time.Duration) {
	if c == nil {
		return
	}
	c.latencyMu.Lock()
	c.latencySum += d
	c.latencyCount++
	c.latencyMu.Unlock()
}

func (c *Collector) IncEvent(eventType string) {
	if c == nil {
		return
	}
	ptr, _ := c.eventsByType.LoadOrStore(label(eventType), &atomic.Uint64{})
	ptr.(*atomic.Uint64).Add(1)
}

func (c *Collector) IncCapacityRejected() {
	if c == nil {
		return
	}
	c.capacityRejected.Add(1)
}

func (c *Collector) IncHaltedRejected() {
	if c == nil {
		return
	}
	c.haltedRejected.Add(1)
}

func (c *Collector) IncRateLimited() {
	if c == nil {
		return
	}
	c.rateLimited.Add(1)
}

func (c *Collector) IncPanicRecovered() {
	if c == nil {
		return
	}
	c.panicsRecovered.Add(1)
}

func (c *Collector) DecisionsTotal() uint64 {
	if c == nil {
		return 0
	}
	return c.decisionsTotal.Load()
}

// HandlerOptions supplies gauges read at scrape time.
type HandlerOptions struct {
	PendingCount    func() int
	SessionCount    func() int
	AuditEntries    func() int
	AuditSinkErrors func() int64
	EventsDropped   func() int64
	PolicyVersion   func() int64
}

func (c *Collector) Handler(opts HandlerOptions) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		fmt.Fprint(w, "# HELP agentgate_up Whether the agentgate server is running.\n")
		fmt.Fprint(w, "# TYPE agentgate_up gauge\n")
		fmt.Fprint(w, "agentgate_up 1\n")

		fmt.Fprint(w, "# HELP agentgate_uptime_seconds Seconds since the collector was created.\n")
		fmt.Fprint(w, "# TYPE agentgate_uptime_seconds gauge\n")
		fmt.Fprintf(w, "agentgate_uptime_seconds %d\n", int64(time.Since(c.startedAt).Seconds()))

		fmt.Fprint(w, "# HELP agentgate_decisions_total Requests resolved.\n")
		fmt.Fprint(w, "# TYPE agentgate_decisions_total counter\n")
		fmt.Fprintf(w, "agentgate_decisions_total %d\n", c.decisionsTotal.Load())

		keys := snapshotKeys(&c.byDecision)
		if len(keys) > 0 {
			fmt.Fprint(w, "# HELP agentgate_decisions_by_outcome_total Requests resolved by operation, outcome and source.\n")
			fmt.Fprint(w, "# TYPE agentgate_decisions_by_outcome_total counter\n")
			for _, k := range keys {
				parts := strings.SplitN(k, "|", 3)
				fmt.Fprintf(w, "agentgate_decisions_by_outcome_total{operation=\"%s\",outcome=\"%s\",source=\"%s\"} %d\n",
					escapeLabelValue(parts[0]), escapeLabelValue(parts[1]), escapeLabelValue(parts[2]), load(&c.byDecision, k))
			}
		}

		c.latencyMu.Lock()
		sum, count := c.latencySum, c.latencyCount
		c.latencyMu.Unlock()
		fmt.Fprint(w, "# HELP agentgate_decision_latency_seconds Time from admission to decision.\n")
		fmt.Fprint(w, "# TYPE agentgate_decision_latency_seconds summary\n")
		fmt.Fprintf(w, "agentgate_decision_latency_seconds_sum %g\n", sum.Seconds())
		fmt.Fprintf(w, "agentgate_decision_latency_seconds_count %d\n", count)

		fmt.Fprint(w, "# HELP agentgate_rejected_total Submissions refused before admission.\n")
		fmt.Fprint(w, "# TYPE agentgate_rejected_total counter\n")
		fmt.Fprintf(w, "agentgate_rejected_total{reason=\"capacity\"} %d\n", c.capacityRejected.Load())
		fmt.Fprintf(w, "agentgate_rejected_total{reason=\"halted\"} %d\n", c.haltedRejected.Load())
		fmt.Fprintf(w, "agentgate_rejected_total{reason=\"rate_limited\"} %d\n", c.rateLimited.Load())

		fmt.Fprint(w, "# HELP agentgate_panics_recovered_total Internal panics resolved as deny.\n")
		fmt.Fprint(w, "# TYPE agentgate_panics_recovered_total counter\n")
		fmt.Fprintf(w, "agentgate_panics_recovered_total %d\n", c.panicsRecovered.Load())

		events := snapshotKeys(&c.eventsByType)
		if len(events) > 0 {
			fmt.Fprint(w, "# HELP agentgate_events_by_type_total Notifications published by type.\n")
			fmt.Fprint(w, "# TYPE agentgate_events_by_type_total counter\n")
			for _, t := range events {
				fmt.Fprintf(w, "agentgate_events_by_type_total{type=\"%s\"} %d\n", escapeLabelValue(t), load(&c.eventsByType, t))
			}
		}

		gauge(w, "agentgate_pending_requests", "Requests awaiting a human decision.", opts.PendingCount)
		gauge(w, "agentgate_sessions", "Sessions tracked.", opts.SessionCount)
		gauge(w, "agentgate_audit_entries", "Entries held in the in-memory audit log.", opts.AuditEntries)
		counter64(w, "agentgate_audit_sink_errors_total", "Audit entries the persistent sink failed to store.", opts.AuditSinkErrors)
		counter64(w, "agentgate_events_dropped_total", "Notifications dropped for slow subscribers.", opts.EventsDropped)
		if opts.PolicyVersion != nil {
			fmt.Fprint(w, "# HELP agentgate_policy_version Version of the active policy.\n")
			fmt.Fprint(w, "# TYPE agentgate_policy_version gauge\n")
			fmt.Fprintf(w, "agentgate_policy_version %d\n", opts.PolicyVersion())
		}
	})
}

func gauge(w http.ResponseWriter, name, help string, fn func() int) {
	if fn == nil {
		return
	}
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s gauge\n", name)
	fmt.Fprintf(w, "%s %d\n", name, fn())
}

func counter64(w http.ResponseWriter, name, help string, fn func() int64) {
	if fn == nil {
		return
	}
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s counter\n", name)
	fmt.Fprintf(w, "%s %d\n", name, fn())
}

func label(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}

func load(m *sync.Map, key string) uint64 {
	ptr, ok := m.Load(key)
	if !ok {
		return 0
	}
	return ptr.(*atomic.Uint64).Load()
}

func snapshotKeys(m *sync.Map) []string {
	var out []string
	m.Range(func(k, _ any) bool {
		if s, ok := k.(string); ok {
			out = append(out, s)
		}
		return true
	})
	sort.Strings(out)
	return out
}

func escapeLabelValue(v string) string {
	// Prometheus text format label escaping for " and \ and newlines.
	v = strings.ReplaceAll(v, "\\", "\\\\")
	v = strings.ReplaceAll(v, "\n", "\\n")
	v = strings.ReplaceAll(v, "\"", "\\\"")
	return v
}
