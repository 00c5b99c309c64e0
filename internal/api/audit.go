package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/agentsh/agentgate/internal/store"
	"github.com/agentsh/agentgate/pkg/types"
)

// queryAudit reads the in-memory log, or the persistent store when
// history=true is given and one is configured.
func (a *App) queryAudit(w http.ResponseWriter, r *http.Request) {
	q, err := parseAuditQuery(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	if r.URL.Query().Get("history") != "true" {
		writeJSON(w, http.StatusOK, a.orch.Audit().Query(q))
		return
	}
	if a.history == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]any{"error": "no persistent audit store configured"})
		return
	}
	entries, err := a.history.QueryEntries(r.Context(), q)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, store.ErrQueryUnsupported) {
			status = http.StatusNotImplemented
		}
		writeJSON(w, status, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (a *App) exportAudit(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=\"agentgate-audit-%s.json\"", time.Now().UTC().Format("20060102T150405Z")))
	if err := a.orch.Audit().Export(w); err != nil {
		a.logger.Error("api: audit export failed", "error", err)
	}
}

func parseAuditQuery(r *http.Request) (types.AuditQuery, error) {
	v := r.URL.Query()
	var q types.AuditQuery
	q.Operation = types.Operation(v.Get("operation"))
	q.Outcome = types.Outcome(v.Get("outcome"))
	q.SessionID = v.Get("session_id")

	limit, err := parseLimit(v.Get("limit"))
	if err != nil {
		return q, err
	}
	q.Limit = limit

	if since := v.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return q, fmt.Errorf("invalid since: %w", err)
		}
		q.Since = &t
	}
	if until := v.Get("until"); until != "" {
		t, err := time.Parse(time.RFC3339, until)
		if err != nil {
			return q, fmt.Errorf("invalid until: %w", err)
		}
		q.Until = &t
	}
	switch q.Outcome {
	case "", types.OutcomeAllow, types.OutcomeDeny, types.OutcomeTimeout:
	default:
		return q, fmt.Errorf("invalid outcome %q", q.Outcome)
	}
	return q, nil
}
