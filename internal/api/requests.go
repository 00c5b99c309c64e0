package api

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/agentsh/agentgate/internal/consent"
	"github.com/agentsh/agentgate/internal/session"
	"github.com/agentsh/agentgate/pkg/types"
	"github.com/go-chi/chi/v5"
)

// submitRequest blocks until the request is decided; the response is the
// decision. Only the session rate limit, capacity and the kill switch refuse
// a request outright.
func (a *App) submitRequest(w http.ResponseWriter, r *http.Request) {
	var req types.OperationRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	if req.Operation == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "operation is required"})
		return
	}
	sid := req.SessionID
	if sid == "" {
		sid = session.DefaultSessionID
	}
	if ok, wait := a.limiter.Reserve(sid); !ok {
		a.metrics.IncRateLimited()
		secs := int(math.Ceil(wait.Seconds()))
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		writeJSON(w, http.StatusTooManyRequests, map[string]any{"error": "session rate limit exceeded", "session_id": sid})
		return
	}

	dec, err := a.orch.Submit(r.Context(), req)
	if err != nil {
		var capErr *consent.CapacityError
		switch {
		case errors.As(err, &capErr):
			w.Header().Set("Retry-After", "5")
			writeJSON(w, http.StatusTooManyRequests, map[string]any{"error": err.Error(), "capacity": capErr.Capacity})
		case errors.Is(err, consent.ErrHalted):
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": err.Error()})
		default:
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		}
		return
	}
	writeJSON(w, http.StatusOK, dec)
}

type checkRequest struct {
	Operation types.Operation `json:"operation"`
	Target    string          `json:"target"`
	SessionID string          `json:"session_id,omitempty"`
}

type checkResponse struct {
	Decision types.PolicyResult `json:"decision"`
	Rule     string             `json:"rule,omitempty"`
	Source   string             `json:"source"`
	Version  int64              `json:"policy_version"`
}

func (a *App) checkPolicy(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	if req.Operation == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "operation is required"})
		return
	}
	if req.SessionID == "" {
		req.SessionID = session.DefaultSessionID
	}
	res := a.orch.EvaluatePolicy(req.SessionID, req.Operation, req.Target)
	writeJSON(w, http.StatusOK, checkResponse{
		Decision: res.Decision,
		Rule:     res.Rule,
		Source:   res.Source,
		Version:  a.orch.Policy().Version,
	})
}

func (a *App) listPending(w http.ResponseWriter, r *http.Request) {
	out := a.orch.Pending()
	if sid := r.URL.Query().Get("session_id"); sid != "" {
		filtered := out[:0]
		for _, p := range out {
			if p.Session.ID == sid {
				filtered = append(filtered, p)
			}
		}
		out = filtered
	}
	for i := range out {
		out[i] = a.sanitizePending(out[i])
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *App) getPending(w http.ResponseWriter, r *http.Request) {
	p, ok := a.orch.PendingRequest(chi.URLParam(r, "id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "request is not awaiting a decision"})
		return
	}
	writeJSON(w, http.StatusOK, a.sanitizePending(p))
}

func (a *App) sanitizePending(p types.PendingRequest) types.PendingRequest {
	ev := a.sanitizer.SanitizeEvent(types.Event{Pending: &p})
	return *ev.Pending
}

type decisionRequest struct {
	Outcome  types.Outcome       `json:"outcome"`
	Decision string              `json:"decision"` // "approve" or "deny", accepted for compatibility
	Remember bool                `json:"remember"`
	Scope    types.RememberScope `json:"scope"`
	TOTPCode string              `json:"totp_code,omitempty"`
}

func (a *App) decideRequest(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req decisionRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	outcome := req.Outcome
	if outcome == "" {
		switch req.Decision {
		case "approve", "allow":
			outcome = types.OutcomeAllow
		case "deny", "reject":
			outcome = types.OutcomeDeny
		}
	}

	caller := identityFrom(r.Context())
	if a.totp != nil {
		if _, ok := a.orch.PendingRequest(id); !ok {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": consent.ErrNotPending.Error()})
			return
		}
		if err := a.totp.Verify(caller.ID, req.TOTPCode); err != nil {
			a.logger.Warn("api: totp step-up failed", "request_id", id, "by", caller.ID, "error", err)
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": err.Error()})
			return
		}
	}

	err := a.orch.Decide(id, outcome, req.Remember, req.Scope)
	switch {
	case err == nil:
	case errors.Is(err, consent.ErrNotPending):
		writeJSON(w, http.StatusNotFound, map[string]any{"error": err.Error()})
		return
	default:
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	a.logger.Info("api: request decided", "request_id", id, "outcome", outcome, "by", caller.ID, "remember", req.Remember)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "request_id": id, "outcome": outcome})
}

func (a *App) listSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.orch.Sessions())
}

func (a *App) rememberedStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"count": a.orch.RememberedCount()})
}

func (a *App) clearRemembered(w http.ResponseWriter, r *http.Request) {
	n := a.orch.ClearRemembered()
	writeJSON(w, http.StatusOK, map[string]any{"cleared": n})
}

func parseLimit(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New("invalid limit")
	}
	return n, nil
}
