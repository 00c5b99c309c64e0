package api

import (
	"io"
	"net/http"
	"strconv"

	"github.com/agentsh/agentgate/internal/policy"
	"gopkg.in/yaml.v3"
)

// getPolicy returns the active policy as YAML, the format policy files use.
func (a *App) getPolicy(w http.ResponseWriter, r *http.Request) {
	c := a.orch.Policy()
	b, err := yaml.Marshal(c.Policy)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.Header().Set("X-Policy-Version", strconv.FormatInt(c.Version, 10))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(b)
}

// putPolicy replaces the active policy. The body is a policy document (YAML
// or JSON); an invalid document leaves the current policy in place.
func (a *App) putPolicy(w http.ResponseWriter, r *http.Request) {
	b, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]any{"error": "request body too large"})
		return
	}
	p, err := policy.Parse(b)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	if err := a.orch.UpdatePolicy(p); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	a.logger.Info("api: policy replaced", "by", identityFrom(r.Context()).ID, "name", p.Name)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "version": a.orch.Policy().Version})
}
