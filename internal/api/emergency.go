package api

import (
	"errors"
	"net/http"

	"github.com/agentsh/agentgate/pkg/emergency"
)

func (a *App) emergencyStop(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if !decodeJSON(w, r, &req, true) {
		return
	}
	res, err := a.kill.Activate(r.Context(), emergency.KillAllRequest{
		Reason: req.Reason,
		Actor:  identityFrom(r.Context()).ID,
	})
	if errors.Is(err, emergency.ErrAlreadyActivated) {
		writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error(), "status": a.kill.Status()})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *App) emergencyReset(w http.ResponseWriter, r *http.Request) {
	if err := a.kill.Reset(r.Context(), identityFrom(r.Context()).ID); err != nil {
		writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, a.kill.Status())
}

func (a *App) emergencyStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.kill.Status())
}
