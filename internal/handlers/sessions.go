package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/gluk-w/termctl/internal/apperr"
	"github.com/gluk-w/termctl/internal/auth"
	"github.com/gluk-w/termctl/internal/sshaudit"
	"github.com/gluk-w/termctl/internal/sshmanager"
)

type connectRequest struct {
	EndpointID uint `json:"endpoint_id"`
	// Auth overrides the stored credentials for this connection only.
	Auth *auth.Material `json:"auth,omitempty"`
}

func (h *Handler) Connect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.EndpointID == 0 {
		writeError(w, http.StatusBadRequest, "endpoint_id is required")
		return
	}
	if req.Auth != nil {
		if err := req.Auth.Validate(); err != nil {
			h.writeErr(w, err)
			return
		}
	}

	s, err := h.sessions.Connect(r.Context(), req.EndpointID, req.Auth, sshaudit.ActorFrom(r.Context()))
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.Info())
}

func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	var list []sshmanager.SessionInfo
	if v := r.URL.Query().Get("endpoint_id"); v != "" {
		id, err := queryInt(r, "endpoint_id", 0)
		if err != nil || id <= 0 {
			writeError(w, http.StatusBadRequest, "Invalid endpoint_id")
			return
		}
		list = h.sessions.HostConnections(uint(id))
	} else {
		list = h.sessions.ActiveConnections()
	}
	if list == nil {
		list = []sshmanager.SessionInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": list})
}

func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	info, err := h.sessions.Get(chi.URLParam(r, "token"))
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// Disconnect is idempotent: an unknown token still answers 204.
func (h *Handler) Disconnect(w http.ResponseWriter, r *http.Request) {
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = sshmanager.ReasonUser
	}
	err := h.sessions.Disconnect(r.Context(), chi.URLParam(r, "token"), reason)
	if err != nil && !apperr.IsKind(err, apperr.KindNotFound) {
		h.writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type execRequest struct {
	Command        string            `json:"command"`
	Input          string            `json:"input,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
	Sensitive      bool              `json:"sensitive,omitempty"`
	PTY            bool              `json:"pty,omitempty"`
}

func (h *Handler) Exec(w http.ResponseWriter, r *http.Request) {
	var req execRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.TimeoutSeconds < 0 {
		writeError(w, http.StatusBadRequest, "timeout_seconds must not be negative")
		return
	}

	res, err := h.sessions.ExecuteCommand(r.Context(), chi.URLParam(r, "token"), req.Command, sshmanager.ExecOptions{
		Input:     req.Input,
		Env:       req.Env,
		PTY:       req.PTY,
		Timeout:   time.Duration(req.TimeoutSeconds) * time.Second,
		Sensitive: req.Sensitive,
	})
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) EndpointState(w http.ResponseWriter, r *http.Request) {
	id, ok := uintParam(w, r, "id")
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"endpoint_id":   id,
		"state":         h.sessions.EndpointState(id),
		"transitions":   h.sessions.EndpointTransitions(id),
		"recent_events": h.sessions.RecentEvents(id, 20),
		"rate_limit":    h.sessions.RateLimiter().Status(id),
		"sessions":      len(h.sessions.HostConnections(id)),
	})
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.sessions.Stats())
}
