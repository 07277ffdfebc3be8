package handlers

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gluk-w/termctl/internal/policy"
	"github.com/gluk-w/termctl/internal/sshaudit"
)

// ListRules accepts the optional filters type, severity and enabled.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := policy.RuleFilter{Type: policy.RuleType(q.Get("type")), Severity: q.Get("severity")}
	if v := q.Get("enabled"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid enabled value")
			return
		}
		f.Enabled = &b
	}
	rules, err := h.policy.ListRules(r.Context(), f)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	if rules == nil {
		rules = []policy.Rule{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"rules": rules, "total": len(rules)})
}

func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var in policy.RuleInput
	if !decodeJSON(w, r, &in) {
		return
	}
	rule, err := h.policy.CreateRule(r.Context(), in)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	id, ok := uintParam(w, r, "id")
	if !ok {
		return
	}
	rule, err := h.policy.GetRule(r.Context(), id)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (h *Handler) UpdateRule(w http.ResponseWriter, r *http.Request) {
	id, ok := uintParam(w, r, "id")
	if !ok {
		return
	}
	var patch policy.RulePatch
	if !decodeJSON(w, r, &patch) {
		return
	}
	rule, err := h.policy.UpdateRule(r.Context(), id, patch)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (h *Handler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	id, ok := uintParam(w, r, "id")
	if !ok {
		return
	}
	if err := h.policy.DeleteRule(r.Context(), id); err != nil {
		h.writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ToggleRule(w http.ResponseWriter, r *http.Request) {
	id, ok := uintParam(w, r, "id")
	if !ok {
		return
	}
	rule, err := h.policy.ToggleRule(r.Context(), id)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

type testRuleRequest struct {
	Commands []string `json:"commands"`
}

func (h *Handler) TestRule(w http.ResponseWriter, r *http.Request) {
	id, ok := uintParam(w, r, "id")
	if !ok {
		return
	}
	var req testRuleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.Commands) == 0 {
		writeError(w, http.StatusBadRequest, "commands must not be empty")
		return
	}
	res, err := h.policy.TestRule(r.Context(), id, req.Commands)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type checkRequest struct {
	Command      string `json:"command"`
	EndpointID   uint   `json:"endpoint_id,omitempty"`
	SessionToken string `json:"session_token,omitempty"`
	Sensitive    bool   `json:"sensitive,omitempty"`
	// DryRun evaluates without writing a command_audit record.
	DryRun bool `json:"dry_run,omitempty"`
}

// CheckCommand runs the policy gate on a command without executing it.
func (h *Handler) CheckCommand(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Command == "" {
		writeError(w, http.StatusBadRequest, "command is required")
		return
	}
	cc := policy.CheckContext{
		EndpointID:   req.EndpointID,
		SessionToken: req.SessionToken,
		Actor:        sshaudit.ActorFrom(r.Context()),
		Sensitive:    req.Sensitive,
	}
	if req.DryRun {
		writeJSON(w, http.StatusOK, h.policy.Evaluate(req.Command, cc))
		return
	}
	v, err := h.policy.AuditCommand(r.Context(), req.Command, cc)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *Handler) ExportRules(w http.ResponseWriter, r *http.Request) {
	data, err := h.policy.ExportRules(r.Context())
	if err != nil {
		h.writeErr(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.Header().Set("Content-Disposition", `attachment; filename="rules.yaml"`)
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// ImportRules takes a YAML body. ?overwrite=true replaces rules with the
// same name.
func (h *Handler) ImportRules(w http.ResponseWriter, r *http.Request) {
	overwrite, _ := strconv.ParseBool(r.URL.Query().Get("overwrite"))
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read body")
		return
	}
	res, err := h.policy.ImportRules(r.Context(), data, overwrite)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// RuleStats accepts since as RFC3339 or as a number of hours.
func (h *Handler) RuleStats(w http.ResponseWriter, r *http.Request) {
	since, ok := parseSince(w, r)
	if !ok {
		return
	}
	st, err := h.policy.Stats(r.Context(), since)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func parseSince(w http.ResponseWriter, r *http.Request) (*time.Time, bool) {
	v := r.URL.Query().Get("since")
	if v == "" {
		return nil, true
	}
	if hours, err := strconv.Atoi(v); err == nil && hours > 0 {
		t := time.Now().Add(-time.Duration(hours) * time.Hour)
		return &t, true
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid since")
		return nil, false
	}
	return &t, true
}
