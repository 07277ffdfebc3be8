package handlers

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/gluk-w/termctl/internal/sshaudit"
)

// auditFilter parses the shared audit query parameters: user_id, username,
// endpoint_id, session_token, category, action, status, risk_level,
// start_time, end_time (RFC3339) and keyword.
func auditFilter(w http.ResponseWriter, r *http.Request) (sshaudit.Filter, bool) {
	q := r.URL.Query()
	f := sshaudit.Filter{
		Username:     q.Get("username"),
		SessionToken: q.Get("session_token"),
		Category:     q.Get("category"),
		Action:       q.Get("action"),
		Status:       q.Get("status"),
		RiskLevel:    q.Get("risk_level"),
		Keyword:      q.Get("keyword"),
	}
	if v := q.Get("user_id"); v != "" {
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid user_id")
			return f, false
		}
		f.UserID = uint(id)
	}
	if v := q.Get("endpoint_id"); v != "" {
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid endpoint_id")
			return f, false
		}
		f.EndpointID = uint(id)
	}
	if v := q.Get("start_time"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid start_time format, use RFC3339")
			return f, false
		}
		f.Since = &t
	}
	if v := q.Get("end_time"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid end_time format, use RFC3339")
			return f, false
		}
		f.Until = &t
	}
	return f, true
}

// QueryAudit pages through audit events, newest first.
func (h *Handler) QueryAudit(w http.ResponseWriter, r *http.Request) {
	f, ok := auditFilter(w, r)
	if !ok {
		return
	}
	page, err := queryInt(r, "page", 1)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid page")
		return
	}
	pageSize, err := queryInt(r, "page_size", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid page_size")
		return
	}
	res, err := h.audit.Query(r.Context(), f, sshaudit.Page{Page: page, PageSize: pageSize})
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) AuditStats(w http.ResponseWriter, r *http.Request) {
	since, ok := parseSince(w, r)
	if !ok {
		return
	}
	st, err := h.audit.Statistics(r.Context(), since)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// ExportAudit streams matching events as csv or json (the default).
func (h *Handler) ExportAudit(w http.ResponseWriter, r *http.Request) {
	f, ok := auditFilter(w, r)
	if !ok {
		return
	}
	format := r.URL.Query().Get("format")
	if format == "" {
		format = sshaudit.FormatJSON
	}
	if format != sshaudit.FormatJSON && format != sshaudit.FormatCSV {
		writeError(w, http.StatusBadRequest, "format must be csv or json")
		return
	}

	contentType := "application/json"
	if format == sshaudit.FormatCSV {
		contentType = "text/csv"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="audit-%s.%s"`, time.Now().UTC().Format("20060102-150405"), format))
	if err := h.audit.Export(r.Context(), w, f, format); err != nil {
		// Headers are gone by now; all that is left is to log.
		h.logger.Error("audit export failed", zap.Error(err))
	}
}

type deleteAuditRequest struct {
	IDs []uint `json:"ids,omitempty"`
	// OlderThanDays purges by age when IDs is empty.
	OlderThanDays int `json:"older_than_days,omitempty"`
}

func (h *Handler) DeleteAudit(w http.ResponseWriter, r *http.Request) {
	var req deleteAuditRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	var (
		n   int64
		err error
	)
	switch {
	case len(req.IDs) > 0:
		n, err = h.audit.DeleteByIDs(r.Context(), req.IDs)
	case req.OlderThanDays > 0:
		n, err = h.audit.PurgeOlderThan(req.OlderThanDays)
	default:
		writeError(w, http.StatusBadRequest, "ids or older_than_days is required")
		return
	}
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}
