package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/gluk-w/termctl/internal/apperr"
)

// maxBodyBytes caps JSON request bodies. Rule imports are the largest.
const maxBodyBytes = 4 << 20

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail, "kind": apperr.KindValidation.String()})
}

// writeErr maps a component error onto its HTTP status. Attributes such as
// retry_after and violations travel with the body.
func (h *Handler) writeErr(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	status := apperr.HTTPStatus(kind)
	body := map[string]interface{}{"detail": err.Error(), "kind": kind.String()}
	for k, v := range apperr.Attributes(err) {
		body[k] = v
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err))
		var ae *apperr.Error
		if errors.As(err, &ae) && ae.Message != "" {
			body["detail"] = ae.Message
		}
	}
	if ra, ok := body["retry_after"].(string); ok {
		if d, err := time.ParseDuration(ra); err == nil {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.Seconds()))))
		}
	}
	writeJSON(w, status, body)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

func uintParam(w http.ResponseWriter, r *http.Request, name string) (uint, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, name), 10, 64)
	if err != nil || id == 0 {
		writeError(w, http.StatusBadRequest, "Invalid "+name)
		return 0, false
	}
	return uint(id), true
}

// queryInt returns def when the parameter is absent.
func queryInt(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}
