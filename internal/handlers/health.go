package handlers

import (
	"net/http"
	"time"

	"github.com/gluk-w/termctl/internal/scheduler"
	"github.com/gluk-w/termctl/internal/sshtransfer"
)

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	st := h.sessions.Stats()
	active := 0
	for _, j := range h.transfers.List() {
		if !sshtransfer.IsTerminal(j.Status) {
			active++
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":           "healthy",
		"uptime_seconds":   int(time.Since(h.started).Seconds()),
		"sessions":         st.Total,
		"max_sessions":     st.Max,
		"active_transfers": active,
		"subscribers":      h.bus.Subscribers(),
	})
}

func (h *Handler) SchedulerEntries(w http.ResponseWriter, r *http.Request) {
	entries := []scheduler.Entry{}
	if h.scheduler != nil {
		entries = h.scheduler.Entries()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": entries})
}
