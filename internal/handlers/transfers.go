package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/gluk-w/termctl/internal/apperr"
	"github.com/gluk-w/termctl/internal/sshaudit"
	"github.com/gluk-w/termctl/internal/sshtransfer"
)

type transferRequest struct {
	EndpointID uint   `json:"endpoint_id"`
	LocalPath  string `json:"local_path"`
	RemotePath string `json:"remote_path"`
	Checksum   bool   `json:"checksum,omitempty"`
}

func (h *Handler) transferOptions(r *http.Request, checksum bool) sshtransfer.Options {
	return sshtransfer.Options{Checksum: checksum, Actor: sshaudit.ActorFrom(r.Context())}
}

func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	job, err := h.transfers.Upload(r.Context(), req.EndpointID, req.LocalPath, req.RemotePath, h.transferOptions(r, req.Checksum))
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (h *Handler) Download(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	job, err := h.transfers.Download(r.Context(), req.EndpointID, req.RemotePath, req.LocalPath, h.transferOptions(r, req.Checksum))
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

type batchRequest struct {
	EndpointID uint                    `json:"endpoint_id"`
	Items      []sshtransfer.BatchItem `json:"items"`
	Checksum   bool                    `json:"checksum,omitempty"`
}

// Batch blocks until every item has finished.
func (h *Handler) Batch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := h.transfers.Batch(r.Context(), req.EndpointID, req.Items, h.transferOptions(r, req.Checksum))
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) GetTransfer(w http.ResponseWriter, r *http.Request) {
	job, err := h.transfers.Get(chi.URLParam(r, "id"))
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *Handler) ActiveTransfers(w http.ResponseWriter, r *http.Request) {
	jobs := []sshtransfer.Job{}
	for _, j := range h.transfers.List() {
		if !sshtransfer.IsTerminal(j.Status) {
			jobs = append(jobs, j)
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"transfers": jobs})
}

// control applies pause, resume or cancel. A job that cannot make the move
// from its current state answers 409.
func (h *Handler) control(w http.ResponseWriter, r *http.Request, op func(string) bool, verb string) {
	id := chi.URLParam(r, "id")
	if _, err := h.transfers.Get(id); err != nil {
		h.writeErr(w, err)
		return
	}
	if !op(id) {
		h.writeErr(w, apperr.Errorf(apperr.KindIntegrity, "transfer cannot be %s in its current state", verb))
		return
	}
	job, err := h.transfers.Get(id)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *Handler) PauseTransfer(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, h.transfers.Pause, "paused")
}

func (h *Handler) ResumeTransfer(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, h.transfers.Resume, "resumed")
}

func (h *Handler) CancelTransfer(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, h.transfers.Cancel, "cancelled")
}

// TransferHistory lists persisted records. Query parameters: endpoint_id,
// page, page_size.
func (h *Handler) TransferHistory(w http.ResponseWriter, r *http.Request) {
	endpointID, err := queryInt(r, "endpoint_id", 0)
	if err != nil || endpointID < 0 {
		writeError(w, http.StatusBadRequest, "Invalid endpoint_id")
		return
	}
	page, err := queryInt(r, "page", 1)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid page")
		return
	}
	pageSize, err := queryInt(r, "page_size", 50)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid page_size")
		return
	}
	res, err := h.transfers.History(r.Context(), uint(endpointID), page, pageSize)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
