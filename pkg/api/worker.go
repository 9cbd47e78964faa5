package api

import (
	"errors"
	"net/http"

	"github.com/chuckstables/fishtest/pkg/logging"
	"github.com/chuckstables/fishtest/pkg/models"
	"github.com/chuckstables/fishtest/pkg/scheduler"
)

// RequestTask handles POST /task/request
func (h *Handler) RequestTask(w http.ResponseWriter, r *http.Request) {
	var req models.TaskRequest
	if err := h.decode(r, &req); err != nil {
		h.exchanges.RecordExchange("request", "bad_request")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.coord.TouchWorker(req.WorkerID, req.WorkerName, &req.Capability)

	assignment, err := h.coord.RequestTask(r.Context(), req.WorkerID, req.Capability)
	if errors.Is(err, scheduler.ErrNoWorkAvailable) {
		h.exchanges.RecordExchange("request", string(models.StatusNoWork))
		writeJSON(w, http.StatusOK, models.TaskResponse{
			Status:     models.StatusNoWork,
			RetryAfter: retryAfterSeconds(h.noWorkRetry),
		})
		return
	}
	if err != nil {
		h.exchanges.RecordExchange("request", "error")
		h.logger.Error("Task request failed", logging.Fields{"worker_id": req.WorkerID, "error": err})
		writeError(w, err)
		return
	}

	h.exchanges.RecordExchange("request", string(models.StatusOK))
	writeJSON(w, http.StatusOK, models.TaskResponse{Status: models.StatusOK, Assignment: assignment})
}

// UpdateTask handles POST /task/update
func (h *Handler) UpdateTask(w http.ResponseWriter, r *http.Request) {
	var upd models.TaskUpdate
	if err := h.decode(r, &upd); err != nil {
		h.exchanges.RecordExchange("update", "bad_request")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	status, err := h.coord.Heartbeat(r.Context(), upd.WorkerID, upd.TaskID, upd.PartialResult)
	h.answer(w, "update", status, err)
}

// CompleteTask handles POST /task/complete
func (h *Handler) CompleteTask(w http.ResponseWriter, r *http.Request) {
	var done models.TaskCompletion
	if err := h.decode(r, &done); err != nil {
		h.exchanges.RecordExchange("complete", "bad_request")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	err := h.coord.CompleteTask(r.Context(), done.WorkerID, done.TaskID, done.FinalResult)
	h.answer(w, "complete", models.StatusOK, err)
}

// AbortTask handles POST /task/abort
func (h *Handler) AbortTask(w http.ResponseWriter, r *http.Request) {
	var abort models.TaskAbort
	if err := h.decode(r, &abort); err != nil {
		h.exchanges.RecordExchange("abort", "bad_request")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	err := h.coord.AbortTask(r.Context(), abort.WorkerID, abort.TaskID, abort.Reason)
	h.answer(w, "abort", models.StatusOK, err)
}

// answer writes the outcome of an update or completion exchange.
func (h *Handler) answer(w http.ResponseWriter, endpoint string, status models.UpdateStatus, err error) {
	switch {
	case err == nil:
	case errors.Is(err, scheduler.ErrUnknownTask):
		status = models.StatusUnknownTask
	case errors.Is(err, scheduler.ErrMalformedResult):
		h.exchanges.RecordExchange(endpoint, string(models.StatusMalformed))
		writeJSON(w, http.StatusUnprocessableEntity, models.UpdateResponse{
			Status: models.StatusMalformed,
			Error:  err.Error(),
		})
		return
	default:
		h.exchanges.RecordExchange(endpoint, "error")
		h.logger.Error("Worker exchange failed", logging.Fields{"endpoint": endpoint, "error": err})
		writeError(w, err)
		return
	}

	h.exchanges.RecordExchange(endpoint, string(status))
	writeJSON(w, http.StatusOK, models.UpdateResponse{Status: status})
}
