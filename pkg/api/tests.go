package api

import (
	"net/http"

	"github.com/chuckstables/fishtest/pkg/models"
)

// CreateTest handles POST /tests
func (h *Handler) CreateTest(w http.ResponseWriter, r *http.Request) {
	var req models.TestRequest
	if err := h.decode(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	test, err := h.coord.CreateTest(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, test)
}

// ListTests handles GET /tests
func (h *Handler) ListTests(w http.ResponseWriter, r *http.Request) {
	status := models.TestStatus(r.URL.Query().Get("status"))
	tests := h.coord.ListTests(r.Context(), status)

	if limit := queryInt(r, "limit", 0); limit > 0 && len(tests) > limit {
		tests = tests[len(tests)-limit:]
	}
	if tests == nil {
		tests = []models.TestView{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tests": tests,
		"count": len(tests),
	})
}

// GetTest handles GET /tests/{id}
func (h *Handler) GetTest(w http.ResponseWriter, r *http.Request) {
	id, err := h.testID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	view, err := h.coord.GetTest(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// ListTasks handles GET /tests/{id}/tasks
func (h *Handler) ListTasks(w http.ResponseWriter, r *http.Request) {
	id, err := h.testID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	tasks, err := h.coord.ListTasks(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if tasks == nil {
		tasks = []models.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tasks": tasks,
		"count": len(tasks),
	})
}

type stopRequest struct {
	Reason string `json:"reason"`
}

// StopTest handles POST /tests/{id}/stop. The body is optional.
func (h *Handler) StopTest(w http.ResponseWriter, r *http.Request) {
	id, err := h.testID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req stopRequest
	if r.ContentLength > 0 {
		if err := h.decode(r, &req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	if err := h.coord.StopTest(r.Context(), id, req.Reason); err != nil {
		writeError(w, err)
		return
	}
	h.writeView(w, r, id)
}

type priorityRequest struct {
	Priority *int `json:"priority" validate:"required"`
}

// SetPriority handles POST /tests/{id}/priority
func (h *Handler) SetPriority(w http.ResponseWriter, r *http.Request) {
	id, err := h.testID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req priorityRequest
	if err := h.decode(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.coord.SetPriority(r.Context(), id, *req.Priority); err != nil {
		writeError(w, err)
		return
	}
	h.writeView(w, r, id)
}

// DeleteTest handles DELETE /tests/{id}
func (h *Handler) DeleteTest(w http.ResponseWriter, r *http.Request) {
	id, err := h.testID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.coord.DeleteTest(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	h.writeView(w, r, id)
}

// ListWorkers handles GET /workers
func (h *Handler) ListWorkers(w http.ResponseWriter, r *http.Request) {
	workers := h.coord.ListWorkers()
	if workers == nil {
		workers = []models.Worker{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"workers": workers,
		"count":   len(workers),
	})
}

func (h *Handler) writeView(w http.ResponseWriter, r *http.Request, id string) {
	view, err := h.coord.GetTest(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}
