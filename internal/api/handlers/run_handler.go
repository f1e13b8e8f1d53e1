// internal/api/handlers/run_handler.go
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/mbarrio/fanout/internal/models"
	"github.com/mbarrio/fanout/internal/storage/postgres"
)

const defaultListLimit = 50

type RunHandler struct {
	db *postgres.Client
}

func NewRunHandler(db *postgres.Client) *RunHandler {
	return &RunHandler{
		db: db,
	}
}

// ListRuns returns the most recent runs, newest first. The optional ?limit
// query parameter caps the count.
func (h *RunHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	runs, err := h.db.ListRuns(r.Context(), limit)
	if err != nil {
		http.Error(w, "failed to list runs", http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []models.Run{}
	}

	json.NewEncoder(w).Encode(runs)
}

// GetRun returns one run with its recorded task results.
func (h *RunHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")

	run, err := h.db.GetRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, postgres.ErrNotFound) {
			http.Error(w, "run not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to get run", http.StatusInternalServerError)
		return
	}

	tasks, err := h.db.GetRunTasks(r.Context(), runID)
	if err != nil {
		http.Error(w, "failed to get run tasks", http.StatusInternalServerError)
		return
	}
	if tasks == nil {
		tasks = []models.TaskResult{}
	}

	response := struct {
		*models.Run
		Tasks []models.TaskResult `json:"tasks"`
	}{
		Run:   run,
		Tasks: tasks,
	}

	json.NewEncoder(w).Encode(response)
}
