package handlers

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kimhsiao/festivo/internal/db"
	"github.com/kimhsiao/festivo/internal/models"
	"github.com/kimhsiao/festivo/internal/sync"
)

// QueueHandler handles action queue operations.
type QueueHandler struct {
	store   *db.Store
	manager *sync.Manager
}

// NewQueueHandler creates a new QueueHandler.
func NewQueueHandler(store *db.Store, manager *sync.Manager) *QueueHandler {
	return &QueueHandler{store: store, manager: manager}
}

// Enqueue handles POST /queue
// Persists a new action locally; succeeds regardless of connectivity.
func (h *QueueHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Kind    models.ActionKind `json:"kind"`
		Payload json.RawMessage   `json:"payload"`
	}

	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if request.Kind == "" {
		http.Error(w, "kind is required", http.StatusBadRequest)
		return
	}
	if len(request.Payload) == 0 {
		http.Error(w, "payload is required", http.StatusBadRequest)
		return
	}

	id, err := h.manager.Enqueue(request.Kind, request.Payload)
	if err != nil {
		http.Error(w, "Failed to enqueue action", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id": id,
	})
}

// List handles GET /queue
// Returns every queued action in created_at order, so the UI can surface
// failed actions alongside pending ones.
func (h *QueueHandler) List(w http.ResponseWriter, r *http.Request) {
	actions, err := h.store.ListActions()
	if err != nil {
		http.Error(w, "Failed to read queue", http.StatusInternalServerError)
		return
	}

	if actions == nil {
		actions = []*models.QueuedAction{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"actions": actions,
		"count":   len(actions),
	})
}

// Retry handles POST /queue/{id}/retry
// Resets a terminally failed action and triggers a pass.
func (h *QueueHandler) Retry(w http.ResponseWriter, r *http.Request) {
	id := models.ActionID(chi.URLParam(r, "id"))

	if err := h.store.RetryAction(id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			http.Error(w, "No failed action with that id", http.StatusNotFound)
			return
		}
		http.Error(w, "Failed to reset action", http.StatusInternalServerError)
		return
	}

	h.manager.TriggerSync()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "success",
	})
}

// RetryAll handles POST /queue/retry
// Resets every terminally failed action and triggers a pass.
func (h *QueueHandler) RetryAll(w http.ResponseWriter, r *http.Request) {
	reset, err := h.manager.RetryFailed()
	if err != nil {
		http.Error(w, "Failed to reset actions", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "success",
		"reset":  reset,
	})
}

// Discard handles DELETE /queue/{id}
// Removes an action; deleting a missing id is not an error.
func (h *QueueHandler) Discard(w http.ResponseWriter, r *http.Request) {
	id := models.ActionID(chi.URLParam(r, "id"))

	if err := h.store.DeleteAction(id); err != nil {
		http.Error(w, "Failed to delete action", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
