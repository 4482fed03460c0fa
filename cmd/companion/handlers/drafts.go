package handlers

import (
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kimhsiao/festivo/internal/db"
)

// DraftHandler handles locally saved drafts. Overwrite on save, delete on
// commit; drafts never enter the sync queue.
type DraftHandler struct {
	store *db.Store
}

// NewDraftHandler creates a new DraftHandler.
func NewDraftHandler(store *db.Store) *DraftHandler {
	return &DraftHandler{store: store}
}

// Save handles PUT /drafts/{id}
// Body is the raw draft content JSON.
func (h *DraftHandler) Save(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	body, err := io.ReadAll(r.Body)
	if err != nil || len(body) == 0 || !json.Valid(body) {
		http.Error(w, "Body must be a JSON document", http.StatusBadRequest)
		return
	}

	if err := h.store.SaveDraft(id, body); err != nil {
		http.Error(w, "Failed to save draft", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Get handles GET /drafts/{id}
func (h *DraftHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	draft, err := h.store.GetDraft(id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			http.Error(w, "Draft not found", http.StatusNotFound)
			return
		}
		http.Error(w, "Failed to read draft", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, draft)
}

// Delete handles DELETE /drafts/{id}
// Idempotent; deleting a missing draft is not an error.
func (h *DraftHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.store.DeleteDraft(id); err != nil {
		http.Error(w, "Failed to delete draft", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
