package handlers

import (
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/kimhsiao/festivo/internal/db"
	"github.com/kimhsiao/festivo/internal/logging"
	"github.com/kimhsiao/festivo/internal/models"
)

// CacheHandler handles the read-through entity cache.
type CacheHandler struct {
	store     *db.Store
	keepCount int
	maxAge    time.Duration
}

// NewCacheHandler creates a new CacheHandler.
func NewCacheHandler(store *db.Store, keepCount int, maxAge time.Duration) *CacheHandler {
	return &CacheHandler{store: store, keepCount: keepCount, maxAge: maxAge}
}

// Put handles PUT /cache/{id}
// Body is the raw entity JSON. Writing also prunes the cache down to the
// configured retention count, oldest cached_at first.
func (h *CacheHandler) Put(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	body, err := io.ReadAll(r.Body)
	if err != nil || len(body) == 0 || !json.Valid(body) {
		http.Error(w, "Body must be a JSON document", http.StatusBadRequest)
		return
	}

	if err := h.store.CacheEntity(id, body); err != nil {
		http.Error(w, "Failed to cache entity", http.StatusInternalServerError)
		return
	}

	pruned, err := h.store.PruneCachedEntities(h.keepCount)
	if err != nil {
		logging.Error("cache prune failed", err, logrus.Fields{"entity_id": id})
	} else if pruned > 0 {
		logging.Debug("cache pruned", logrus.Fields{"evicted": pruned})
	}

	w.WriteHeader(http.StatusNoContent)
}

// Get handles GET /cache/{id}
// Entries older than the configured max age are treated as misses.
func (h *CacheHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	entity, err := h.store.GetCachedEntity(id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			http.Error(w, "Not cached", http.StatusNotFound)
			return
		}
		http.Error(w, "Failed to read cache", http.StatusInternalServerError)
		return
	}

	if h.maxAge > 0 && entity.Age(time.Now()) > h.maxAge {
		http.Error(w, "Not cached", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, entity)
}

// List handles GET /cache
// Returns all cached entities, most recently cached first.
func (h *CacheHandler) List(w http.ResponseWriter, r *http.Request) {
	entities, err := h.store.GetAllCachedEntities()
	if err != nil {
		http.Error(w, "Failed to read cache", http.StatusInternalServerError)
		return
	}

	if entities == nil {
		entities = []*models.CachedEntity{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entities": entities,
		"count":    len(entities),
	})
}
