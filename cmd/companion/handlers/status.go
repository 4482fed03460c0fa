package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/kimhsiao/festivo/internal/db"
	"github.com/kimhsiao/festivo/internal/netmon"
	"github.com/kimhsiao/festivo/internal/sync"
)

// StatusHandler handles sync status, control, and connectivity reports.
type StatusHandler struct {
	store   *db.Store
	manager *sync.Manager
	monitor *netmon.Monitor
}

// NewStatusHandler creates a new StatusHandler.
func NewStatusHandler(store *db.Store, manager *sync.Manager, monitor *netmon.Monitor) *StatusHandler {
	return &StatusHandler{store: store, manager: manager, monitor: monitor}
}

// GetStatus handles GET /status
// Point-in-time read of the status projection.
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.manager.Status())
}

// SyncNow handles POST /sync/now
// Triggers a pass that ignores retry backoff and waits for it to finish.
func (h *StatusHandler) SyncNow(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.ForceSync(r.Context()); err != nil {
		http.Error(w, "Sync failed: "+err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "success",
		"snapshot": h.manager.Status(),
	})
}

// SetConnectivity handles POST /connectivity
// The host platform reports reachability transitions here; the daemon
// never probes the network itself.
func (h *StatusHandler) SetConnectivity(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Online *bool `json:"online"`
	}

	if err := json.NewDecoder(r.Body).Decode(&request); err != nil || request.Online == nil {
		http.Error(w, "online is required", http.StatusBadRequest)
		return
	}

	h.monitor.SetOnline(*request.Online)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "success",
		"online": *request.Online,
	})
}

// SetAuthToken handles POST /auth/token
// Updates credentials for subsequent delivery attempts. An empty or null
// token clears the credentials.
func (h *StatusHandler) SetAuthToken(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Token string `json:"token"`
	}

	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	h.manager.SetAuthToken(request.Token)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "success",
	})
}

// ClearData handles DELETE /data
// Wipes the queue, cache, and drafts. Used on logout.
func (h *StatusHandler) ClearData(w http.ResponseWriter, r *http.Request) {
	if err := h.store.ClearAll(); err != nil {
		http.Error(w, "Failed to clear offline data", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
