package transport

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"tradeloop/internal/config"
)

// createTenantRequest is the Admin surface's create_tenant payload:
// an id plus the typed per-tenant Settings object.
// Settings fields the request omits keep their config.DefaultSettings
// values.
type createTenantRequest struct {
	ID       string           `json:"id"`
	Settings *config.Settings `json:"settings,omitempty"`
}

func (s *Server) handleCreateTenant(w http.ResponseWriter, r *http.Request) {
	defaults := config.DefaultSettings()
	req := createTenantRequest{Settings: &defaults}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ID == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}
	settings := config.DefaultSettings()
	if req.Settings != nil {
		settings = *req.Settings
	}

	tctx, err := s.registry.CreateTenant(req.ID, settings, s.persister)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	s.startEngine(tctx, defaultWorkerCount)
	writeJSON(w, http.StatusCreated, map[string]string{"id": req.ID})
}

func (s *Server) handleDeleteTenant(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["tenant"]
	if err := s.registry.DeleteTenant(id); err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	s.dropTenant(id)
	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

func (s *Server) handleTenantUsage(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["tenant"]
	tctx, err := s.registry.Tenant(id)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, tctx.Usage())
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["tenant"]
	var settings config.Settings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.registry.UpdateSettings(id, settings); err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}
