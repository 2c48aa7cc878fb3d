package transport

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"tradeloop/internal/models"
)

// registerRoutes is split one function per surface, composed onto the
// router by NewServer.
func registerRoutes(r *mux.Router, s *Server) {
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	registerAdminRoutes(r, s)

	events := r.PathPrefix("/v1/{tenant}").Subrouter()
	events.Use(s.auth.Middleware)
	registerEventRoutes(events, s)
	registerQueryRoutes(events, s)
	events.HandleFunc("/ws", s.handleWebSocket).Methods(http.MethodGet)
}

func registerAdminRoutes(r *mux.Router, s *Server) {
	r.HandleFunc("/admin/tenants", s.handleCreateTenant).Methods(http.MethodPost)
	r.HandleFunc("/admin/tenants/{tenant}", s.handleDeleteTenant).Methods(http.MethodDelete)
	r.HandleFunc("/admin/tenants/{tenant}/usage", s.handleTenantUsage).Methods(http.MethodGet)
	r.HandleFunc("/admin/tenants/{tenant}/settings", s.handleUpdateSettings).Methods(http.MethodPut)
}

func registerEventRoutes(r *mux.Router, s *Server) {
	r.HandleFunc("/inventory", s.handleSubmitInventory).Methods(http.MethodPost)
	r.HandleFunc("/wants", s.handleSubmitWants).Methods(http.MethodPost)
	r.HandleFunc("/wants", s.handleRemoveWant).Methods(http.MethodDelete)
	r.HandleFunc("/transfers", s.handleNotifyTransfer).Methods(http.MethodPost)
	r.HandleFunc("/collections/membership", s.handleNotifyCollectionMembership).Methods(http.MethodPost)
}

func registerQueryRoutes(r *mux.Router, s *Server) {
	r.HandleFunc("/loops", s.handleGetActiveLoops).Methods(http.MethodGet)
	r.HandleFunc("/loops/{canonical_id}", s.handleGetLoopDetail).Methods(http.MethodGet)
	r.HandleFunc("/stats", s.handleGetStats).Methods(http.MethodGet)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusForError maps tradeloop's error taxonomy onto HTTP
// status codes; transports not bound to HTTP would map the same Code
// onto their own equivalent (a gRPC status, a WS error frame, ...).
func statusForError(err error) int {
	var te *models.Error
	if !errors.As(err, &te) {
		return http.StatusInternalServerError
	}
	switch te.Code {
	case models.ErrUnknownTenant, models.ErrUnknownNft:
		return http.StatusNotFound
	case models.ErrDuplicateOwnership, models.ErrSelfWant, models.ErrInvalidArgument:
		return http.StatusBadRequest
	case models.ErrBusy, models.ErrRateLimited, models.ErrQuotaExceeded:
		return http.StatusTooManyRequests
	case models.ErrDependencyUnavailable, models.ErrPersistenceDegraded:
		return http.StatusServiceUnavailable
	case models.ErrInvariantViolation:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
