package transport

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"tradeloop/internal/engine"
	"tradeloop/internal/models"
)

func (s *Server) handleGetActiveLoops(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["tenant"]
	e, ok := s.engineFor(id)
	if !ok {
		writeError(w, http.StatusNotFound, "tenant "+id+" not found")
		return
	}
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	page := e.GetActiveLoops(engine.LoopFilter{
		Wallet:     models.WalletID(q.Get("wallet")),
		NFT:        models.NFTID(q.Get("nft")),
		Collection: models.CollectionID(q.Get("collection")),
		Limit:      limit,
		Cursor:     q.Get("cursor"),
	})
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"loops":       page.Loops,
		"next_cursor": page.NextCursor,
		"partial":     page.Partial,
	})
}

func (s *Server) handleGetLoopDetail(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	e, ok := s.engineFor(vars["tenant"])
	if !ok {
		writeError(w, http.StatusNotFound, "tenant "+vars["tenant"]+" not found")
		return
	}
	entry, ok := e.GetLoopDetail(vars["canonical_id"])
	if !ok {
		writeError(w, http.StatusNotFound, "loop "+vars["canonical_id"]+" not found")
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["tenant"]
	e, ok := s.engineFor(id)
	if !ok {
		writeError(w, http.StatusNotFound, "tenant "+id+" not found")
		return
	}
	writeJSON(w, http.StatusOK, e.GetStats())
}
