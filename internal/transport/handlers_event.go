package transport

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"tradeloop/internal/models"
)

type submitInventoryRequest struct {
	Wallet models.WalletID `json:"wallet"`
	NFTs   []models.NFT    `json:"nfts"`
}

func (s *Server) handleSubmitInventory(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["tenant"]
	e, ok := s.engineFor(id)
	if !ok {
		writeError(w, http.StatusNotFound, "tenant "+id+" not found")
		return
	}
	var req submitInventoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	result, err := e.SubmitInventory(r.Context(), req.Wallet, req.NFTs)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type submitWantsRequest struct {
	Wallet            models.WalletID      `json:"wallet"`
	WantedNFTs        []models.NFTID       `json:"wanted_nfts"`
	WantedCollections []models.CollectionID `json:"wanted_collections"`
}

func (s *Server) handleSubmitWants(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["tenant"]
	e, ok := s.engineFor(id)
	if !ok {
		writeError(w, http.StatusNotFound, "tenant "+id+" not found")
		return
	}
	var req submitWantsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	result, err := e.SubmitWants(r.Context(), req.Wallet, req.WantedNFTs, req.WantedCollections)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type removeWantRequest struct {
	Wallet     models.WalletID    `json:"wallet"`
	NFT        models.NFTID       `json:"nft,omitempty"`
	Collection models.CollectionID `json:"collection,omitempty"`
}

func (s *Server) handleRemoveWant(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["tenant"]
	e, ok := s.engineFor(id)
	if !ok {
		writeError(w, http.StatusNotFound, "tenant "+id+" not found")
		return
	}
	var req removeWantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	result, err := e.RemoveWant(r.Context(), req.Wallet, req.NFT, req.Collection)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type notifyTransferRequest struct {
	NFT      models.NFTID    `json:"nft"`
	NewOwner models.WalletID `json:"new_owner"`
}

func (s *Server) handleNotifyTransfer(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["tenant"]
	e, ok := s.engineFor(id)
	if !ok {
		writeError(w, http.StatusNotFound, "tenant "+id+" not found")
		return
	}
	var req notifyTransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	result, err := e.NotifyTransfer(r.Context(), req.NFT, req.NewOwner)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type notifyCollectionMembershipRequest struct {
	Collection models.CollectionID `json:"collection"`
	Added      []models.NFTID      `json:"added"`
	Removed    []models.NFTID      `json:"removed"`
}

func (s *Server) handleNotifyCollectionMembership(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["tenant"]
	e, ok := s.engineFor(id)
	if !ok {
		writeError(w, http.StatusNotFound, "tenant "+id+" not found")
		return
	}
	var req notifyCollectionMembershipRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	result, err := e.NotifyCollectionMembership(r.Context(), req.Collection, req.Added, req.Removed)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}
