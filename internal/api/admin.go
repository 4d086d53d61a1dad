package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/marcus/medsync/internal/db"
	"github.com/marcus/medsync/internal/models"
	"github.com/marcus/medsync/internal/sync"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// queryInt parses an optional non-negative integer query parameter.
func queryInt(r *http.Request, key string, def int) (int, bool) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid json body")
		return false
	}
	return true
}

// handleStats handles GET /v1/admin/stats.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.Stats(r.Context())
	if err != nil {
		writeSyncError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleHistory handles GET /v1/admin/history?peer=&limit=.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(r, "limit", defaultPageSize)
	if !ok {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid limit")
		return
	}
	entries, err := s.engine.History(r.Context(), r.URL.Query().Get("peer"), min(limit, maxPageSize))
	if err != nil {
		writeSyncError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// handleListRecords handles GET /v1/admin/records?after=&before=&state=&peer=&limit=.
func (s *Server) handleListRecords(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	after, ok1 := queryInt(r, "after", 0)
	before, ok2 := queryInt(r, "before", 0)
	limit, ok3 := queryInt(r, "limit", defaultPageSize)
	if !ok1 || !ok2 || !ok3 {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "after, before and limit must be non-negative integers")
		return
	}
	state := models.RecordState(q.Get("state"))
	if state != "" && !state.IsValid() {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "unknown state "+string(state))
		return
	}

	page, err := s.engine.ListRecords(r.Context(), db.RecordQuery{
		AfterSeq:  int64(after),
		BeforeSeq: int64(before),
		State:     state,
		PeerID:    q.Get("peer"),
		Limit:     min(limit, maxPageSize),
	})
	if err != nil {
		writeSyncError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// handleGetRecord handles GET /v1/admin/records/{id}.
func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := s.engine.GetRecord(r.Context(), r.PathValue("id"))
	if err != nil {
		writeSyncError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleResetRecord handles POST /v1/admin/records/{id}/reset.
func (s *Server) handleResetRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := s.engine.ResetRecord(r.Context(), r.PathValue("id"))
	if err != nil {
		writeSyncError(w, r, err)
		return
	}
	logFor(r.Context()).Info("record reset", "record", rec.ID)
	writeJSON(w, http.StatusOK, rec)
}

// handleRemoveRecord handles POST /v1/admin/records/{id}/remove.
func (s *Server) handleRemoveRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := s.engine.RemoveRecord(r.Context(), r.PathValue("id"))
	if err != nil {
		writeSyncError(w, r, err)
		return
	}
	logFor(r.Context()).Info("record removed from sync", "record", rec.ID)
	writeJSON(w, http.StatusOK, rec)
}

// EntityRequest is the JSON body for PUT /v1/admin/entities/{class}/{uuid}.
type EntityRequest struct {
	Payload json.RawMessage `json:"payload"`
}

// handleGetEntity handles GET /v1/admin/entities/{class}/{uuid}.
func (s *Server) handleGetEntity(w http.ResponseWriter, r *http.Request) {
	ent, err := s.engine.GetEntity(r.Context(), r.PathValue("class"), r.PathValue("uuid"))
	if err != nil {
		writeSyncError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ent)
}

// handlePutEntity handles PUT /v1/admin/entities/{class}/{uuid}. The write
// is journaled and leaves with the next exchange.
func (s *Server) handlePutEntity(w http.ResponseWriter, r *http.Request) {
	var req EntityRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	rec, err := s.engine.PutEntity(r.Context(), r.PathValue("class"), r.PathValue("uuid"), string(req.Payload))
	if err != nil {
		writeSyncError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// handleDeleteEntity handles DELETE /v1/admin/entities/{class}/{uuid}.
func (s *Server) handleDeleteEntity(w http.ResponseWriter, r *http.Request) {
	rec, err := s.engine.DeleteEntity(r.Context(), r.PathValue("class"), r.PathValue("uuid"))
	if err != nil {
		writeSyncError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// RegisterPeerRequest is the JSON body for POST /v1/admin/peers.
type RegisterPeerRequest struct {
	ID            string                        `json:"id"`
	Nickname      string                        `json:"nickname"`
	Role          models.Role                   `json:"role"`
	Address       string                        `json:"address,omitempty"`
	OutboundToken string                        `json:"outbound_token,omitempty"`
	InboundToken  string                        `json:"inbound_token,omitempty"`
	MaxBatchWeb   int                           `json:"max_batch_web,omitempty"`
	MaxBatchFile  int                           `json:"max_batch_file,omitempty"`
	Policies      map[string]models.ClassPolicy `json:"policies,omitempty"`
}

// RegisterPeerResponse carries the inbound token the new peer must
// present. It is shown once.
type RegisterPeerResponse struct {
	Peer         *models.Peer `json:"peer"`
	InboundToken string       `json:"inbound_token"`
}

// UpdatePeerRequest is the JSON body for PATCH /v1/admin/peers/{id}.
type UpdatePeerRequest struct {
	Nickname      *string `json:"nickname,omitempty"`
	Address       *string `json:"address,omitempty"`
	OutboundToken *string `json:"outbound_token,omitempty"`
	Disabled      *bool   `json:"disabled,omitempty"`
	MaxBatchWeb   *int    `json:"max_batch_web,omitempty"`
	MaxBatchFile  *int    `json:"max_batch_file,omitempty"`
}

// ClassPolicyRequest is the JSON body for PUT /v1/admin/peers/{id}/classes/{class}.
type ClassPolicyRequest struct {
	SendTo      bool `json:"send_to"`
	ReceiveFrom bool `json:"receive_from"`
}

// handleListPeers handles GET /v1/admin/peers.
func (s *Server) handleListPeers(w http.ResponseWriter, r *http.Request) {
	peers, err := s.engine.ListPeers(r.Context())
	if err != nil {
		writeSyncError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"peers": peers})
}

// handleGetPeer handles GET /v1/admin/peers/{id}.
func (s *Server) handleGetPeer(w http.ResponseWriter, r *http.Request) {
	peer, err := s.engine.GetPeer(r.Context(), r.PathValue("id"))
	if err != nil {
		writeSyncError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, peer)
}

// handleRegisterPeer handles POST /v1/admin/peers.
func (s *Server) handleRegisterPeer(w http.ResponseWriter, r *http.Request) {
	var req RegisterPeerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	reg, err := s.engine.RegisterPeer(r.Context(), sync.PeerSpec{
		ID:            req.ID,
		Nickname:      req.Nickname,
		Role:          req.Role,
		Address:       req.Address,
		OutboundToken: req.OutboundToken,
		InboundToken:  req.InboundToken,
		MaxBatchWeb:   req.MaxBatchWeb,
		MaxBatchFile:  req.MaxBatchFile,
		Policies:      req.Policies,
	})
	if err != nil {
		writeSyncError(w, r, err)
		return
	}
	logFor(r.Context()).Info("peer registered", "peer", reg.Peer.Nickname, "role", reg.Peer.Role)
	writeJSON(w, http.StatusCreated, RegisterPeerResponse{Peer: reg.Peer, InboundToken: reg.InboundToken})
}

// handleUpdatePeer handles PATCH /v1/admin/peers/{id}.
func (s *Server) handleUpdatePeer(w http.ResponseWriter, r *http.Request) {
	var req UpdatePeerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	peer, err := s.engine.UpdatePeer(r.Context(), r.PathValue("id"), sync.PeerUpdate{
		Nickname:      req.Nickname,
		Address:       req.Address,
		OutboundToken: req.OutboundToken,
		Disabled:      req.Disabled,
		MaxBatchWeb:   req.MaxBatchWeb,
		MaxBatchFile:  req.MaxBatchFile,
	})
	if err != nil {
		writeSyncError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, peer)
}

// handleDeletePeer handles DELETE /v1/admin/peers/{id}?force=true.
func (s *Server) handleDeletePeer(w http.ResponseWriter, r *http.Request) {
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
	if err := s.engine.DeletePeer(r.Context(), r.PathValue("id"), force); err != nil {
		writeSyncError(w, r, err)
		return
	}
	logFor(r.Context()).Info("peer deleted", "peer", r.PathValue("id"), "force", force)
	w.WriteHeader(http.StatusNoContent)
}

// handleSetClassPolicy handles PUT /v1/admin/peers/{id}/classes/{class}.
func (s *Server) handleSetClassPolicy(w http.ResponseWriter, r *http.Request) {
	var req ClassPolicyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.engine.SetClassPolicy(r.Context(), r.PathValue("id"), r.PathValue("class"), req.SendTo, req.ReceiveFrom); err != nil {
		writeSyncError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// handleRotateToken handles POST /v1/admin/peers/{id}/rotate-token.
func (s *Server) handleRotateToken(w http.ResponseWriter, r *http.Request) {
	token, err := s.engine.RotateToken(r.Context(), r.PathValue("id"))
	if err != nil {
		writeSyncError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"inbound_token": token})
}

// handleTriggerExchange handles POST /v1/admin/peers/{id}/exchange. Failed
// exchanges still report their result next to the error.
func (s *Server) handleTriggerExchange(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.Exchange(r.Context(), r.PathValue("id"))
	if res != nil {
		s.metrics.RecordExchange(s.peerLabel(r.Context(), res.PeerID), string(models.DirectionPush), string(res.State))
	}
	if err != nil {
		writeSyncError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
