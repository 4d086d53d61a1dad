package api

import (
	"net/http"
	"strconv"

	"github.com/marcus/medsync/internal/models"
	"github.com/marcus/medsync/internal/wire"
)

// Headers describing a file-channel result next to the attached file.
const (
	headerState   = "X-Medsync-State"
	headerRecords = "X-Medsync-Records"
)

// handleExport handles GET /v1/admin/peers/{id}/transmission: a one-shot
// transmission file for peers reachable only by removable media.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	exp, err := s.engine.Export(r.Context(), r.PathValue("id"))
	if err != nil {
		writeSyncError(w, r, err)
		return
	}
	s.metrics.RecordExchange(s.peerLabel(r.Context(), exp.PeerID), string(models.DirectionExport), string(models.TransmissionPending))
	w.Header().Set(headerRecords, strconv.Itoa(exp.Records))
	writeAttachment(w, wire.ContentType, exp.FileName, exp.Payload)
}

// handleImport handles POST /v1/admin/transmissions. The uploaded file is
// applied and the response file comes back as an attachment.
func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	res, err := s.engine.Import(r.Context(), body)
	if err != nil {
		writeSyncError(w, r, err)
		return
	}
	label := s.peerLabel(r.Context(), res.PeerID)
	s.metrics.RecordImport(label, res.Result)
	s.metrics.RecordExchange(label, string(models.DirectionImport), string(res.State))
	logFor(r.Context()).Info("transmission imported",
		"transmission", res.TransmissionID,
		"state", res.State,
		"received", res.Result.Received,
		"embedded", res.Embedded,
	)
	w.Header().Set(headerState, string(res.State))
	w.Header().Set(headerRecords, strconv.Itoa(res.Result.Received))
	writeAttachment(w, wire.ContentType, res.FileName, res.Response)
}

// handleImportResponse handles POST /v1/admin/responses. When the response
// embedded the peer's own records, the confirmation file is returned as an
// attachment for the operator to carry back; otherwise the result is JSON.
func (s *Server) handleImportResponse(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	res, err := s.engine.ImportResponse(r.Context(), body)
	if err != nil {
		writeSyncError(w, r, err)
		return
	}
	s.metrics.RecordExchange(s.peerLabel(r.Context(), res.PeerID), string(models.DirectionResponse), string(res.State))
	if res.Confirmation != nil {
		w.Header().Set(headerState, string(res.State))
		writeAttachment(w, wire.ContentType, res.ConfirmationName, res.Confirmation)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
