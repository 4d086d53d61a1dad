package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/marcus/medsync/internal/models"
	"github.com/marcus/medsync/internal/wire"
)

// readBody reads the request body, answering 413 or 400 itself on failure.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, ErrCodeBadRequest,
				fmt.Sprintf("body exceeds %d bytes", tooLarge.Limit))
			return nil, false
		}
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "failed to read body")
		return nil, false
	}
	if len(body) == 0 {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "empty body")
		return nil, false
	}
	return body, true
}

// handleExchange handles POST /v1/sync/exchange. The authenticated peer
// pushes a transmission; the reply is the packed response, carrying our own
// pending records when the peer asked for them.
func (s *Server) handleExchange(w http.ResponseWriter, r *http.Request) {
	peer := peerFromContext(r.Context())
	body, ok := readBody(w, r)
	if !ok {
		return
	}

	res, err := s.engine.Receive(r.Context(), peer.ID, body)
	if err != nil {
		logFor(r.Context()).Warn("exchange refused", "err", err)
		writeSyncError(w, r, err)
		return
	}
	s.metrics.RecordImport(peer.Nickname, res.Result)
	s.metrics.RecordExchange(peer.Nickname, string(models.DirectionPull), string(res.State))
	logFor(r.Context()).Info("transmission applied",
		"transmission", res.TransmissionID,
		"state", res.State,
		"received", res.Result.Received,
		"committed", res.Result.Committed,
		"failed", res.Result.Failed,
		"embedded", res.Embedded,
	)

	w.Header().Set("Content-Type", wire.ContentType)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(res.Response); err != nil {
		logFor(r.Context()).Error("write response", "err", err)
		return
	}
	if err := s.engine.ReplyDelivered(r.Context(), res); err != nil {
		logFor(r.Context()).Error("record reply delivery", "err", err)
	}
}

// handleConfirm handles POST /v1/sync/confirm: the peer's response for the
// records we embedded in an earlier exchange reply.
func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	peer := peerFromContext(r.Context())
	body, ok := readBody(w, r)
	if !ok {
		return
	}

	res, err := s.engine.ReceiveConfirmation(r.Context(), peer.ID, body)
	if err != nil {
		logFor(r.Context()).Warn("confirmation refused", "err", err)
		writeSyncError(w, r, err)
		return
	}
	s.metrics.RecordExchange(peer.Nickname, string(models.DirectionResponse), string(res.State))
	writeJSON(w, http.StatusOK, res)
}
