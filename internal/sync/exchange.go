package sync

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/marcus/medsync/internal/archive"
	"github.com/marcus/medsync/internal/db"
	"github.com/marcus/medsync/internal/models"
	"github.com/marcus/medsync/internal/syncerr"
	"github.com/marcus/medsync/internal/wire"
)

// outbound is a transmission prepared for one peer.
type outbound struct {
	t     *wire.Transmission
	batch *Batch
	// prior holds each batch record's delivery before it was enqueued.
	prior map[int64]models.Delivery
}

// Exchange runs one HTTP exchange with a peer: it sends the peer's pending
// records, applies the per-record outcomes, ingests whatever the peer
// embedded in its reply and confirms it. Only one exchange per peer runs at
// a time; a second attempt fails with CannotRunParallel.
func (e *Engine) Exchange(ctx context.Context, peerRef string) (*ExchangeResult, error) {
	if e.transport == nil {
		return nil, syncerr.New(syncerr.InvalidArgument, "no transport configured")
	}
	peer, err := activePeer(ctx, e.db.Conn(), peerRef)
	if err != nil {
		return nil, err
	}
	release, err := e.lockPeer(peer.ID)
	if err != nil {
		return nil, err
	}
	defer release()

	log := e.log.With("peer", peer.Nickname)
	started := e.now()

	out, err := e.prepare(ctx, peer, batchLimit(peer.MaxBatchWeb, e.cfg.MaxBatchWeb), false)
	if err != nil {
		return nil, err
	}
	out.t.RequestingTransmission = true
	result := &ExchangeResult{
		PeerID:         peer.ID,
		TransmissionID: out.t.ID,
		State:          models.TransmissionPending,
		Sent:           len(out.batch.Records),
		Excluded:       len(out.batch.Excluded),
	}

	payload, err := wire.Pack(out.t)
	if err != nil {
		e.failBatch(ctx, peer, out, started, models.TransmissionFailed, err)
		return result, err
	}
	e.archivePayload(ctx, archive.KindTransmission, peer.ID, out.t.FileName(), payload)
	log.Info("sending transmission", "transmission", out.t.ID, "records", result.Sent, "excluded", result.Excluded)

	raw, err := e.transport.Send(ctx, peer, payload)
	if err != nil {
		switch {
		case syncerr.IsUnknownPeer(err):
			result.State = models.TransmissionUnknownPeer
		case syncerr.IsCannotRunParallel(err):
			// The peer is busy with us already; nothing was attempted.
			result.State = models.TransmissionCannotRunParallel
		default:
			result.State = models.TransmissionFailed
		}
		e.failBatch(ctx, peer, out, started, result.State, err)
		var se *syncerr.Error
		if errors.As(err, &se) {
			return result, err
		}
		return result, syncerr.Wrap(syncerr.TransportFailure, err, "send to %s", peer.Nickname)
	}

	resp, err := wire.UnpackResponse(raw)
	if err == nil {
		err = e.checkReply(resp, out.t, peer)
	}
	if err != nil {
		result.State = models.TransmissionResponseNotParsed
		e.failBatch(ctx, peer, out, started, result.State, err)
		return result, err
	}
	e.archivePayload(ctx, archive.KindResponse, peer.ID, resp.FileName(), raw)

	rr, err := e.processResponse(ctx, peer, resp, out.batch.Records, models.DirectionPush)
	if err != nil {
		return result, err
	}
	result.Response = rr
	result.State = rr.State

	ing, conf, err := e.applyEmbedded(ctx, peer, resp)
	if err != nil {
		return result, err
	}
	if ing != nil && ing.result.Received > 0 {
		rr.Applied = &ing.result
		rr.Confirmation = conf
		rr.ConfirmationName = ing.resp.FileName()
		if err := e.transport.Confirm(ctx, peer, conf); err != nil {
			// The peer keeps the records as Sent and redelivers them; they
			// come back as AlreadyCommitted.
			log.Warn("confirmation not delivered", "err", err)
		} else if _, err := db.MarkConfirmationSent(ctx, e.db.Conn(), ing.committed); err != nil {
			return result, err
		}
	}
	return result, nil
}

func (e *Engine) checkReply(resp *wire.Response, t *wire.Transmission, peer *models.Peer) error {
	if resp.InReplyTo != t.ID {
		return syncerr.New(syncerr.MalformedTransmission, "response %s answers %s, expected %s", resp.ID, resp.InReplyTo, t.ID)
	}
	return e.checkAddressing(resp.Source, resp.Target, peer)
}

// Export packages the peer's pending records as a transmission file. The
// records count as sent once the file exists.
func (e *Engine) Export(ctx context.Context, peerRef string) (*Export, error) {
	peer, err := activePeer(ctx, e.db.Conn(), peerRef)
	if err != nil {
		return nil, err
	}
	release, err := e.lockPeer(peer.ID)
	if err != nil {
		return nil, err
	}
	defer release()

	started := e.now()
	out, err := e.prepare(ctx, peer, batchLimit(peer.MaxBatchFile, e.cfg.MaxBatchFile), true)
	if err != nil {
		return nil, err
	}
	out.t.RequestingTransmission = true
	payload, err := wire.Pack(out.t)
	if err != nil {
		return nil, err
	}
	e.archivePayload(ctx, archive.KindTransmission, peer.ID, out.t.FileName(), payload)

	hist := &models.HistoryEntry{
		PeerID:         peer.ID,
		Direction:      models.DirectionExport,
		TransmissionID: out.t.ID,
		State:          models.TransmissionPending,
		Sent:           len(out.batch.Records),
		StartedAt:      started,
	}
	if err := e.finish(ctx, e.db.Conn(), hist); err != nil {
		return nil, err
	}
	e.log.Info("transmission exported", "peer", peer.Nickname, "transmission", out.t.ID, "records", hist.Sent)

	return &Export{
		PeerID:         peer.ID,
		TransmissionID: out.t.ID,
		FileName:       out.t.FileName(),
		Payload:        payload,
		Records:        len(out.batch.Records),
	}, nil
}

// Import ingests an uploaded transmission file and returns the response
// file. The sending peer is taken from the envelope.
func (e *Engine) Import(ctx context.Context, payload []byte) (*Import, error) {
	return e.receive(ctx, "", payload, false)
}

// Receive ingests a transmission pushed over HTTP by an authenticated peer
// and returns the response body. Records embedded in the reply stay
// PendingSend until the peer confirms them, and the peer's records are only
// marked as acknowledged once ReplyDelivered reports the body was written.
func (e *Engine) Receive(ctx context.Context, peerID string, payload []byte) (*Import, error) {
	return e.receive(ctx, peerID, payload, true)
}

// ReplyDelivered records that the response to a received transmission
// reached the peer.
func (e *Engine) ReplyDelivered(ctx context.Context, imp *Import) error {
	if imp == nil || len(imp.committed) == 0 {
		return nil
	}
	_, err := db.MarkConfirmationSent(ctx, e.db.Conn(), imp.committed)
	return err
}

func (e *Engine) receive(ctx context.Context, peerID string, payload []byte, web bool) (*Import, error) {
	t, err := wire.Unpack(payload)
	if err != nil {
		return nil, err
	}
	if peerID == "" {
		peerID = t.Source
	}
	peer, err := activePeer(ctx, e.db.Conn(), peerID)
	if err != nil {
		return nil, err
	}
	if err := e.checkAddressing(t.Source, t.Target, peer); err != nil {
		return nil, err
	}
	release, err := e.lockPeer(peer.ID)
	if err != nil {
		return nil, err
	}
	defer release()

	started := e.now()
	e.archivePayload(ctx, archive.KindTransmission, peer.ID, t.FileName(), payload)

	ing, err := e.apply(ctx, peer, t)
	if err != nil {
		return nil, err
	}
	resp := ing.resp
	res := &Import{
		PeerID:         peer.ID,
		TransmissionID: t.ID,
		State:          models.TransmissionState(resp.State),
		Result:         ing.result,
	}

	if t.RequestingTransmission {
		limit := batchLimit(peer.MaxBatchFile, e.cfg.MaxBatchFile)
		if web {
			limit = batchLimit(peer.MaxBatchWeb, e.cfg.MaxBatchWeb)
		}
		out, err := e.prepare(ctx, peer, limit, !web)
		if err != nil {
			return nil, err
		}
		if !out.batch.Empty() {
			resp.Transmission = out.t
			res.Embedded = len(out.batch.Records)
		}
	}

	raw, err := wire.PackResponse(resp)
	if err != nil {
		return nil, err
	}
	e.archivePayload(ctx, archive.KindResponse, peer.ID, resp.FileName(), raw)
	res.FileName = resp.FileName()
	res.Response = raw

	direction := models.DirectionImport
	if web {
		direction = models.DirectionPull
	}
	hist := &models.HistoryEntry{
		PeerID:         peer.ID,
		Direction:      direction,
		TransmissionID: t.ID,
		State:          res.State,
		Sent:           res.Embedded,
		Received:       ing.result.Received,
		Committed:      ing.result.Committed,
		Failed:         ing.result.Failed + ing.result.Rejected,
		StartedAt:      started,
	}
	err = e.db.WithTx(ctx, func(tx *sql.Tx) error {
		// A response file leaves with the operator as soon as it exists.
		if !web {
			if _, err := db.MarkConfirmationSent(ctx, tx, ing.committed); err != nil {
				return err
			}
		}
		return e.finish(ctx, tx, hist)
	})
	if err != nil {
		return nil, err
	}
	if web {
		res.committed = ing.committed
	}
	return res, nil
}

// prepare extracts the peer's next batch and builds its transmission in one
// transaction. Policy-excluded records are settled for this peer only.
// Batch records end up PendingSend, or Sent when markSent is set.
func (e *Engine) prepare(ctx context.Context, peer *models.Peer, limit int, markSent bool) (*outbound, error) {
	out := &outbound{prior: map[int64]models.Delivery{}}
	err := e.db.WithTx(ctx, func(tx *sql.Tx) error {
		batch, err := pending(ctx, tx, peer, peer.Cursor, nil, limit)
		if err != nil {
			return err
		}
		mirror, err := mirrorsGlobal(ctx, tx, peer)
		if err != nil {
			return err
		}

		for _, rec := range batch.Excluded {
			_, err := e.transition(ctx, tx, rec, peer.ID, false, func(d models.Delivery) (models.Delivery, error) {
				d.State = models.StateNotSupposedToSync
				d.ErrorMessage = "class not sent to this peer"
				return d, nil
			})
			if err != nil {
				return err
			}
		}

		records := make([]wire.Record, 0, len(batch.Records))
		for _, rec := range batch.Records {
			d, err := e.transition(ctx, tx, rec, peer.ID, mirror, func(d models.Delivery) (models.Delivery, error) {
				out.prior[rec.Seq] = d
				return Enqueue(d)
			})
			if err != nil {
				return err
			}
			if markSent {
				if d, err = e.transition(ctx, tx, rec, peer.ID, mirror, MarkSent); err != nil {
					return err
				}
			}
			records = append(records, wire.FromChangeRecord(rec, d))
		}

		stopped, err := db.CountStoppedForPeer(ctx, tx, peer.ID)
		if err != nil {
			return err
		}
		t := wire.NewTransmission(newID(), e.self.ID, peer.ID, e.now(), records, batch.Next)
		t.MaxRetryReached = stopped > 0

		out.t = t
		out.batch = batch
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// failBatch marks every record of a transmission that never got a usable
// reply as SendFailed. When the peer refused because it was busy, records
// go back to where they were without spending a retry. It runs even when
// ctx was cancelled so that no record is left PendingSend.
func (e *Engine) failBatch(ctx context.Context, peer *models.Peer, out *outbound, started time.Time, state models.TransmissionState, cause error) {
	ctx = context.WithoutCancel(ctx)
	e.log.Warn("exchange failed", "peer", peer.Nickname, "transmission", out.t.ID, "state", state, "err", cause)

	failed := len(out.batch.Records)
	if state == models.TransmissionCannotRunParallel {
		failed = 0
	}
	err := e.db.WithTx(ctx, func(tx *sql.Tx) error {
		mirror, err := mirrorsGlobal(ctx, tx, peer)
		if err != nil {
			return err
		}
		for _, rec := range out.batch.Records {
			_, err := e.transition(ctx, tx, rec, peer.ID, mirror, func(d models.Delivery) (models.Delivery, error) {
				if d.State != models.StatePendingSend {
					return d, nil
				}
				if prior, ok := out.prior[rec.Seq]; ok && state == models.TransmissionCannotRunParallel {
					return prior, nil
				}
				return MarkSendFailed(d, e.cfg.MaxRetryCount, cause.Error()), nil
			})
			if err != nil {
				return err
			}
		}
		return e.finish(ctx, tx, &models.HistoryEntry{
			PeerID:         peer.ID,
			Direction:      models.DirectionPush,
			TransmissionID: out.t.ID,
			State:          state,
			Sent:           len(out.batch.Records),
			Failed:         failed,
			Error:          cause.Error(),
			StartedAt:      started,
		})
	})
	if err != nil {
		e.log.Error("record send failure", "peer", peer.Nickname, "err", err)
	}
}

func batchLimit(perPeer, fallback int) int {
	if perPeer > 0 {
		return perPeer
	}
	return fallback
}
