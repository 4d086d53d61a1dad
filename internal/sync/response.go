package sync

import (
	"context"
	"database/sql"

	"github.com/marcus/medsync/internal/archive"
	"github.com/marcus/medsync/internal/db"
	"github.com/marcus/medsync/internal/models"
	"github.com/marcus/medsync/internal/syncerr"
	"github.com/marcus/medsync/internal/wire"
)

// ImportResponse consumes an uploaded response file. When the response
// embeds the peer's own records they are applied too, and the result
// carries the confirmation file to hand back to that peer.
func (e *Engine) ImportResponse(ctx context.Context, payload []byte) (*ResponseResult, error) {
	resp, err := wire.UnpackResponse(payload)
	if err != nil {
		return nil, err
	}
	return e.ProcessResponse(ctx, resp)
}

// ProcessResponse folds a peer's per-record outcomes into the local
// delivery states and advances the peer's cursor over settled records.
func (e *Engine) ProcessResponse(ctx context.Context, resp *wire.Response) (*ResponseResult, error) {
	peer, err := activePeer(ctx, e.db.Conn(), resp.Source)
	if err != nil {
		return nil, err
	}
	if err := e.checkAddressing(resp.Source, resp.Target, peer); err != nil {
		return nil, err
	}
	release, err := e.lockPeer(peer.ID)
	if err != nil {
		return nil, err
	}
	defer release()

	if raw, err := wire.PackResponse(resp); err == nil {
		e.archivePayload(ctx, archive.KindResponse, peer.ID, resp.FileName(), raw)
	}

	res, err := e.processResponse(ctx, peer, resp, nil, models.DirectionResponse)
	if err != nil {
		return nil, err
	}
	ing, conf, err := e.applyEmbedded(ctx, peer, resp)
	if err != nil {
		return res, err
	}
	if ing != nil {
		res.Applied = &ing.result
		res.Confirmation = conf
		res.ConfirmationName = ing.resp.FileName()
		// The confirmation leaves with the operator from here on.
		if _, err := db.MarkConfirmationSent(ctx, e.db.Conn(), ing.committed); err != nil {
			return res, err
		}
	}
	return res, nil
}

// ReceiveConfirmation consumes the confirmation a peer sends for records
// this server embedded in an earlier response.
func (e *Engine) ReceiveConfirmation(ctx context.Context, peerID string, payload []byte) (*ResponseResult, error) {
	resp, err := wire.UnpackResponse(payload)
	if err != nil {
		return nil, err
	}
	peer, err := activePeer(ctx, e.db.Conn(), peerID)
	if err != nil {
		return nil, err
	}
	if err := e.checkAddressing(resp.Source, resp.Target, peer); err != nil {
		return nil, err
	}
	release, err := e.lockPeer(peer.ID)
	if err != nil {
		return nil, err
	}
	defer release()

	e.archivePayload(ctx, archive.KindResponse, peer.ID, resp.FileName(), payload)
	if resp.Transmission != nil {
		e.log.Warn("ignoring transmission embedded in a confirmation", "peer", peer.Nickname, "response", resp.ID)
	}
	return e.processResponse(ctx, peer, resp, nil, models.DirectionResponse)
}

// processResponse runs in one transaction: sent moves the records that were
// just dispatched from PendingSend to Sent, then every outcome is applied
// and the cursor moves. The caller holds the peer's exchange lock.
func (e *Engine) processResponse(ctx context.Context, peer *models.Peer, resp *wire.Response,
	sent []*models.ChangeRecord, direction models.ExchangeDirection) (*ResponseResult, error) {
	res := &ResponseResult{PeerID: peer.ID, InReplyTo: resp.InReplyTo, Cursor: peer.Cursor}
	hist := &models.HistoryEntry{
		PeerID:         peer.ID,
		Direction:      direction,
		TransmissionID: resp.InReplyTo,
		Sent:           len(sent),
		StartedAt:      e.now(),
	}
	maxRetry := e.cfg.MaxRetryCount

	err := e.db.WithTx(ctx, func(tx *sql.Tx) error {
		mirror, err := mirrorsGlobal(ctx, tx, peer)
		if err != nil {
			return err
		}
		for _, rec := range sent {
			if _, err := e.transition(ctx, tx, rec, peer.ID, mirror, MarkSent); err != nil {
				return err
			}
		}

		for _, o := range resp.Outcomes.Items {
			rec, err := db.GetChangeRecord(ctx, tx, o.RecordID)
			if syncerr.Is(err, syncerr.NotFound) {
				e.log.Warn("outcome for unknown record", "peer", peer.Nickname, "record", o.RecordID)
				res.Unknown++
				continue
			}
			if err != nil {
				return err
			}

			settled := false
			d, err := e.transition(ctx, tx, rec, peer.ID, mirror, func(d models.Delivery) (models.Delivery, error) {
				if d.State.IsSettled() {
					settled = true
					return d, nil
				}
				if d.State == models.StatePendingSend {
					d, _ = MarkSent(d)
				}
				return ApplyOutcome(d, models.RecordState(o.State), maxRetry, o.Error)
			})
			if err != nil {
				return err
			}
			if settled {
				continue
			}
			switch d.State {
			case models.StateFailedAndStopped:
				res.Stopped++
			case models.StateFailed:
				res.Failed++
			case models.StateRejected:
				res.Rejected++
			default:
				res.Committed++
			}
		}

		next, moved, err := db.SettledHorizon(ctx, tx, peer.ID, peer.Cursor)
		if err != nil {
			return err
		}
		if moved && next.After(peer.Cursor) {
			if err := db.SetPeerCursor(ctx, tx, peer.ID, next); err != nil {
				return err
			}
			res.Cursor = next
			peer.Cursor = next
		}

		res.State = responseState(resp, res)
		hist.State = res.State
		hist.Committed = res.Committed
		hist.Failed = res.Failed + res.Stopped + res.Rejected
		return e.finish(ctx, tx, hist)
	})
	if err != nil {
		return nil, err
	}

	e.log.Info("response processed", "peer", peer.Nickname, "in_reply_to", resp.InReplyTo, "state", res.State,
		"committed", res.Committed, "failed", res.Failed, "rejected", res.Rejected, "stopped", res.Stopped,
		"cursor", res.Cursor.String())
	return res, nil
}

func responseState(resp *wire.Response, res *ResponseResult) models.TransmissionState {
	switch {
	case res.Stopped > 0:
		return models.TransmissionMaxRetryReached
	case res.Failed > 0 || res.Rejected > 0:
		return models.TransmissionFailedRecords
	case res.Committed > 0:
		return models.TransmissionOK
	case models.TransmissionState(resp.State) == models.TransmissionFailed:
		return models.TransmissionFailed
	default:
		return models.TransmissionNothingToDo
	}
}

// applyEmbedded ingests the reverse transmission a response may carry and
// packs the confirmation for it. It returns nil when nothing was embedded.
func (e *Engine) applyEmbedded(ctx context.Context, peer *models.Peer, resp *wire.Response) (*ingestion, []byte, error) {
	t := resp.Transmission
	if t == nil {
		return nil, nil, nil
	}
	if err := e.checkAddressing(t.Source, t.Target, peer); err != nil {
		return nil, nil, err
	}
	ing, err := e.apply(ctx, peer, t)
	if err != nil {
		return nil, nil, err
	}
	conf, err := wire.PackResponse(ing.resp)
	if err != nil {
		return nil, nil, err
	}
	e.archivePayload(ctx, archive.KindResponse, peer.ID, ing.resp.FileName(), conf)

	hist := &models.HistoryEntry{
		PeerID:         peer.ID,
		Direction:      models.DirectionPull,
		TransmissionID: t.ID,
		State:          models.TransmissionState(ing.resp.State),
		Received:       ing.result.Received,
		Committed:      ing.result.Committed,
		Failed:         ing.result.Failed + ing.result.Rejected,
		StartedAt:      ing.resp.Timestamp,
		FinishedAt:     e.now(),
	}
	if err := db.RecordHistory(ctx, e.db.Conn(), hist); err != nil {
		return nil, nil, err
	}
	return ing, conf, nil
}
