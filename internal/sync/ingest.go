package sync

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/marcus/medsync/internal/db"
	"github.com/marcus/medsync/internal/models"
	"github.com/marcus/medsync/internal/syncerr"
	"github.com/marcus/medsync/internal/wire"
)

// ingestion is the outcome of applying one transmission.
type ingestion struct {
	resp   *wire.Response
	result ApplyResult
	// committed holds the idempotency keys newly committed by this run.
	committed []string
}

// Apply ingests a transmission received from peerID and returns the
// response to send back. Records apply in order, each in its own
// transaction; a failing record never stops the rest of the batch.
func (e *Engine) Apply(ctx context.Context, peerID string, t *wire.Transmission) (*wire.Response, error) {
	peer, err := activePeer(ctx, e.db.Conn(), peerID)
	if err != nil {
		return nil, err
	}
	if err := e.checkAddressing(t.Source, t.Target, peer); err != nil {
		return nil, err
	}
	ing, err := e.apply(ctx, peer, t)
	if err != nil {
		return nil, err
	}
	return ing.resp, nil
}

func (e *Engine) checkAddressing(source, target string, peer *models.Peer) error {
	if target != e.self.ID {
		return syncerr.New(syncerr.MalformedTransmission, "payload is addressed to %s, not to this server", target).
			With("server_id", e.self.ID)
	}
	if source != peer.ID {
		return syncerr.New(syncerr.MalformedTransmission, "payload from %s does not match peer %s", source, peer.Nickname)
	}
	return nil
}

func (e *Engine) apply(ctx context.Context, peer *models.Peer, t *wire.Transmission) (*ingestion, error) {
	log := e.log.With("peer", peer.Nickname, "transmission", t.ID)
	if t.MaxRetryReached {
		log.Warn("peer reports records stopped at the retry limit")
	}

	ing := &ingestion{resp: wire.NewResponse(newID(), t, e.now())}
	for i := range t.Records.Items {
		r := &t.Records.Items[i]
		out, committed, err := e.applyRecord(ctx, peer, r)
		if err != nil {
			return nil, fmt.Errorf("apply record %s: %w", r.ID, err)
		}
		if committed {
			ing.committed = append(ing.committed, r.Key())
		}
		ing.resp.Add(out)
		ing.result.add(models.RecordState(out.State))
	}
	state := ing.resp.Summarize()
	log.Info("transmission applied", "state", state, "received", ing.result.Received,
		"committed", ing.result.Committed, "duplicates", ing.result.AlreadyCommitted,
		"failed", ing.result.Failed, "rejected", ing.result.Rejected)
	return ing, nil
}

// applyRecord applies one incoming record. The returned error is reserved
// for failures to persist the outcome itself.
func (e *Engine) applyRecord(ctx context.Context, peer *models.Peer, r *wire.Record) (wire.Outcome, bool, error) {
	key := r.Key()
	now := e.now()
	out := wire.Outcome{RecordID: r.ID, RetryCount: r.RetryCount, Timestamp: now}
	conn := e.db.Conn()

	seen, err := e.alreadyApplied(ctx, conn, key)
	if err != nil {
		return out, false, err
	}
	if seen {
		out.State = string(models.StateAlreadyCommitted)
		return out, false, nil
	}

	items := r.ModelItems()
	ir := &models.ImportRecord{
		OriginalID:   key,
		SourcePeerID: peer.ID,
		Delivery:     models.Delivery{RetryCount: r.RetryCount},
		Items:        items,
		ReceivedAt:   now,
		UpdatedAt:    now,
	}

	classes := models.ItemClasses(items)
	if !peer.CanReceive(classes) {
		ir.State = models.StateRejected
		ir.ErrorMessage = fmt.Sprintf("classes %s are not accepted from %s", strings.Join(classes, ","), peer.Nickname)
		out.State, out.Error = string(ir.State), ir.ErrorMessage
		return out, false, db.UpsertImportRecord(ctx, conn, ir)
	}

	if err := e.commitRecord(ctx, peer, ir); err != nil {
		e.log.Warn("record failed to apply", "peer", peer.Nickname, "record", r.ID, "key", key, "err", err)
		ir.State = models.StateFailed
		ir.ErrorMessage = err.Error()
		out.State, out.Error = string(ir.State), ir.ErrorMessage
		return out, false, db.UpsertImportRecord(ctx, conn, ir)
	}
	out.State = string(models.StateCommitted)
	return out, true, nil
}

// alreadyApplied reports whether the change behind key is already in the
// local store, either imported before or authored here.
func (e *Engine) alreadyApplied(ctx context.Context, q db.Querier, key string) (bool, error) {
	ir, err := db.GetImportRecord(ctx, q, key)
	if err != nil {
		return false, err
	}
	if ir != nil && ir.State.IsFinal() {
		return true, nil
	}
	_, err = db.GetChangeRecordByKey(ctx, q, key)
	switch {
	case err == nil:
		return true, nil
	case syncerr.Is(err, syncerr.NotFound):
		return false, nil
	default:
		return false, err
	}
}

// commitRecord applies every item and the Committed ledger entry in one
// transaction, so a failing item leaves no trace of the others. Panics are
// turned into ApplicationFailure for this record only.
func (e *Engine) commitRecord(ctx context.Context, peer *models.Peer, ir *models.ImportRecord) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = syncerr.New(syncerr.ApplicationFailure, "unexpected failure applying %s: %v", ir.OriginalID, p)
		}
	}()

	return e.db.WithTx(ctx, func(tx *sql.Tx) error {
		if err := validateItems(ir.Items); err != nil {
			return syncerr.Wrap(syncerr.ApplicationFailure, err, "record %s", ir.OriginalID)
		}
		for _, it := range ir.Items {
			if err := e.applyItem(ctx, tx, it, ir.ReceivedAt); err != nil {
				return err
			}
		}
		committed := *ir
		committed.State = models.StateCommitted
		committed.ErrorMessage = ""
		if err := db.UpsertImportRecord(ctx, tx, &committed); err != nil {
			return err
		}
		if e.cfg.Relay {
			if _, err := e.Journal.journal(ctx, tx, ir.Items, ir.OriginalID, peer.ID); err != nil {
				return fmt.Errorf("relay: %w", err)
			}
		}
		return nil
	})
}
