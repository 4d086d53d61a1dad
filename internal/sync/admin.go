package sync

import (
	"context"
	"database/sql"

	"github.com/marcus/medsync/internal/cursor"
	"github.com/marcus/medsync/internal/db"
	"github.com/marcus/medsync/internal/models"
	"github.com/marcus/medsync/internal/syncerr"
)

// PeerStats is the delivery picture for one peer.
type PeerStats struct {
	Peer     *models.Peer       `json:"peer"`
	Counts   models.StateCounts `json:"counts"`
	InFlight int                `json:"in_flight"`
	Stopped  int                `json:"stopped"`
}

// Stats aggregates record, import and per-peer counts.
type Stats struct {
	Server  db.ServerInfo      `json:"server"`
	Records models.StateCounts `json:"records"`
	Imports models.StateCounts `json:"imports"`
	Peers   []PeerStats        `json:"peers"`
}

// Stats returns counts by state for the admin surface.
func (e *Engine) Stats(ctx context.Context) (*Stats, error) {
	conn := e.db.Conn()
	st := &Stats{Server: e.self}
	var err error
	if st.Records, err = db.CountByState(ctx, conn); err != nil {
		return nil, err
	}
	if st.Imports, err = db.CountImportsByState(ctx, conn); err != nil {
		return nil, err
	}
	peers, err := db.ListPeers(ctx, conn)
	if err != nil {
		return nil, err
	}
	for _, p := range peers {
		ps := PeerStats{Peer: p}
		if ps.Counts, err = db.CountByStateForPeer(ctx, conn, p.ID); err != nil {
			return nil, err
		}
		if ps.InFlight, err = db.CountInFlightForPeer(ctx, conn, p.ID); err != nil {
			return nil, err
		}
		if ps.Stopped, err = db.CountStoppedForPeer(ctx, conn, p.ID); err != nil {
			return nil, err
		}
		st.Peers = append(st.Peers, ps)
	}
	return st, nil
}

// GetRecord loads a change record with its server records.
func (e *Engine) GetRecord(ctx context.Context, id string) (*models.ChangeRecord, error) {
	return db.GetChangeRecord(ctx, e.db.Conn(), id)
}

// ListRecords pages through change records by ordering key.
func (e *Engine) ListRecords(ctx context.Context, q db.RecordQuery) (*db.RecordPage, error) {
	if q.PeerID != "" {
		peer, err := db.GetPeer(ctx, e.db.Conn(), q.PeerID)
		if err != nil {
			return nil, err
		}
		q.PeerID = peer.ID
	}
	return db.ListRecords(ctx, e.db.Conn(), q)
}

// History lists recent exchanges, for one peer or all when peerRef is empty.
func (e *Engine) History(ctx context.Context, peerRef string, limit int) ([]models.HistoryEntry, error) {
	peerID := ""
	if peerRef != "" {
		peer, err := db.GetPeer(ctx, e.db.Conn(), peerRef)
		if err != nil {
			return nil, err
		}
		peerID = peer.ID
	}
	return db.ListHistory(ctx, e.db.Conn(), peerID, limit)
}

// ResetRecord puts a record back to New with a zero retry counter, globally
// and for every peer it has not reached yet. Peer cursors that already
// passed the record are moved back so it is extracted again.
func (e *Engine) ResetRecord(ctx context.Context, id string) (*models.ChangeRecord, error) {
	return e.operatorAction(ctx, id, "reset", Reset, true)
}

// RemoveRecord excludes a record from any further delivery.
func (e *Engine) RemoveRecord(ctx context.Context, id string) (*models.ChangeRecord, error) {
	return e.operatorAction(ctx, id, "remove", Remove, false)
}

func (e *Engine) operatorAction(ctx context.Context, id, action string,
	fn func(models.Delivery) (models.Delivery, error), rewind bool) (*models.ChangeRecord, error) {
	var rec *models.ChangeRecord
	err := e.db.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		if rec, err = db.GetChangeRecord(ctx, tx, id); err != nil {
			return err
		}
		changed := false
		if !rec.State.IsFinal() {
			d, err := fn(rec.Delivery)
			if err != nil {
				return err
			}
			if err := db.UpdateRecordDelivery(ctx, tx, rec.Seq, d); err != nil {
				return err
			}
			rec.Delivery = d
			changed = true
		}

		before := cursor.At(rec.Timestamp, rec.Seq-1)
		for i := range rec.ServerRecords {
			sr := &rec.ServerRecords[i]
			if sr.State.IsFinal() {
				continue
			}
			d, err := fn(sr.Delivery)
			if err != nil {
				return err
			}
			sr.Delivery = d
			sr.UpdatedAt = e.now()
			if err := db.UpsertServerRecord(ctx, tx, sr); err != nil {
				return err
			}
			changed = true

			if !rewind {
				continue
			}
			peer, err := db.GetPeer(ctx, tx, sr.PeerID)
			if err != nil {
				return err
			}
			if peer.Cursor.After(before) {
				if err := db.SetPeerCursor(ctx, tx, peer.ID, before); err != nil {
					return err
				}
			}
		}
		if !changed {
			return syncerr.New(syncerr.ConstraintViolation, "record %s is committed everywhere; nothing to %s", id, action)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.log.Info("record "+action, "record", rec.ID, "seq", rec.Seq)
	return rec, nil
}

// PutEntity writes an entity locally and journals the change.
func (e *Engine) PutEntity(ctx context.Context, class, uuid, payload string) (*models.ChangeRecord, error) {
	action := models.ActionCreate
	if _, err := db.GetEntity(ctx, e.db.Conn(), class, uuid); err == nil {
		action = models.ActionUpdate
	} else if !syncerr.Is(err, syncerr.NotFound) {
		return nil, err
	}
	return e.Journal.Record(ctx, models.Item{Class: class, UUID: uuid, Action: action, Payload: payload})
}

// DeleteEntity deletes an entity locally and journals the change.
func (e *Engine) DeleteEntity(ctx context.Context, class, uuid string) (*models.ChangeRecord, error) {
	return e.Journal.Record(ctx, models.Item{Class: class, UUID: uuid, Action: models.ActionDelete})
}

// GetEntity reads an entity from the local store.
func (e *Engine) GetEntity(ctx context.Context, class, uuid string) (*models.Entity, error) {
	return db.GetEntity(ctx, e.db.Conn(), class, uuid)
}
