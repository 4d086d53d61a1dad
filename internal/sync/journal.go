package sync

import (
	"context"
	"database/sql"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/marcus/medsync/internal/cursor"
	"github.com/marcus/medsync/internal/db"
	"github.com/marcus/medsync/internal/models"
	"github.com/marcus/medsync/internal/syncerr"
)

// extractPageSize bounds each query when extraction has to skip filtered records.
const extractPageSize = 200

// Journal is the local change stream: it records local mutations as change
// records and extracts the ones a peer has not seen yet.
type Journal struct {
	db  *db.DB
	now func() time.Time
	log *slog.Logger
}

// Record applies items to the entity store and journals them as one change
// record, atomically.
func (j *Journal) Record(ctx context.Context, items ...models.Item) (*models.ChangeRecord, error) {
	if err := validateItems(items); err != nil {
		return nil, err
	}
	var rec *models.ChangeRecord
	err := j.db.WithTx(ctx, func(tx *sql.Tx) error {
		now := j.now()
		for _, it := range items {
			if err := db.ApplyItem(ctx, tx, it, now); err != nil {
				return err
			}
		}
		var err error
		rec, err = j.journal(ctx, tx, items, "", "")
		return err
	})
	if err != nil {
		return nil, err
	}
	j.log.Debug("journaled change", "record", rec.ID, "seq", rec.Seq, "classes", rec.Classes)
	return rec, nil
}

func validateItems(items []models.Item) error {
	if len(items) == 0 {
		return syncerr.New(syncerr.InvalidArgument, "a change record needs at least one item")
	}
	for i, it := range items {
		if it.Class == "" || it.UUID == "" {
			return syncerr.New(syncerr.InvalidArgument, "item %d needs a class and uuid", i)
		}
		if !xmlSafe(it.Class) || !xmlSafe(it.UUID) {
			return syncerr.New(syncerr.InvalidArgument, "item %d class or uuid holds characters a transmission cannot carry", i)
		}
		if !it.Action.IsValid() {
			return syncerr.New(syncerr.InvalidArgument, "item %d has unknown action %q", i, it.Action)
		}
	}
	return nil
}

// xmlSafe reports whether s is valid UTF-8 made of printable characters
// XML 1.0 allows, so it survives as an attribute value unchanged.
func xmlSafe(s string) bool {
	if !utf8.ValidString(s) {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 0x20 && r <= 0xD7FF:
		case r >= 0xE000 && r <= 0xFFFD:
		case r >= 0x10000 && r <= 0x10FFFF:
		default:
			return false
		}
	}
	return true
}

// journal inserts a change record for items already applied to the store.
// A non-empty originalID keeps the idempotency key of a relayed record;
// skipPeer gets a NotSupposedToSync server record so the change is not
// echoed back to where it came from.
func (j *Journal) journal(ctx context.Context, q db.Querier, items []models.Item, originalID, skipPeer string) (*models.ChangeRecord, error) {
	ts := j.now()
	latest, err := db.LatestRecordTime(ctx, q)
	if err != nil {
		return nil, err
	}
	// Positions must never go backwards, or a cursor could already be past a new record.
	if ts.Before(latest) {
		ts = latest
	}
	peerIDs, err := db.PeerIDs(ctx, q)
	if err != nil {
		return nil, err
	}

	rec := &models.ChangeRecord{
		ID:         newID(),
		OriginalID: originalID,
		Timestamp:  ts,
		Delivery:   models.Delivery{State: models.StateNew},
		Items:      items,
	}
	if err := db.InsertChangeRecord(ctx, q, rec, peerIDs); err != nil {
		return nil, err
	}
	if skipPeer != "" {
		sr := models.ServerRecord{
			RecordSeq: rec.Seq,
			PeerID:    skipPeer,
			Delivery:  models.Delivery{State: models.StateNotSupposedToSync},
			UpdatedAt: ts,
		}
		if err := db.UpsertServerRecord(ctx, q, &sr); err != nil {
			return nil, err
		}
	}
	return rec, nil
}

// Pending returns the records after the cursor that still have to reach
// the peer, limited to classes in classFilter (all classes when empty).
// maxResults <= 0 is unbounded.
func (j *Journal) Pending(ctx context.Context, peerRef string, after cursor.Cursor, classFilter []string, maxResults int) (*Batch, error) {
	if after.IsZero() {
		return nil, syncerr.New(syncerr.InvalidArgument, "cursor timestamp is required")
	}
	peer, err := activePeer(ctx, j.db.Conn(), peerRef)
	if err != nil {
		return nil, err
	}
	return pending(ctx, j.db.Conn(), peer, after, classFilter, maxResults)
}

func pending(ctx context.Context, q db.Querier, peer *models.Peer, after cursor.Cursor, classFilter []string, maxResults int) (*Batch, error) {
	filter := make(map[string]bool, len(classFilter))
	for _, c := range classFilter {
		filter[c] = true
	}

	pageSize := 0
	if maxResults > 0 {
		pageSize = max(maxResults, extractPageSize)
	}

	b := &Batch{Next: after}
	pos := after
	for {
		recs, err := db.ListEligibleForPeer(ctx, q, peer.ID, pos, pageSize)
		if err != nil {
			return nil, err
		}
		for _, rec := range recs {
			pos = rec.Position()
			if len(filter) > 0 && !allIn(rec.Classes, filter) {
				continue
			}
			if !peer.CanSend(rec.Classes) {
				b.Excluded = append(b.Excluded, rec)
				continue
			}
			b.Records = append(b.Records, rec)
			b.Next = cursor.Advance(b.Next, rec)
			if maxResults > 0 && len(b.Records) == maxResults {
				return b, nil
			}
		}
		if pageSize <= 0 || len(recs) < pageSize {
			return b, nil
		}
	}
}

func allIn(classes []string, set map[string]bool) bool {
	for _, c := range classes {
		if !set[c] {
			return false
		}
	}
	return true
}
