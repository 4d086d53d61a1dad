package sync

import (
	"context"
	"database/sql"

	"github.com/marcus/medsync/internal/cursor"
	"github.com/marcus/medsync/internal/db"
	"github.com/marcus/medsync/internal/models"
)

// Backfill journals entities written after since that no change record or
// import record mentions, typically rows loaded into the store before the
// engine was installed. Each orphan becomes a single-item create record.
//
// Returns the number of entities backfilled.
func (j *Journal) Backfill(ctx context.Context, since cursor.Cursor) (int, error) {
	if since.IsZero() {
		since = cursor.Start()
	}
	total := 0
	err := j.db.WithTx(ctx, func(tx *sql.Tx) error {
		entities, err := db.EntitiesChangedSince(ctx, tx, since, 0)
		if err != nil {
			return err
		}
		for _, ent := range entities {
			tracked, err := db.EntityIsTracked(ctx, tx, ent.Class, ent.UUID)
			if err != nil {
				return err
			}
			if tracked {
				continue
			}
			item := models.Item{Class: ent.Class, UUID: ent.UUID, Action: models.ActionCreate, Payload: ent.Payload}
			if _, err := j.journal(ctx, tx, []models.Item{item}, "", ""); err != nil {
				return err
			}
			total++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if total > 0 {
		j.log.Info("backfilled orphan entities", "count", total)
	}
	return total, nil
}
