package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/marcus/medsync/internal/cursor"
	"github.com/marcus/medsync/internal/models"
	"github.com/marcus/medsync/internal/syncerr"
)

// ApplyItem performs one entity mutation, looked up by class and UUID.
// Structural problems are reported as ApplicationFailure.
func ApplyItem(ctx context.Context, q Querier, item models.Item, now time.Time) error {
	if item.Class == "" || item.UUID == "" {
		return syncerr.New(syncerr.ApplicationFailure, "item needs a class and uuid")
	}

	switch item.Action {
	case models.ActionCreate, models.ActionUpdate:
		if !isJSONObject(item.Payload) {
			return syncerr.New(syncerr.ApplicationFailure, "malformed payload for %s %s", item.Class, item.UUID)
		}
		_, err := q.ExecContext(ctx, `
			INSERT INTO entities (class, uuid, payload, seq, updated_ns)
			VALUES (?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM entities), ?)
			ON CONFLICT(class, uuid) DO UPDATE SET
				payload = excluded.payload,
				seq = excluded.seq,
				updated_ns = excluded.updated_ns`,
			item.Class, item.UUID, item.Payload, toNS(now))
		if err != nil {
			return syncerr.Wrap(syncerr.ApplicationFailure, err, "write %s %s", item.Class, item.UUID)
		}
		return nil

	case models.ActionDelete:
		res, err := q.ExecContext(ctx, `DELETE FROM entities WHERE class = ? AND uuid = ?`, item.Class, item.UUID)
		if err != nil {
			return syncerr.Wrap(syncerr.ApplicationFailure, err, "delete %s %s", item.Class, item.UUID)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return syncerr.New(syncerr.ApplicationFailure, "referenced entity missing: %s %s", item.Class, item.UUID)
		}
		return nil

	default:
		return syncerr.New(syncerr.ApplicationFailure, "unknown action %q", item.Action)
	}
}

func isJSONObject(s string) bool {
	var m map[string]any
	return json.Unmarshal([]byte(s), &m) == nil
}

// GetEntity returns the stored entity, or a NotFound error.
func GetEntity(ctx context.Context, q Querier, class, uuid string) (*models.Entity, error) {
	e := models.Entity{Class: class, UUID: uuid}
	var updated int64
	err := q.QueryRowContext(ctx, `SELECT payload, seq, updated_ns FROM entities WHERE class = ? AND uuid = ?`,
		class, uuid).Scan(&e.Payload, &e.Seq, &updated)
	if err == sql.ErrNoRows {
		return nil, syncerr.New(syncerr.NotFound, "entity %s %s not found", class, uuid)
	}
	if err != nil {
		return nil, fmt.Errorf("get entity: %w", err)
	}
	e.UpdatedAt = fromNS(updated)
	return &e, nil
}

// EntitiesChangedSince returns entities written strictly after the cursor,
// in write order. limit <= 0 is unbounded.
func EntitiesChangedSince(ctx context.Context, q Querier, after cursor.Cursor, limit int) ([]*models.Entity, error) {
	afterSeq, err := cursor.ParseSeqID(after.ID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = -1
	}
	afterNS := toNS(after.Timestamp)
	rows, err := q.QueryContext(ctx, `
		SELECT class, uuid, payload, seq, updated_ns FROM entities
		WHERE updated_ns > ? OR (updated_ns = ? AND seq > ?)
		ORDER BY updated_ns, seq
		LIMIT ?`, afterNS, afterNS, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("entities changed since: %w", err)
	}
	defer rows.Close()

	var out []*models.Entity
	for rows.Next() {
		var e models.Entity
		var updated int64
		if err := rows.Scan(&e.Class, &e.UUID, &e.Payload, &e.Seq, &updated); err != nil {
			return nil, err
		}
		e.UpdatedAt = fromNS(updated)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// EntityIsTracked reports whether a change record or an import record
// already mentions the entity.
func EntityIsTracked(ctx context.Context, q Querier, class, uuid string) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM change_records cr, json_each(cr.items) j
			 WHERE json_extract(j.value, '$.class') = ? AND json_extract(j.value, '$.uuid') = ?)
			+
			(SELECT COUNT(*) FROM import_records ir, json_each(ir.items) j
			 WHERE json_extract(j.value, '$.class') = ? AND json_extract(j.value, '$.uuid') = ?)`,
		class, uuid, class, uuid).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check entity tracking: %w", err)
	}
	return n > 0, nil
}

// Snapshot returns every entity payload keyed by "class/uuid".
func Snapshot(ctx context.Context, q Querier) (map[string]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT class, uuid, payload FROM entities`)
	if err != nil {
		return nil, fmt.Errorf("snapshot entities: %w", err)
	}
	defer rows.Close()

	snap := map[string]string{}
	for rows.Next() {
		var class, uuid, payload string
		if err := rows.Scan(&class, &uuid, &payload); err != nil {
			return nil, err
		}
		snap[class+"/"+uuid] = payload
	}
	return snap, rows.Err()
}
