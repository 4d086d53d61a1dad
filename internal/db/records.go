package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/marcus/medsync/internal/cursor"
	"github.com/marcus/medsync/internal/models"
	"github.com/marcus/medsync/internal/syncerr"
)

const recordColumns = `cr.seq, cr.id, cr.original_id, cr.created_ns, cr.state, cr.retry_count, cr.error_message, cr.classes, cr.items`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner, extra ...any) (*models.ChangeRecord, error) {
	var (
		rec       models.ChangeRecord
		createdNS int64
		state     string
		classes   string
		items     string
	)
	dest := []any{&rec.Seq, &rec.ID, &rec.OriginalID, &createdNS, &state, &rec.RetryCount, &rec.ErrorMessage, &classes, &items}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	rec.Timestamp = fromNS(createdNS)
	rec.State = models.RecordState(state)
	if classes != "" {
		rec.Classes = strings.Split(classes, ",")
	}
	if err := json.Unmarshal([]byte(items), &rec.Items); err != nil {
		return nil, fmt.Errorf("decode items of record %s: %w", rec.ID, err)
	}
	return &rec, nil
}

// InsertChangeRecord stores rec, assigning rec.Seq, and creates a New server
// record for every peer in peerIDs.
func InsertChangeRecord(ctx context.Context, q Querier, rec *models.ChangeRecord, peerIDs []string) error {
	if rec.ID == "" || len(rec.Items) == 0 {
		return syncerr.New(syncerr.InvalidArgument, "change record needs an id and at least one item")
	}
	if rec.OriginalID == "" {
		rec.OriginalID = rec.ID
	}
	if rec.State == "" {
		rec.State = models.StateNew
	}
	if len(rec.Classes) == 0 {
		rec.Classes = models.ItemClasses(rec.Items)
	}
	items, err := json.Marshal(rec.Items)
	if err != nil {
		return fmt.Errorf("encode items: %w", err)
	}

	res, err := q.ExecContext(ctx, `
		INSERT INTO change_records (id, original_id, created_ns, state, retry_count, error_message, classes, items)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.OriginalID, toNS(rec.Timestamp), string(rec.State), rec.RetryCount, rec.ErrorMessage,
		strings.Join(rec.Classes, ","), string(items))
	if err != nil {
		return fmt.Errorf("insert change record %s: %w", rec.ID, err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("change record seq: %w", err)
	}
	rec.Seq = seq

	rec.ServerRecords = rec.ServerRecords[:0]
	for _, peerID := range peerIDs {
		sr := models.ServerRecord{
			RecordSeq: seq,
			PeerID:    peerID,
			Delivery:  models.Delivery{State: models.StateNew},
			UpdatedAt: rec.Timestamp,
		}
		if err := UpsertServerRecord(ctx, q, &sr); err != nil {
			return err
		}
		rec.ServerRecords = append(rec.ServerRecords, sr)
	}
	return nil
}

// GetChangeRecord loads a record and all of its server records by id.
func GetChangeRecord(ctx context.Context, q Querier, id string) (*models.ChangeRecord, error) {
	row := q.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM change_records cr WHERE cr.id = ?`, id)
	return finishGet(ctx, q, row, id)
}

// GetChangeRecordBySeq loads a record by ordering key.
func GetChangeRecordBySeq(ctx context.Context, q Querier, seq int64) (*models.ChangeRecord, error) {
	row := q.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM change_records cr WHERE cr.seq = ?`, seq)
	return finishGet(ctx, q, row, fmt.Sprintf("#%d", seq))
}

// GetChangeRecordByKey loads the oldest record with the given idempotency key.
func GetChangeRecordByKey(ctx context.Context, q Querier, key string) (*models.ChangeRecord, error) {
	row := q.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM change_records cr
		WHERE cr.original_id = ? ORDER BY cr.seq LIMIT 1`, key)
	return finishGet(ctx, q, row, key)
}

func finishGet(ctx context.Context, q Querier, row *sql.Row, ref string) (*models.ChangeRecord, error) {
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, syncerr.New(syncerr.NotFound, "change record %s not found", ref)
	}
	if err != nil {
		return nil, err
	}
	srs, err := listServerRecords(ctx, q, rec.Seq)
	if err != nil {
		return nil, err
	}
	rec.ServerRecords = srs
	return rec, nil
}

func listServerRecords(ctx context.Context, q Querier, seq int64) ([]models.ServerRecord, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT record_seq, peer_id, state, retry_count, error_message, updated_ns
		FROM server_records WHERE record_seq = ? ORDER BY peer_id`, seq)
	if err != nil {
		return nil, fmt.Errorf("list server records: %w", err)
	}
	defer rows.Close()

	var out []models.ServerRecord
	for rows.Next() {
		var sr models.ServerRecord
		var state string
		var updated int64
		if err := rows.Scan(&sr.RecordSeq, &sr.PeerID, &state, &sr.RetryCount, &sr.ErrorMessage, &updated); err != nil {
			return nil, err
		}
		sr.State = models.RecordState(state)
		sr.UpdatedAt = fromNS(updated)
		out = append(out, sr)
	}
	return out, rows.Err()
}

// GetServerRecord returns the delivery record for (seq, peer). A missing row
// is reported as a New record that has not been stored yet.
func GetServerRecord(ctx context.Context, q Querier, seq int64, peerID string) (*models.ServerRecord, error) {
	sr := models.ServerRecord{RecordSeq: seq, PeerID: peerID}
	var state string
	var updated int64
	err := q.QueryRowContext(ctx, `
		SELECT state, retry_count, error_message, updated_ns
		FROM server_records WHERE record_seq = ? AND peer_id = ?`, seq, peerID).
		Scan(&state, &sr.RetryCount, &sr.ErrorMessage, &updated)
	if err == sql.ErrNoRows {
		sr.State = models.StateNew
		return &sr, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get server record: %w", err)
	}
	sr.State = models.RecordState(state)
	sr.UpdatedAt = fromNS(updated)
	return &sr, nil
}

// UpsertServerRecord writes a server record's delivery state.
func UpsertServerRecord(ctx context.Context, q Querier, sr *models.ServerRecord) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO server_records (record_seq, peer_id, state, retry_count, error_message, updated_ns)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(record_seq, peer_id) DO UPDATE SET
			state = excluded.state,
			retry_count = excluded.retry_count,
			error_message = excluded.error_message,
			updated_ns = excluded.updated_ns`,
		sr.RecordSeq, sr.PeerID, string(sr.State), sr.RetryCount, sr.ErrorMessage, toNS(sr.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert server record %d/%s: %w", sr.RecordSeq, sr.PeerID, err)
	}
	return nil
}

// UpdateRecordDelivery writes the global state of a change record.
func UpdateRecordDelivery(ctx context.Context, q Querier, seq int64, d models.Delivery) error {
	_, err := q.ExecContext(ctx, `
		UPDATE change_records SET state = ?, retry_count = ?, error_message = ? WHERE seq = ?`,
		string(d.State), d.RetryCount, d.ErrorMessage, seq)
	if err != nil {
		return fmt.Errorf("update record %d: %w", seq, err)
	}
	return nil
}

// eligibleStates are the per-peer states extraction may pick up.
var eligibleStates = []models.RecordState{
	models.StateNew, models.StatePendingSend, models.StateSent,
	models.StateSentAgain, models.StateSendFailed, models.StateFailed,
}

func stateList(states []models.RecordState) string {
	quoted := make([]string, len(states))
	for i, s := range states {
		quoted[i] = "'" + string(s) + "'"
	}
	return strings.Join(quoted, ", ")
}

// ListEligibleForPeer returns records strictly after the cursor whose
// delivery to peerID is still in flight, in (timestamp, seq) order. Each
// record carries only that peer's server record. limit <= 0 is unbounded.
func ListEligibleForPeer(ctx context.Context, q Querier, peerID string, after cursor.Cursor, limit int) ([]*models.ChangeRecord, error) {
	afterSeq, err := cursor.ParseSeqID(after.ID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = -1
	}
	afterNS := toNS(after.Timestamp)

	rows, err := q.QueryContext(ctx, `
		SELECT `+recordColumns+`,
			COALESCE(sr.state, 'new'), COALESCE(sr.retry_count, 0), COALESCE(sr.error_message, ''),
			COALESCE(sr.updated_ns, cr.created_ns)
		FROM change_records cr
		LEFT JOIN server_records sr ON sr.record_seq = cr.seq AND sr.peer_id = ?
		WHERE (cr.created_ns > ? OR (cr.created_ns = ? AND cr.seq > ?))
		  AND cr.state != 'not_supposed_to_sync'
		  AND COALESCE(sr.state, 'new') IN (`+stateList(eligibleStates)+`)
		ORDER BY cr.created_ns ASC, cr.seq ASC
		LIMIT ?`,
		peerID, afterNS, afterNS, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("list eligible records: %w", err)
	}
	defer rows.Close()

	var out []*models.ChangeRecord
	for rows.Next() {
		var sr models.ServerRecord
		var state string
		var updated int64
		rec, err := scanRecord(rows, &state, &sr.RetryCount, &sr.ErrorMessage, &updated)
		if err != nil {
			return nil, err
		}
		sr.RecordSeq = rec.Seq
		sr.PeerID = peerID
		sr.State = models.RecordState(state)
		sr.UpdatedAt = fromNS(updated)
		rec.ServerRecords = []models.ServerRecord{sr}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// RecordQuery selects a page of records for browsing. AfterSeq pages
// forward, BeforeSeq pages backward; both zero starts at the beginning.
type RecordQuery struct {
	AfterSeq  int64
	BeforeSeq int64
	State     models.RecordState
	PeerID    string
	Limit     int
}

// RecordPage is one page of records ordered by seq ascending.
type RecordPage struct {
	Records []*models.ChangeRecord `json:"records"`
	HasPrev bool                   `json:"has_prev"`
	HasNext bool                   `json:"has_next"`
}

// ListRecords pages through change records by ordering key.
func ListRecords(ctx context.Context, q Querier, query RecordQuery) (*RecordPage, error) {
	limit := query.Limit
	if limit <= 0 {
		limit = 50
	}

	var where []string
	var args []any
	if query.State != "" {
		if query.PeerID != "" {
			where = append(where, `EXISTS (SELECT 1 FROM server_records s WHERE s.record_seq = cr.seq AND s.peer_id = ? AND s.state = ?)`)
			args = append(args, query.PeerID, string(query.State))
		} else {
			where = append(where, `cr.state = ?`)
			args = append(args, string(query.State))
		}
	}
	filterWhere := append([]string(nil), where...)
	filterArgs := append([]any(nil), args...)

	order := "ASC"
	switch {
	case query.BeforeSeq > 0:
		where = append(where, `cr.seq < ?`)
		args = append(args, query.BeforeSeq)
		order = "DESC"
	case query.AfterSeq > 0:
		where = append(where, `cr.seq > ?`)
		args = append(args, query.AfterSeq)
	}

	sqlText := `SELECT ` + recordColumns + ` FROM change_records cr`
	if len(where) > 0 {
		sqlText += ` WHERE ` + strings.Join(where, " AND ")
	}
	sqlText += ` ORDER BY cr.seq ` + order + ` LIMIT ?`
	args = append(args, limit+1)

	rows, err := q.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	var recs []*models.ChangeRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		recs = append(recs, rec)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	more := len(recs) > limit
	if more {
		recs = recs[:limit]
	}
	if order == "DESC" {
		for i, j := 0, len(recs)-1; i < j; i, j = i+1, j-1 {
			recs[i], recs[j] = recs[j], recs[i]
		}
	}

	page := &RecordPage{Records: recs}
	if len(recs) == 0 {
		return page, nil
	}
	for _, rec := range recs {
		srs, err := listServerRecords(ctx, q, rec.Seq)
		if err != nil {
			return nil, err
		}
		rec.ServerRecords = srs
	}

	if order == "DESC" {
		page.HasPrev = more
		page.HasNext, err = existsBeyond(ctx, q, filterWhere, filterArgs, `cr.seq > ?`, recs[len(recs)-1].Seq)
	} else {
		page.HasNext = more
		page.HasPrev, err = existsBeyond(ctx, q, filterWhere, filterArgs, `cr.seq < ?`, recs[0].Seq)
	}
	if err != nil {
		return nil, err
	}
	return page, nil
}

func existsBeyond(ctx context.Context, q Querier, where []string, args []any, cond string, seq int64) (bool, error) {
	where = append(append([]string(nil), where...), cond)
	args = append(append([]any(nil), args...), seq)
	var n int
	err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM (SELECT 1 FROM change_records cr WHERE `+
		strings.Join(where, " AND ")+` LIMIT 1)`, args...).Scan(&n)
	return n > 0, err
}

// CountByState returns global record counts keyed by state.
func CountByState(ctx context.Context, q Querier) (models.StateCounts, error) {
	return countStates(ctx, q, `SELECT state, COUNT(*) FROM change_records GROUP BY state`)
}

// CountByStateForPeer returns server record counts for one peer.
func CountByStateForPeer(ctx context.Context, q Querier, peerID string) (models.StateCounts, error) {
	return countStates(ctx, q, `SELECT state, COUNT(*) FROM server_records WHERE peer_id = ? GROUP BY state`, peerID)
}

func countStates(ctx context.Context, q Querier, query string, args ...any) (models.StateCounts, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("count states: %w", err)
	}
	defer rows.Close()

	counts := models.StateCounts{}
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[models.RecordState(state)] = n
	}
	return counts, rows.Err()
}

// CountInFlightForPeer counts server records still awaiting delivery to peerID.
func CountInFlightForPeer(ctx context.Context, q Querier, peerID string) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM server_records
		WHERE peer_id = ? AND state IN (`+stateList(eligibleStates)+`)`, peerID).Scan(&n)
	return n, err
}

// CountStoppedForPeer counts records that exhausted their retry budget for peerID.
func CountStoppedForPeer(ctx context.Context, q Querier, peerID string) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM server_records
		WHERE peer_id = ? AND state = 'failed_and_stopped'`, peerID).Scan(&n)
	return n, err
}

// LatestRecordTime returns the creation time of the newest change record,
// or the zero time when the journal is empty.
func LatestRecordTime(ctx context.Context, q Querier) (time.Time, error) {
	var ns int64
	if err := q.QueryRowContext(ctx, `SELECT COALESCE(MAX(created_ns), 0) FROM change_records`).Scan(&ns); err != nil {
		return time.Time{}, fmt.Errorf("latest record time: %w", err)
	}
	if ns == 0 {
		return time.Time{}, nil
	}
	return fromNS(ns), nil
}

// SettledHorizon returns the position of the last record after the cursor
// that precedes the first record still in flight for peerID. ok is false
// when the cursor cannot move.
func SettledHorizon(ctx context.Context, q Querier, peerID string, after cursor.Cursor) (c cursor.Cursor, ok bool, err error) {
	afterSeq, err := cursor.ParseSeqID(after.ID)
	if err != nil {
		return after, false, err
	}
	afterNS := toNS(after.Timestamp)

	var blockNS, blockSeq int64
	err = q.QueryRowContext(ctx, `
		SELECT cr.created_ns, cr.seq FROM change_records cr
		LEFT JOIN server_records sr ON sr.record_seq = cr.seq AND sr.peer_id = ?
		WHERE (cr.created_ns > ? OR (cr.created_ns = ? AND cr.seq > ?))
		  AND cr.state != 'not_supposed_to_sync'
		  AND COALESCE(sr.state, 'new') IN (`+stateList(eligibleStates)+`)
		ORDER BY cr.created_ns ASC, cr.seq ASC
		LIMIT 1`, peerID, afterNS, afterNS, afterSeq).Scan(&blockNS, &blockSeq)
	blocked := true
	if err == sql.ErrNoRows {
		blocked = false
	} else if err != nil {
		return after, false, fmt.Errorf("find first in-flight record: %w", err)
	}

	query := `SELECT created_ns, seq FROM change_records
		WHERE (created_ns > ? OR (created_ns = ? AND seq > ?))`
	args := []any{afterNS, afterNS, afterSeq}
	if blocked {
		query += ` AND (created_ns < ? OR (created_ns = ? AND seq < ?))`
		args = append(args, blockNS, blockNS, blockSeq)
	}
	query += ` ORDER BY created_ns DESC, seq DESC LIMIT 1`

	var ns, seq int64
	err = q.QueryRowContext(ctx, query, args...).Scan(&ns, &seq)
	if err == sql.ErrNoRows {
		return after, false, nil
	}
	if err != nil {
		return after, false, fmt.Errorf("find settled horizon: %w", err)
	}
	return cursor.At(fromNS(ns), seq), true, nil
}
