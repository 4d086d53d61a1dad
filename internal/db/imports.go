package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/marcus/medsync/internal/models"
)

// GetImportRecord returns the import ledger entry for key, or nil if the
// record was never received.
func GetImportRecord(ctx context.Context, q Querier, key string) (*models.ImportRecord, error) {
	var (
		ir                   models.ImportRecord
		state, items         string
		receivedNS, updateNS int64
	)
	err := q.QueryRowContext(ctx, `
		SELECT original_id, source_peer_id, state, retry_count, error_message, items, received_ns, updated_ns
		FROM import_records WHERE original_id = ?`, key).
		Scan(&ir.OriginalID, &ir.SourcePeerID, &state, &ir.RetryCount, &ir.ErrorMessage, &items, &receivedNS, &updateNS)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get import record %s: %w", key, err)
	}
	ir.State = models.RecordState(state)
	ir.ReceivedAt = fromNS(receivedNS)
	ir.UpdatedAt = fromNS(updateNS)
	if err := json.Unmarshal([]byte(items), &ir.Items); err != nil {
		return nil, fmt.Errorf("decode import items %s: %w", key, err)
	}
	return &ir, nil
}

// UpsertImportRecord writes the outcome for an incoming record. received_ns
// keeps its first value.
func UpsertImportRecord(ctx context.Context, q Querier, ir *models.ImportRecord) error {
	items, err := json.Marshal(ir.Items)
	if err != nil {
		return fmt.Errorf("encode import items: %w", err)
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO import_records (original_id, source_peer_id, state, retry_count, error_message, items, received_ns, updated_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(original_id) DO UPDATE SET
			source_peer_id = excluded.source_peer_id,
			state = excluded.state,
			retry_count = excluded.retry_count,
			error_message = excluded.error_message,
			items = excluded.items,
			updated_ns = excluded.updated_ns`,
		ir.OriginalID, ir.SourcePeerID, string(ir.State), ir.RetryCount, ir.ErrorMessage, string(items),
		toNS(ir.ReceivedAt), toNS(ir.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert import record %s: %w", ir.OriginalID, err)
	}
	return nil
}

// MarkConfirmationSent moves Committed import records to
// CommittedAndConfirmationSent once their acknowledgment left this server.
func MarkConfirmationSent(ctx context.Context, q Querier, keys []string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(keys)), ",")
	args := make([]any, 0, len(keys))
	for _, k := range keys {
		args = append(args, k)
	}
	res, err := q.ExecContext(ctx, `
		UPDATE import_records SET state = 'committed_and_confirmation_sent'
		WHERE state = 'committed' AND original_id IN (`+placeholders+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("mark confirmation sent: %w", err)
	}
	return res.RowsAffected()
}

// CountImportsByState returns import ledger counts keyed by state.
func CountImportsByState(ctx context.Context, q Querier) (models.StateCounts, error) {
	return countStates(ctx, q, `SELECT state, COUNT(*) FROM import_records GROUP BY state`)
}
