package db

import (
	"context"
	"fmt"

	"github.com/marcus/medsync/internal/models"
)

// RecordHistory appends an exchange history row.
func RecordHistory(ctx context.Context, q Querier, e *models.HistoryEntry) error {
	res, err := q.ExecContext(ctx, `
		INSERT INTO exchange_history (peer_id, direction, transmission_id, state, sent, received,
			committed, failed, error, started_ns, finished_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.PeerID, string(e.Direction), e.TransmissionID, string(e.State), e.Sent, e.Received,
		e.Committed, e.Failed, e.Error, toNS(e.StartedAt), toNS(e.FinishedAt))
	if err != nil {
		return fmt.Errorf("record history: %w", err)
	}
	e.ID, _ = res.LastInsertId()
	return nil
}

// ListHistory returns the newest entries first. An empty peerID lists all peers.
func ListHistory(ctx context.Context, q Querier, peerID string, limit int) ([]models.HistoryEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT id, peer_id, direction, transmission_id, state, sent, received, committed, failed,
		error, started_ns, finished_ns FROM exchange_history`
	args := []any{}
	if peerID != "" {
		query += ` WHERE peer_id = ?`
		args = append(args, peerID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	var entries []models.HistoryEntry
	for rows.Next() {
		var e models.HistoryEntry
		var direction, state string
		var started, finished int64
		if err := rows.Scan(&e.ID, &e.PeerID, &direction, &e.TransmissionID, &state, &e.Sent, &e.Received,
			&e.Committed, &e.Failed, &e.Error, &started, &finished); err != nil {
			return nil, err
		}
		e.Direction = models.ExchangeDirection(direction)
		e.State = models.TransmissionState(state)
		e.StartedAt = fromNS(started)
		e.FinishedAt = fromNS(finished)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// PruneHistory keeps only the newest maxRows entries.
func PruneHistory(ctx context.Context, q Querier, maxRows int) error {
	_, err := q.ExecContext(ctx, `
		DELETE FROM exchange_history WHERE id NOT IN (
			SELECT id FROM exchange_history ORDER BY id DESC LIMIT ?
		)`, maxRows)
	return err
}
