package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/marcus/medsync/internal/cursor"
	"github.com/marcus/medsync/internal/models"
	"github.com/marcus/medsync/internal/syncerr"
)

const peerColumns = `id, nickname, role, address, outbound_token, inbound_token_hash, disabled,
	last_sync_ns, last_sync_state, cursor_ns, cursor_id, max_batch_web, max_batch_file, created_ns`

func scanPeer(row rowScanner) (*models.Peer, error) {
	var (
		p                   models.Peer
		role, lastState     string
		disabled            int
		lastSync            sql.NullInt64
		cursorNS, createdNS int64
		cursorID            string
	)
	if err := row.Scan(&p.ID, &p.Nickname, &role, &p.Address, &p.OutboundToken, &p.InboundTokenHash, &disabled,
		&lastSync, &lastState, &cursorNS, &cursorID, &p.MaxBatchWeb, &p.MaxBatchFile, &createdNS); err != nil {
		return nil, err
	}
	p.Role = models.Role(role)
	p.Disabled = disabled != 0
	p.LastSyncState = models.TransmissionState(lastState)
	if lastSync.Valid {
		t := fromNS(lastSync.Int64)
		p.LastSyncAt = &t
	}
	p.Cursor = cursor.Cursor{Timestamp: fromNS(cursorNS), ID: cursorID}
	p.CreatedAt = fromNS(createdNS)
	return &p, nil
}

// InsertPeer registers a peer. A second parent is a ConstraintViolation.
func InsertPeer(ctx context.Context, q Querier, p *models.Peer) error {
	if p.Role == models.RoleParent {
		parent, err := GetParent(ctx, q)
		if err != nil {
			return err
		}
		if parent != nil {
			return syncerr.New(syncerr.ConstraintViolation, "peer %s is already the parent", parent.Nickname).
				With("parent_id", parent.ID)
		}
	}
	if p.Cursor.IsZero() {
		p.Cursor = cursor.Start()
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO peers (id, nickname, role, address, outbound_token, inbound_token_hash, disabled,
			last_sync_state, cursor_ns, cursor_id, max_batch_web, max_batch_file, created_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Nickname, string(p.Role), p.Address, p.OutboundToken, p.InboundTokenHash, boolInt(p.Disabled),
		string(p.LastSyncState), toNS(p.Cursor.Timestamp), p.Cursor.ID, p.MaxBatchWeb, p.MaxBatchFile, toNS(p.CreatedAt))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return syncerr.Wrap(syncerr.ConstraintViolation, err, "peer %s already registered", p.Nickname)
		}
		return fmt.Errorf("insert peer: %w", err)
	}
	for class, pol := range p.Policies {
		if err := SetClassPolicy(ctx, q, p.ID, class, pol); err != nil {
			return err
		}
	}
	return nil
}

// UpdatePeer rewrites a peer's configurable fields.
func UpdatePeer(ctx context.Context, q Querier, p *models.Peer) error {
	res, err := q.ExecContext(ctx, `
		UPDATE peers SET nickname = ?, address = ?, outbound_token = ?, inbound_token_hash = ?,
			disabled = ?, max_batch_web = ?, max_batch_file = ?
		WHERE id = ?`,
		p.Nickname, p.Address, p.OutboundToken, p.InboundTokenHash, boolInt(p.Disabled),
		p.MaxBatchWeb, p.MaxBatchFile, p.ID)
	if err != nil {
		return fmt.Errorf("update peer: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return syncerr.New(syncerr.UnknownPeer, "peer %s not found", p.ID)
	}
	return nil
}

// GetPeer loads a peer by id or nickname, including class policies.
// Disabled peers are returned; callers decide whether that matters.
func GetPeer(ctx context.Context, q Querier, ref string) (*models.Peer, error) {
	row := q.QueryRowContext(ctx, `SELECT `+peerColumns+` FROM peers WHERE id = ? OR nickname = ?
		ORDER BY CASE WHEN id = ? THEN 0 ELSE 1 END LIMIT 1`, ref, ref, ref)
	p, err := scanPeer(row)
	if err == sql.ErrNoRows {
		return nil, syncerr.New(syncerr.UnknownPeer, "unknown peer %s", ref)
	}
	if err != nil {
		return nil, fmt.Errorf("get peer: %w", err)
	}
	if p.Policies, err = loadPolicies(ctx, q, p.ID); err != nil {
		return nil, err
	}
	return p, nil
}

// GetParent returns the parent peer, or nil when none is registered.
func GetParent(ctx context.Context, q Querier) (*models.Peer, error) {
	peers, err := listPeers(ctx, q, `WHERE role = 'parent'`)
	if err != nil || len(peers) == 0 {
		return nil, err
	}
	return peers[0], nil
}

// GetChildren returns all child peers.
func GetChildren(ctx context.Context, q Querier) ([]*models.Peer, error) {
	return listPeers(ctx, q, `WHERE role = 'child'`)
}

// ListPeers returns every peer, parent first.
func ListPeers(ctx context.Context, q Querier) ([]*models.Peer, error) {
	return listPeers(ctx, q, ``)
}

func listPeers(ctx context.Context, q Querier, where string) ([]*models.Peer, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+peerColumns+` FROM peers `+where+`
		ORDER BY CASE role WHEN 'parent' THEN 0 ELSE 1 END, nickname`)
	if err != nil {
		return nil, fmt.Errorf("list peers: %w", err)
	}
	var peers []*models.Peer
	for rows.Next() {
		p, err := scanPeer(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		peers = append(peers, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, p := range peers {
		if p.Policies, err = loadPolicies(ctx, q, p.ID); err != nil {
			return nil, err
		}
	}
	return peers, nil
}

// PeerIDs returns the ids of every enabled peer.
func PeerIDs(ctx context.Context, q Querier) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT id FROM peers WHERE disabled = 0 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list peer ids: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeletePeer removes a peer with its policies and server records. Without
// force it refuses while deliveries to the peer are still in flight.
func DeletePeer(ctx context.Context, q Querier, id string, force bool) error {
	if !force {
		n, err := CountInFlightForPeer(ctx, q, id)
		if err != nil {
			return err
		}
		if n > 0 {
			return syncerr.New(syncerr.ConstraintViolation,
				"peer %s has %d records in flight; use force to delete anyway", id, n)
		}
	}
	res, err := q.ExecContext(ctx, `DELETE FROM peers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete peer: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return syncerr.New(syncerr.UnknownPeer, "unknown peer %s", id)
	}
	return nil
}

// SetClassPolicy stores the send/receive policy for one class.
func SetClassPolicy(ctx context.Context, q Querier, peerID, class string, pol models.ClassPolicy) error {
	if class == "" {
		return syncerr.New(syncerr.InvalidArgument, "class name is required")
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO class_policies (peer_id, class, send_to, receive_from) VALUES (?, ?, ?, ?)
		ON CONFLICT(peer_id, class) DO UPDATE SET
			send_to = excluded.send_to,
			receive_from = excluded.receive_from`,
		peerID, class, boolInt(pol.SendTo), boolInt(pol.ReceiveFrom))
	if err != nil {
		if strings.Contains(err.Error(), "FOREIGN KEY") {
			return syncerr.Wrap(syncerr.UnknownPeer, err, "unknown peer %s", peerID)
		}
		return fmt.Errorf("set class policy: %w", err)
	}
	return nil
}

func loadPolicies(ctx context.Context, q Querier, peerID string) (map[string]models.ClassPolicy, error) {
	rows, err := q.QueryContext(ctx, `SELECT class, send_to, receive_from FROM class_policies WHERE peer_id = ?`, peerID)
	if err != nil {
		return nil, fmt.Errorf("load class policies: %w", err)
	}
	defer rows.Close()

	policies := map[string]models.ClassPolicy{}
	for rows.Next() {
		var class string
		var send, recv int
		if err := rows.Scan(&class, &send, &recv); err != nil {
			return nil, err
		}
		policies[class] = models.ClassPolicy{SendTo: send != 0, ReceiveFrom: recv != 0}
	}
	return policies, rows.Err()
}

// SetPeerCursor persists the peer's extraction cursor.
func SetPeerCursor(ctx context.Context, q Querier, peerID string, c cursor.Cursor) error {
	_, err := q.ExecContext(ctx, `UPDATE peers SET cursor_ns = ?, cursor_id = ? WHERE id = ?`,
		toNS(c.Timestamp), c.ID, peerID)
	if err != nil {
		return fmt.Errorf("set peer cursor: %w", err)
	}
	return nil
}

// SetPeerSyncState records when and how the last exchange with the peer ended.
func SetPeerSyncState(ctx context.Context, q Querier, peerID string, at time.Time, state models.TransmissionState) error {
	_, err := q.ExecContext(ctx, `UPDATE peers SET last_sync_ns = ?, last_sync_state = ? WHERE id = ?`,
		toNS(at), string(state), peerID)
	if err != nil {
		return fmt.Errorf("set peer sync state: %w", err)
	}
	return nil
}
