package sync

import (
	"context"
	"database/sql"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/marcus/medsync/internal/crypto"
	"github.com/marcus/medsync/internal/db"
	"github.com/marcus/medsync/internal/models"
	"github.com/marcus/medsync/internal/syncerr"
)

// PeerSpec describes a peer to register. ID is the peer's own server id.
type PeerSpec struct {
	ID            string
	Nickname      string
	Role          models.Role
	Address       string
	OutboundToken string
	// InboundToken is generated when empty.
	InboundToken string
	MaxBatchWeb  int
	MaxBatchFile int
	Policies     map[string]models.ClassPolicy
}

// Registration is a newly registered peer and the plaintext token it must
// present. The token is not stored and cannot be shown again.
type Registration struct {
	Peer         *models.Peer
	InboundToken string
}

// PeerUpdate changes selected peer fields; nil fields are left alone.
type PeerUpdate struct {
	Nickname      *string
	Address       *string
	OutboundToken *string
	Disabled      *bool
	MaxBatchWeb   *int
	MaxBatchFile  *int
}

// NormalizeNickname returns the canonical form of a peer nickname:
// NFC-normalized, case-folded, with runs of spaces replaced by '-'.
func NormalizeNickname(s string) string {
	s = cases.Fold().String(norm.NFC.String(strings.TrimSpace(s)))
	return strings.Join(strings.FieldsFunc(s, unicode.IsSpace), "-")
}

// RegisterPeer adds a parent or child. A second parent is a
// ConstraintViolation and leaves the existing parent untouched.
func (e *Engine) RegisterPeer(ctx context.Context, spec PeerSpec) (*Registration, error) {
	spec.ID = strings.TrimSpace(spec.ID)
	if spec.ID == "" {
		return nil, syncerr.New(syncerr.InvalidArgument, "peer id is required")
	}
	if spec.ID == e.self.ID {
		return nil, syncerr.New(syncerr.InvalidArgument, "a server cannot be its own peer")
	}
	if !spec.Role.IsValid() {
		return nil, syncerr.New(syncerr.InvalidArgument, "role must be parent or child, got %q", spec.Role)
	}
	if spec.MaxBatchWeb < 0 || spec.MaxBatchFile < 0 {
		return nil, syncerr.New(syncerr.InvalidArgument, "batch sizes cannot be negative")
	}
	nickname := NormalizeNickname(spec.Nickname)
	if nickname == "" {
		nickname = NormalizeNickname(shortPeerID(spec.ID))
	}

	token := spec.InboundToken
	if token == "" {
		var err error
		if token, err = crypto.GenerateToken(); err != nil {
			return nil, err
		}
	}
	hash, err := crypto.HashToken(token)
	if err != nil {
		return nil, err
	}

	peer := &models.Peer{
		ID:               spec.ID,
		Nickname:         nickname,
		Role:             spec.Role,
		Address:          strings.TrimRight(spec.Address, "/"),
		OutboundToken:    spec.OutboundToken,
		InboundTokenHash: hash,
		MaxBatchWeb:      spec.MaxBatchWeb,
		MaxBatchFile:     spec.MaxBatchFile,
		Policies:         spec.Policies,
		CreatedAt:        e.now(),
	}
	err = e.db.WithTx(ctx, func(tx *sql.Tx) error {
		return db.InsertPeer(ctx, tx, peer)
	})
	if err != nil {
		return nil, err
	}
	e.log.Info("peer registered", "peer", peer.Nickname, "id", peer.ID, "role", peer.Role)
	return &Registration{Peer: peer, InboundToken: token}, nil
}

func shortPeerID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// GetPeer loads a peer by id or nickname.
func (e *Engine) GetPeer(ctx context.Context, ref string) (*models.Peer, error) {
	return db.GetPeer(ctx, e.db.Conn(), ref)
}

// ListPeers returns all peers, parent first.
func (e *Engine) ListPeers(ctx context.Context) ([]*models.Peer, error) {
	return db.ListPeers(ctx, e.db.Conn())
}

// GetParent returns the parent, or nil on the root server.
func (e *Engine) GetParent(ctx context.Context) (*models.Peer, error) {
	return db.GetParent(ctx, e.db.Conn())
}

// GetChildren returns every child peer.
func (e *Engine) GetChildren(ctx context.Context) ([]*models.Peer, error) {
	return db.GetChildren(ctx, e.db.Conn())
}

// UpdatePeer applies the non-nil fields of u.
func (e *Engine) UpdatePeer(ctx context.Context, ref string, u PeerUpdate) (*models.Peer, error) {
	var peer *models.Peer
	err := e.db.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		if peer, err = db.GetPeer(ctx, tx, ref); err != nil {
			return err
		}
		if u.Nickname != nil {
			if peer.Nickname = NormalizeNickname(*u.Nickname); peer.Nickname == "" {
				return syncerr.New(syncerr.InvalidArgument, "nickname cannot be empty")
			}
		}
		if u.Address != nil {
			peer.Address = strings.TrimRight(*u.Address, "/")
		}
		if u.OutboundToken != nil {
			peer.OutboundToken = *u.OutboundToken
		}
		if u.Disabled != nil {
			peer.Disabled = *u.Disabled
		}
		if u.MaxBatchWeb != nil {
			peer.MaxBatchWeb = *u.MaxBatchWeb
		}
		if u.MaxBatchFile != nil {
			peer.MaxBatchFile = *u.MaxBatchFile
		}
		if peer.MaxBatchWeb < 0 || peer.MaxBatchFile < 0 {
			return syncerr.New(syncerr.InvalidArgument, "batch sizes cannot be negative")
		}
		return db.UpdatePeer(ctx, tx, peer)
	})
	if err != nil {
		return nil, err
	}
	return peer, nil
}

// RotateToken issues a new inbound token for a peer and returns it.
func (e *Engine) RotateToken(ctx context.Context, ref string) (string, error) {
	token, err := crypto.GenerateToken()
	if err != nil {
		return "", err
	}
	hash, err := crypto.HashToken(token)
	if err != nil {
		return "", err
	}
	err = e.db.WithTx(ctx, func(tx *sql.Tx) error {
		peer, err := db.GetPeer(ctx, tx, ref)
		if err != nil {
			return err
		}
		peer.InboundTokenHash = hash
		return db.UpdatePeer(ctx, tx, peer)
	})
	if err != nil {
		return "", err
	}
	return token, nil
}

// Authenticate returns the enabled peer whose inbound token matches.
func (e *Engine) Authenticate(ctx context.Context, token string) (*models.Peer, error) {
	if token == "" {
		return nil, syncerr.New(syncerr.UnknownPeer, "missing peer token")
	}
	peers, err := db.ListPeers(ctx, e.db.Conn())
	if err != nil {
		return nil, err
	}
	for _, p := range peers {
		if !p.Disabled && p.InboundTokenHash != "" && crypto.VerifyToken(token, p.InboundTokenHash) {
			return p, nil
		}
	}
	return nil, syncerr.New(syncerr.UnknownPeer, "invalid peer token")
}

// SetClassPolicy sets whether class is sent to and accepted from a peer.
func (e *Engine) SetClassPolicy(ctx context.Context, ref, class string, sendTo, receiveFrom bool) error {
	class = strings.TrimSpace(class)
	return e.db.WithTx(ctx, func(tx *sql.Tx) error {
		peer, err := db.GetPeer(ctx, tx, ref)
		if err != nil {
			return err
		}
		return db.SetClassPolicy(ctx, tx, peer.ID, class, models.ClassPolicy{SendTo: sendTo, ReceiveFrom: receiveFrom})
	})
}

// DeletePeer removes a peer. It refuses while records are still in flight
// to the peer unless force is set, and always while an exchange runs.
func (e *Engine) DeletePeer(ctx context.Context, ref string, force bool) error {
	peer, err := db.GetPeer(ctx, e.db.Conn(), ref)
	if err != nil {
		return err
	}
	release, err := e.lockPeer(peer.ID)
	if err != nil {
		return err
	}
	defer release()

	err = e.db.WithTx(ctx, func(tx *sql.Tx) error {
		return db.DeletePeer(ctx, tx, peer.ID, force)
	})
	if err != nil {
		return err
	}
	e.log.Info("peer deleted", "peer", peer.Nickname, "id", peer.ID, "forced", force)
	return nil
}
