// Package sync is the replication engine: extraction of pending change
// records, ingestion of transmissions, consumption of responses, and the
// per-record delivery state machine.
package sync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/marcus/medsync/internal/archive"
	"github.com/marcus/medsync/internal/config"
	"github.com/marcus/medsync/internal/db"
	"github.com/marcus/medsync/internal/lock"
	"github.com/marcus/medsync/internal/models"
	"github.com/marcus/medsync/internal/syncerr"
)

// Options configures an Engine. DB and Sync are required.
type Options struct {
	DB        *db.DB
	Sync      config.SyncConfig
	Locks     *lock.Registry
	Archive   *archive.Archive
	Transport Transport
	Clock     func() time.Time
	Logger    *slog.Logger
}

// Engine runs exchanges for the local server.
type Engine struct {
	db        *db.DB
	cfg       config.SyncConfig
	locks     *lock.Registry
	archive   *archive.Archive
	transport Transport
	clock     func() time.Time
	log       *slog.Logger
	self      db.ServerInfo
	// applyItem performs incoming entity mutations.
	applyItem func(context.Context, db.Querier, models.Item, time.Time) error

	Journal *Journal
}

// New builds an engine. The database must hold a server identity.
func New(ctx context.Context, opts Options) (*Engine, error) {
	if opts.DB == nil {
		return nil, syncerr.New(syncerr.InvalidArgument, "engine needs a database")
	}
	if opts.Sync.MaxRetryCount <= 0 || opts.Sync.MaxBatchWeb <= 0 || opts.Sync.MaxBatchFile <= 0 {
		return nil, syncerr.New(syncerr.InvalidArgument, "max retry count and batch sizes must be configured")
	}
	self, err := db.GetServerInfo(ctx, opts.DB.Conn())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("server identity missing: run 'medsync init' first")
	}
	if err != nil {
		return nil, fmt.Errorf("load server identity: %w", err)
	}

	e := &Engine{
		db:        opts.DB,
		cfg:       opts.Sync,
		locks:     opts.Locks,
		archive:   opts.Archive,
		transport: opts.Transport,
		clock:     opts.Clock,
		log:       opts.Logger,
		self:      self,
		applyItem: db.ApplyItem,
	}
	if e.locks == nil {
		e.locks = lock.NewRegistry(opts.Sync.LockDir)
	}
	if e.clock == nil {
		e.clock = time.Now
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	e.log = e.log.With("component", "sync", "server", self.Nickname)
	e.Journal = &Journal{db: opts.DB, now: e.now, log: e.log}
	return e, nil
}

// Self returns the local server identity.
func (e *Engine) Self() db.ServerInfo {
	return e.self
}

// SetTransport replaces the transport used by Exchange.
func (e *Engine) SetTransport(t Transport) {
	e.transport = t
}

func (e *Engine) now() time.Time {
	return e.clock().UTC()
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// lockPeer acquires the exchange lock for a peer.
func (e *Engine) lockPeer(peerID string) (func(), error) {
	release, err := e.locks.TryAcquire(peerID)
	if err != nil {
		e.log.Warn("exchange already running", "peer", peerID)
		return nil, err
	}
	return release, nil
}

// activePeer loads a peer that may take part in an exchange.
func activePeer(ctx context.Context, q db.Querier, ref string) (*models.Peer, error) {
	peer, err := db.GetPeer(ctx, q, ref)
	if err != nil {
		return nil, err
	}
	if peer.Disabled {
		return nil, syncerr.New(syncerr.UnknownPeer, "peer %s is disabled", peer.Nickname)
	}
	return peer, nil
}

// mirrorsGlobal reports whether transitions for peer are copied onto the
// global record: true for the parent, or for everyone on a root server.
func mirrorsGlobal(ctx context.Context, q db.Querier, peer *models.Peer) (bool, error) {
	if peer.Role == models.RoleParent {
		return true, nil
	}
	parent, err := db.GetParent(ctx, q)
	if err != nil {
		return false, err
	}
	return parent == nil, nil
}

// transition applies fn to the record's delivery for peer and persists it.
func (e *Engine) transition(ctx context.Context, q db.Querier, rec *models.ChangeRecord, peerID string, mirror bool,
	fn func(models.Delivery) (models.Delivery, error)) (models.Delivery, error) {
	sr, err := db.GetServerRecord(ctx, q, rec.Seq, peerID)
	if err != nil {
		return models.Delivery{}, err
	}
	next, err := fn(sr.Delivery)
	if err != nil {
		return sr.Delivery, err
	}
	if next == sr.Delivery {
		return next, nil
	}
	sr.Delivery = next
	sr.UpdatedAt = e.now()
	if err := db.UpsertServerRecord(ctx, q, sr); err != nil {
		return next, err
	}
	if mirror && rec.State != models.StateNotSupposedToSync {
		if err := db.UpdateRecordDelivery(ctx, q, rec.Seq, next); err != nil {
			return next, err
		}
		rec.Delivery = next
	}
	return next, nil
}

// finish stores the outcome of an exchange on the peer and in the history.
func (e *Engine) finish(ctx context.Context, q db.Querier, h *models.HistoryEntry) error {
	h.FinishedAt = e.now()
	if err := db.SetPeerSyncState(ctx, q, h.PeerID, h.FinishedAt, h.State); err != nil {
		return err
	}
	if err := db.RecordHistory(ctx, q, h); err != nil {
		return err
	}
	if e.cfg.HistoryMaxRows > 0 {
		return db.PruneHistory(ctx, q, e.cfg.HistoryMaxRows)
	}
	return nil
}

func (e *Engine) archivePayload(ctx context.Context, kind archive.Kind, peerID, name string, payload []byte) {
	if _, err := e.archive.Put(ctx, kind, peerID, name, payload); err != nil {
		e.log.Warn("archive payload", "kind", kind, "peer", peerID, "err", err)
	}
}

// Ping verifies the database is reachable.
func (e *Engine) Ping(ctx context.Context) error {
	return e.db.Ping(ctx)
}
