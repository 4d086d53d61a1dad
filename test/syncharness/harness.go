// Package syncharness runs several medsync sites in one process, each with
// its own in-memory database, engine and HTTP endpoint, wired into a
// parent/child tree. Tests mutate entities on any site, run exchanges over
// real HTTP or through transmission files, and check convergence.
package syncharness

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/marcus/medsync/internal/api"
	"github.com/marcus/medsync/internal/config"
	"github.com/marcus/medsync/internal/db"
	"github.com/marcus/medsync/internal/lock"
	"github.com/marcus/medsync/internal/logging"
	"github.com/marcus/medsync/internal/models"
	medsync "github.com/marcus/medsync/internal/sync"
	"github.com/marcus/medsync/internal/syncclient"
)

const adminToken = "harness-admin"

// Site is one server in the tree.
type Site struct {
	Name   string
	DB     *db.DB
	Engine *medsync.Engine
	HTTP   *httptest.Server

	parent  *Site
	offline atomic.Bool
	gate    atomic.Pointer[hold]
}

type hold struct {
	arrived chan struct{}
	release chan struct{}
}

// serve fronts the site's API so tests can take it offline or hold
// requests until released.
func (s *Site) serve(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.offline.Load() {
			http.Error(w, "site offline", http.StatusServiceUnavailable)
			return
		}
		if g := s.gate.Load(); g != nil {
			select {
			case g.arrived <- struct{}{}:
			default:
			}
			select {
			case <-g.release:
			case <-r.Context().Done():
				return
			}
		}
		h.ServeHTTP(w, r)
	})
}

// Harness orchestrates a tree of sites.
type Harness struct {
	t     *testing.T
	cfg   config.SyncConfig
	Sites map[string]*Site
}

// Option adjusts the sync configuration shared by every site.
type Option func(*config.SyncConfig)

// WithRelay lets intermediate sites forward records between their peers.
func WithRelay() Option {
	return func(c *config.SyncConfig) { c.Relay = true }
}

// WithMaxRetry sets the retry budget.
func WithMaxRetry(n int) Option {
	return func(c *config.SyncConfig) { c.MaxRetryCount = n }
}

// New creates a harness with a root site named root.
func New(t *testing.T, root string, opts ...Option) *Harness {
	t.Helper()
	cfg := config.SyncConfig{MaxRetryCount: 3, MaxBatchWeb: 50, MaxBatchFile: 50, HistoryMaxRows: 1000}
	for _, o := range opts {
		o(&cfg)
	}
	h := &Harness{t: t, cfg: cfg, Sites: map[string]*Site{}}
	h.newSite(root)
	return h
}

func (h *Harness) newSite(name string) *Site {
	h.t.Helper()
	if _, dup := h.Sites[name]; dup {
		h.t.Fatalf("site %s already exists", name)
	}

	conn, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		h.t.Fatalf("open %s db: %v", name, err)
	}
	store, err := db.OpenConn(conn)
	if err != nil {
		h.t.Fatalf("prepare %s db: %v", name, err)
	}
	h.t.Cleanup(func() { store.Close() })
	if _, err := db.EnsureServerInfo(context.Background(), store.Conn(), name); err != nil {
		h.t.Fatalf("%s server info: %v", name, err)
	}

	log := logging.Discard()
	engine, err := medsync.New(context.Background(), medsync.Options{
		DB:        store,
		Sync:      h.cfg,
		Locks:     lock.NewRegistry(""),
		Transport: syncclient.New(5*time.Second, 0, log),
		Logger:    log,
	})
	if err != nil {
		h.t.Fatalf("%s engine: %v", name, err)
	}
	srv, err := api.NewServer(config.ServerConfig{
		ListenAddr:    ":0",
		AdminToken:    adminToken,
		RateLimitSync: 100000,
		MaxBodyBytes:  10 << 20,
	}, engine, log)
	if err != nil {
		h.t.Fatalf("%s server: %v", name, err)
	}

	site := &Site{Name: name, DB: store, Engine: engine}
	site.HTTP = httptest.NewServer(site.serve(srv.Handler()))
	h.t.Cleanup(site.HTTP.Close)
	h.Sites[name] = site
	return site
}

// AddChild creates a site under parent and registers both directions. The
// child reaches the parent over HTTP; the parent knows the child without
// an address, as children usually sit behind NAT.
func (h *Harness) AddChild(name, parent string) *Site {
	h.t.Helper()
	p := h.site(parent)
	child := h.newSite(name)
	child.parent = p
	ctx := context.Background()

	reg, err := p.Engine.RegisterPeer(ctx, medsync.PeerSpec{
		ID:       child.Engine.Self().ID,
		Nickname: name,
		Role:     models.RoleChild,
	})
	if err != nil {
		h.t.Fatalf("register %s on %s: %v", name, parent, err)
	}
	if _, err := child.Engine.RegisterPeer(ctx, medsync.PeerSpec{
		ID:            p.Engine.Self().ID,
		Nickname:      parent,
		Role:          models.RoleParent,
		Address:       p.HTTP.URL,
		OutboundToken: reg.InboundToken,
	}); err != nil {
		h.t.Fatalf("register %s on %s: %v", parent, name, err)
	}
	return child
}

func (h *Harness) site(name string) *Site {
	h.t.Helper()
	s, ok := h.Sites[name]
	if !ok {
		h.t.Fatalf("unknown site %s", name)
	}
	return s
}

// Put writes an entity on a site through its journal.
func (h *Harness) Put(site, class, uuid, payload string) *models.ChangeRecord {
	h.t.Helper()
	rec, err := h.site(site).Engine.PutEntity(context.Background(), class, uuid, payload)
	if err != nil {
		h.t.Fatalf("%s put %s/%s: %v", site, class, uuid, err)
	}
	return rec
}

// Delete removes an entity on a site through its journal.
func (h *Harness) Delete(site, class, uuid string) *models.ChangeRecord {
	h.t.Helper()
	rec, err := h.site(site).Engine.DeleteEntity(context.Background(), class, uuid)
	if err != nil {
		h.t.Fatalf("%s delete %s/%s: %v", site, class, uuid, err)
	}
	return rec
}

// Sync runs one HTTP exchange from a site to its parent.
func (h *Harness) Sync(site string) (*medsync.ExchangeResult, error) {
	h.t.Helper()
	s := h.site(site)
	if s.parent == nil {
		h.t.Fatalf("%s has no parent", site)
	}
	return s.Engine.Exchange(context.Background(), s.parent.Name)
}

// MustSync is Sync that fails the test on error.
func (h *Harness) MustSync(site string) *medsync.ExchangeResult {
	h.t.Helper()
	res, err := h.Sync(site)
	if err != nil {
		h.t.Fatalf("sync %s: %v", site, err)
	}
	return res
}

// FileRound carries one transmission file from site to its parent, the
// response file back, and the confirmation file up again when the parent
// embedded records.
type FileRound struct {
	Export   *medsync.Export
	Import   *medsync.Import
	Response *medsync.ResponseResult
	Confirm  *medsync.ResponseResult
}

// SyncFile runs the file channel between a site and its parent.
func (h *Harness) SyncFile(site string) *FileRound {
	h.t.Helper()
	ctx := context.Background()
	s := h.site(site)
	p := s.parent
	round := &FileRound{}
	var err error

	if round.Export, err = s.Engine.Export(ctx, p.Name); err != nil {
		h.t.Fatalf("export %s: %v", site, err)
	}
	if round.Import, err = p.Engine.Import(ctx, round.Export.Payload); err != nil {
		h.t.Fatalf("import on %s: %v", p.Name, err)
	}
	if round.Response, err = s.Engine.ImportResponse(ctx, round.Import.Response); err != nil {
		h.t.Fatalf("import response on %s: %v", site, err)
	}
	if round.Response.Confirmation != nil {
		if round.Confirm, err = p.Engine.ImportResponse(ctx, round.Response.Confirmation); err != nil {
			h.t.Fatalf("import confirmation on %s: %v", p.Name, err)
		}
	}
	return round
}

// SetOffline makes a site's endpoint answer 503.
func (h *Harness) SetOffline(site string, offline bool) {
	h.site(site).offline.Store(offline)
}

// Hold blocks requests to a site until release is called. arrived
// receives once a request is being held.
func (h *Harness) Hold(site string) (arrived <-chan struct{}, release func()) {
	s := h.site(site)
	g := &hold{arrived: make(chan struct{}, 1), release: make(chan struct{})}
	s.gate.Store(g)
	return g.arrived, func() {
		s.gate.Store(nil)
		close(g.release)
	}
}

// Snapshot returns a site's entities keyed by "class/uuid".
func (h *Harness) Snapshot(site string) map[string]string {
	h.t.Helper()
	snap, err := db.Snapshot(context.Background(), h.site(site).DB.Conn())
	if err != nil {
		h.t.Fatalf("snapshot %s: %v", site, err)
	}
	return snap
}

// AssertConverged fails unless every named site holds the same entities.
func (h *Harness) AssertConverged(sites ...string) {
	h.t.Helper()
	if len(sites) < 2 {
		return
	}
	for _, other := range sites[1:] {
		if d := h.Diff(sites[0], other); d != "" {
			h.t.Fatalf("%s and %s diverged:\n%s", sites[0], other, d)
		}
	}
}

// Diff returns a readable diff of two sites' entities, empty when equal.
func (h *Harness) Diff(a, b string) string {
	sa, sb := h.Snapshot(a), h.Snapshot(b)
	keys := map[string]bool{}
	for k := range sa {
		keys[k] = true
	}
	for k := range sb {
		keys[k] = true
	}
	sorted := make([]string, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)

	var out strings.Builder
	for _, k := range sorted {
		va, okA := sa[k]
		vb, okB := sb[k]
		switch {
		case !okA:
			fmt.Fprintf(&out, "  %s: missing on %s (%s has %s)\n", k, a, b, vb)
		case !okB:
			fmt.Fprintf(&out, "  %s: missing on %s (%s has %s)\n", k, b, a, va)
		case va != vb:
			fmt.Fprintf(&out, "  %s: %s=%s %s=%s\n", k, a, va, b, vb)
		}
	}
	return out.String()
}

// ServerRecord returns the delivery of rec from site to peer.
func (h *Harness) ServerRecord(site string, rec *models.ChangeRecord, peer string) models.ServerRecord {
	h.t.Helper()
	s := h.site(site)
	got, err := s.Engine.GetRecord(context.Background(), rec.ID)
	if err != nil {
		h.t.Fatalf("%s get record %s: %v", site, rec.ID, err)
	}
	peerID := h.site(peer).Engine.Self().ID
	sr := got.ServerRecord(peerID)
	if sr == nil {
		h.t.Fatalf("%s record %s has no delivery for %s", site, rec.ID, peer)
	}
	return *sr
}
