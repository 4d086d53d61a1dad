package sync

import (
	"context"
	"database/sql"
	"errors"
	gosync "sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/marcus/medsync/internal/config"
	"github.com/marcus/medsync/internal/cursor"
	"github.com/marcus/medsync/internal/db"
	"github.com/marcus/medsync/internal/lock"
	"github.com/marcus/medsync/internal/logging"
	"github.com/marcus/medsync/internal/models"
	"github.com/marcus/medsync/internal/wire"
)

var t0 = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

// testClock is a settable clock shared by an engine under test.
type testClock struct {
	mu  gosync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: t0}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testSyncConfig() config.SyncConfig {
	return config.SyncConfig{MaxRetryCount: 3, MaxBatchWeb: 50, MaxBatchFile: 50}
}

func openTestDB(t *testing.T, nickname string) *db.DB {
	t.Helper()
	conn, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	d, err := db.OpenConn(conn)
	if err != nil {
		t.Fatalf("prepare db: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	if _, err := db.EnsureServerInfo(context.Background(), d.Conn(), nickname); err != nil {
		t.Fatalf("server info: %v", err)
	}
	return d
}

func newTestEngine(t *testing.T, nickname string, cfg config.SyncConfig, clock *testClock) *Engine {
	t.Helper()
	e, err := New(context.Background(), Options{
		DB:     openTestDB(t, nickname),
		Sync:   cfg,
		Locks:  lock.NewRegistry(""),
		Clock:  clock.Now,
		Logger: logging.Discard(),
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return e
}

func registerPeer(t *testing.T, e *Engine, id, nickname string, role models.Role) *models.Peer {
	t.Helper()
	reg, err := e.RegisterPeer(context.Background(), PeerSpec{ID: id, Nickname: nickname, Role: role, Address: "http://" + nickname})
	if err != nil {
		t.Fatalf("register %s: %v", nickname, err)
	}
	return reg.Peer
}

// pair is a child engine whose parent is reachable in process.
type pair struct {
	parent, child *Engine
	clock         *testClock
	link          *loopback
}

func newPair(t *testing.T, cfg config.SyncConfig) *pair {
	t.Helper()
	clock := newTestClock()
	p := &pair{
		parent: newTestEngine(t, "parent", cfg, clock),
		child:  newTestEngine(t, "child", cfg, clock),
		clock:  clock,
	}
	registerPeer(t, p.child, p.parent.Self().ID, "parent", models.RoleParent)
	registerPeer(t, p.parent, p.child.Self().ID, "child", models.RoleChild)
	p.link = &loopback{remote: p.parent, caller: p.child.Self().ID}
	p.child.SetTransport(p.link)
	return p
}

// loopback delivers payloads straight to a remote engine, as the HTTP
// server would after authenticating the caller.
type loopback struct {
	remote *Engine
	caller string

	mu       gosync.Mutex
	sent     [][]byte
	confirms int
}

func (l *loopback) Send(ctx context.Context, _ *models.Peer, payload []byte) ([]byte, error) {
	l.mu.Lock()
	l.sent = append(l.sent, payload)
	l.mu.Unlock()
	imp, err := l.remote.Receive(ctx, l.caller, payload)
	if err != nil {
		return nil, err
	}
	if err := l.remote.ReplyDelivered(ctx, imp); err != nil {
		return nil, err
	}
	return imp.Response, nil
}

func (l *loopback) Confirm(ctx context.Context, _ *models.Peer, payload []byte) error {
	l.mu.Lock()
	l.confirms++
	l.mu.Unlock()
	_, err := l.remote.ReceiveConfirmation(ctx, l.caller, payload)
	return err
}

func (l *loopback) lastSent() []byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sent[len(l.sent)-1]
}

// scripted answers every transmission with the same outcome for each record.
type scripted struct {
	outcome models.RecordState
	err     error
	raw     []byte
	// enter and release, when set, block Send until release is closed.
	enter   chan struct{}
	release chan struct{}
}

func (s *scripted) Send(_ context.Context, _ *models.Peer, payload []byte) ([]byte, error) {
	if s.enter != nil {
		s.enter <- struct{}{}
		<-s.release
	}
	if s.err != nil {
		return nil, s.err
	}
	if s.raw != nil {
		return s.raw, nil
	}
	tr, err := wire.Unpack(payload)
	if err != nil {
		return nil, err
	}
	resp := wire.NewResponse("resp-"+tr.ID, tr, tr.Timestamp)
	for _, r := range tr.Records.Items {
		o := wire.Outcome{RecordID: r.ID, State: string(s.outcome), RetryCount: r.RetryCount, Timestamp: tr.Timestamp}
		if s.outcome == models.StateFailed {
			o.Error = "referenced entity missing"
		}
		resp.Add(o)
	}
	resp.Summarize()
	return wire.PackResponse(resp)
}

func (s *scripted) Confirm(context.Context, *models.Peer, []byte) error {
	return errors.New("scripted peers never embed records")
}

func put(t *testing.T, e *Engine, class, uuid, payload string) *models.ChangeRecord {
	t.Helper()
	rec, err := e.PutEntity(context.Background(), class, uuid, payload)
	if err != nil {
		t.Fatalf("put %s/%s: %v", class, uuid, err)
	}
	return rec
}

func snapshot(t *testing.T, e *Engine) map[string]string {
	t.Helper()
	snap, err := db.Snapshot(context.Background(), e.db.Conn())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	return snap
}

func serverRecord(t *testing.T, e *Engine, rec *models.ChangeRecord, peerID string) *models.ServerRecord {
	t.Helper()
	sr, err := db.GetServerRecord(context.Background(), e.db.Conn(), rec.Seq, peerID)
	if err != nil {
		t.Fatalf("server record: %v", err)
	}
	return sr
}

func wireRecord(id string, ts time.Time, items ...wire.Item) wire.Record {
	return wire.Record{ID: id, OriginalID: id, Timestamp: ts, State: string(models.StateSent), Items: items}
}

func createItem(class, uuid, payload string) wire.Item {
	return wire.Item{Class: class, UUID: uuid, Action: string(models.ActionCreate), Content: payload}
}

func deleteItem(class, uuid string) wire.Item {
	return wire.Item{Class: class, UUID: uuid, Action: string(models.ActionDelete)}
}

func transmissionFor(e *Engine, source string, records ...wire.Record) *wire.Transmission {
	return wire.NewTransmission("tx-"+source, source, e.Self().ID, t0, records, cursor.Cursor{})
}
