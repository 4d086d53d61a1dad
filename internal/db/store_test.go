package db

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/marcus/medsync/internal/cursor"
	"github.com/marcus/medsync/internal/models"
	"github.com/marcus/medsync/internal/syncerr"
)

var t0 = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	conn, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	db, err := OpenConn(conn)
	if err != nil {
		t.Fatalf("OpenConn failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func insertRecord(t *testing.T, db *DB, id string, ts time.Time, peers ...string) *models.ChangeRecord {
	t.Helper()
	rec := &models.ChangeRecord{
		ID:        id,
		Timestamp: ts,
		Items:     []models.Item{{Class: "patient", UUID: id, Action: models.ActionCreate, Payload: `{}`}},
	}
	if err := InsertChangeRecord(context.Background(), db.Conn(), rec, peers); err != nil {
		t.Fatalf("InsertChangeRecord failed: %v", err)
	}
	return rec
}

func insertPeer(t *testing.T, db *DB, id string, role models.Role) {
	t.Helper()
	p := &models.Peer{ID: id, Nickname: id, Role: role, CreatedAt: t0}
	if err := InsertPeer(context.Background(), db.Conn(), p); err != nil {
		t.Fatalf("InsertPeer failed: %v", err)
	}
}

func setServerState(t *testing.T, db *DB, rec *models.ChangeRecord, peerID string, state models.RecordState) {
	t.Helper()
	sr := &models.ServerRecord{RecordSeq: rec.Seq, PeerID: peerID, Delivery: models.Delivery{State: state}, UpdatedAt: t0}
	if err := UpsertServerRecord(context.Background(), db.Conn(), sr); err != nil {
		t.Fatalf("UpsertServerRecord failed: %v", err)
	}
}

func TestInitializeCreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "medsync.db")
	db, err := Initialize(path)
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	defer db.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Fatal("database file not created")
	}
	version, err := db.GetSchemaVersion()
	if err != nil {
		t.Fatalf("GetSchemaVersion failed: %v", err)
	}
	if version != SchemaVersion {
		t.Errorf("schema version: got %d, want %d", version, SchemaVersion)
	}
}

func TestOpenMissingDatabase(t *testing.T) {
	if _, err := Open(filepath.Join(t.TempDir(), "nope.db")); err == nil {
		t.Fatal("expected error for missing database")
	}
}

func TestServerInfoIsStable(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	if _, err := GetServerInfo(ctx, db.Conn()); err != sql.ErrNoRows {
		t.Fatalf("before init: got %v, want sql.ErrNoRows", err)
	}
	first, err := EnsureServerInfo(ctx, db.Conn(), "clinic")
	if err != nil {
		t.Fatalf("EnsureServerInfo failed: %v", err)
	}
	second, err := EnsureServerInfo(ctx, db.Conn(), "renamed")
	if err != nil {
		t.Fatalf("EnsureServerInfo failed: %v", err)
	}
	if first != second {
		t.Errorf("identity changed: %+v then %+v", first, second)
	}
	if second.Nickname != "clinic" {
		t.Errorf("nickname: got %q, want clinic", second.Nickname)
	}
}

func TestWithTxRollsBack(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	boom := syncerr.New(syncerr.ApplicationFailure, "boom")
	err := db.WithTx(ctx, func(tx *sql.Tx) error {
		item := models.Item{Class: "patient", UUID: "p1", Action: models.ActionCreate, Payload: `{}`}
		if err := ApplyItem(ctx, tx, item, t0); err != nil {
			return err
		}
		return boom
	})
	if err != boom {
		t.Fatalf("WithTx: got %v, want %v", err, boom)
	}
	if _, err := GetEntity(ctx, db.Conn(), "patient", "p1"); !syncerr.Is(err, syncerr.NotFound) {
		t.Fatalf("rolled back write is visible: %v", err)
	}

	func() {
		defer func() {
			if recover() == nil {
				t.Fatal("panic was swallowed")
			}
		}()
		db.WithTx(ctx, func(tx *sql.Tx) error {
			item := models.Item{Class: "patient", UUID: "p2", Action: models.ActionCreate, Payload: `{}`}
			ApplyItem(ctx, tx, item, t0)
			panic("boom")
		})
	}()
	if _, err := GetEntity(ctx, db.Conn(), "patient", "p2"); !syncerr.Is(err, syncerr.NotFound) {
		t.Fatalf("write before panic is visible: %v", err)
	}
}

func TestChangeRecordRoundTrip(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	insertPeer(t, db, "child-1", models.RoleChild)

	rec := insertRecord(t, db, "rec-1", t0.Add(123*time.Nanosecond), "child-1")
	if rec.Seq == 0 {
		t.Fatal("seq not assigned")
	}

	got, err := GetChangeRecord(ctx, db.Conn(), "rec-1")
	if err != nil {
		t.Fatalf("GetChangeRecord failed: %v", err)
	}
	if !got.Timestamp.Equal(rec.Timestamp) {
		t.Errorf("timestamp: got %v, want %v", got.Timestamp, rec.Timestamp)
	}
	if got.OriginalID != "rec-1" || got.State != models.StateNew {
		t.Errorf("defaults: got original %q state %s", got.OriginalID, got.State)
	}
	if len(got.ServerRecords) != 1 || got.ServerRecords[0].State != models.StateNew {
		t.Errorf("server records: got %+v", got.ServerRecords)
	}
	if len(got.Classes) != 1 || got.Classes[0] != "patient" {
		t.Errorf("classes: got %v", got.Classes)
	}

	bySeq, err := GetChangeRecordBySeq(ctx, db.Conn(), rec.Seq)
	if err != nil || bySeq.ID != "rec-1" {
		t.Fatalf("GetChangeRecordBySeq: got %v, %v", bySeq, err)
	}
	byKey, err := GetChangeRecordByKey(ctx, db.Conn(), "rec-1")
	if err != nil || byKey.Seq != rec.Seq {
		t.Fatalf("GetChangeRecordByKey: got %v, %v", byKey, err)
	}
	if _, err := GetChangeRecord(ctx, db.Conn(), "missing"); !syncerr.Is(err, syncerr.NotFound) {
		t.Fatalf("missing record: got %v", err)
	}
}

func TestListEligibleForPeer(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	insertPeer(t, db, "child-1", models.RoleChild)

	r1 := insertRecord(t, db, "r1", t0.Add(time.Second), "child-1")
	r2 := insertRecord(t, db, "r2", t0.Add(time.Second), "child-1")
	r3 := insertRecord(t, db, "r3", t0.Add(2*time.Second), "child-1")
	r4 := insertRecord(t, db, "r4", t0.Add(3*time.Second), "child-1")
	setServerState(t, db, r2, "child-1", models.StateCommitted)
	setServerState(t, db, r3, "child-1", models.StateFailed)

	recs, err := ListEligibleForPeer(ctx, db.Conn(), "child-1", cursor.Start(), 0)
	if err != nil {
		t.Fatalf("ListEligibleForPeer failed: %v", err)
	}
	var ids []string
	for _, r := range recs {
		ids = append(ids, r.ID)
	}
	if len(ids) != 3 || ids[0] != "r1" || ids[1] != "r3" || ids[2] != "r4" {
		t.Fatalf("eligible: got %v, want [r1 r3 r4]", ids)
	}
	if recs[1].ServerRecords[0].State != models.StateFailed {
		t.Errorf("server record state: got %s", recs[1].ServerRecords[0].State)
	}

	recs, err = ListEligibleForPeer(ctx, db.Conn(), "child-1", r1.Position(), 1)
	if err != nil {
		t.Fatalf("ListEligibleForPeer failed: %v", err)
	}
	if len(recs) != 1 || recs[0].ID != "r3" {
		t.Fatalf("after r1 limit 1: got %d records", len(recs))
	}

	// A peer registered later sees every record as New.
	recs, err = ListEligibleForPeer(ctx, db.Conn(), "late-peer", r3.Position(), 0)
	if err != nil {
		t.Fatalf("ListEligibleForPeer failed: %v", err)
	}
	if len(recs) != 1 || recs[0].ID != r4.ID || recs[0].ServerRecords[0].State != models.StateNew {
		t.Fatalf("late peer: got %v", recs)
	}
}

func TestSettledHorizon(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	insertPeer(t, db, "child-1", models.RoleChild)

	r1 := insertRecord(t, db, "r1", t0.Add(time.Second), "child-1")
	r2 := insertRecord(t, db, "r2", t0.Add(2*time.Second), "child-1")
	r3 := insertRecord(t, db, "r3", t0.Add(3*time.Second), "child-1")

	if _, ok, err := SettledHorizon(ctx, db.Conn(), "child-1", cursor.Start()); err != nil || ok {
		t.Fatalf("nothing settled: got ok=%v err=%v", ok, err)
	}

	setServerState(t, db, r1, "child-1", models.StateCommitted)
	setServerState(t, db, r3, "child-1", models.StateCommitted)
	c, ok, err := SettledHorizon(ctx, db.Conn(), "child-1", cursor.Start())
	if err != nil || !ok {
		t.Fatalf("SettledHorizon: ok=%v err=%v", ok, err)
	}
	if !c.Equal(r1.Position()) {
		t.Fatalf("blocked by r2: got %s, want %s", c, r1.Position())
	}

	setServerState(t, db, r2, "child-1", models.StateFailedAndStopped)
	c, ok, err = SettledHorizon(ctx, db.Conn(), "child-1", c)
	if err != nil || !ok {
		t.Fatalf("SettledHorizon: ok=%v err=%v", ok, err)
	}
	if !c.Equal(r3.Position()) {
		t.Fatalf("all settled: got %s, want %s", c, r3.Position())
	}
}

func TestPeerRegistry(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	insertPeer(t, db, "parent-1", models.RoleParent)
	p := &models.Peer{ID: "parent-2", Nickname: "parent-2", Role: models.RoleParent, CreatedAt: t0}
	if err := InsertPeer(ctx, db.Conn(), p); !syncerr.Is(err, syncerr.ConstraintViolation) {
		t.Fatalf("second parent: got %v, want ConstraintViolation", err)
	}
	insertPeer(t, db, "child-1", models.RoleChild)

	if err := SetClassPolicy(ctx, db.Conn(), "child-1", "billing", models.ClassPolicy{SendTo: false, ReceiveFrom: true}); err != nil {
		t.Fatalf("SetClassPolicy failed: %v", err)
	}
	child, err := GetPeer(ctx, db.Conn(), "child-1")
	if err != nil {
		t.Fatalf("GetPeer failed: %v", err)
	}
	if child.CanSend([]string{"billing"}) || !child.CanReceive([]string{"billing"}) || !child.CanSend([]string{"patient"}) {
		t.Errorf("policies not loaded: %+v", child.Policies)
	}
	if !child.Cursor.Equal(cursor.Start()) {
		t.Errorf("initial cursor: got %s", child.Cursor)
	}

	next := cursor.At(t0, 7)
	if err := SetPeerCursor(ctx, db.Conn(), "child-1", next); err != nil {
		t.Fatalf("SetPeerCursor failed: %v", err)
	}
	if err := SetPeerSyncState(ctx, db.Conn(), "child-1", t0, models.TransmissionOK); err != nil {
		t.Fatalf("SetPeerSyncState failed: %v", err)
	}
	child, _ = GetPeer(ctx, db.Conn(), "child-1")
	if !child.Cursor.Equal(next) || child.LastSyncState != models.TransmissionOK || child.LastSyncAt == nil {
		t.Errorf("sync state not stored: %+v", child)
	}

	ids, err := PeerIDs(ctx, db.Conn())
	if err != nil || len(ids) != 2 {
		t.Fatalf("PeerIDs: got %v, %v", ids, err)
	}
}

func TestDeletePeerGuard(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	insertPeer(t, db, "child-1", models.RoleChild)
	rec := insertRecord(t, db, "r1", t0, "child-1")

	if err := DeletePeer(ctx, db.Conn(), "child-1", false); !syncerr.Is(err, syncerr.ConstraintViolation) {
		t.Fatalf("in-flight delete: got %v, want ConstraintViolation", err)
	}
	setServerState(t, db, rec, "child-1", models.StateCommitted)
	if err := DeletePeer(ctx, db.Conn(), "child-1", false); err != nil {
		t.Fatalf("DeletePeer failed: %v", err)
	}
	if err := DeletePeer(ctx, db.Conn(), "child-1", true); !syncerr.IsUnknownPeer(err) {
		t.Fatalf("second delete: got %v, want UnknownPeer", err)
	}
}

func TestImportRecords(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	got, err := GetImportRecord(ctx, db.Conn(), "k1")
	if err != nil || got != nil {
		t.Fatalf("missing import: got %v, %v", got, err)
	}

	ir := &models.ImportRecord{
		OriginalID:   "k1",
		SourcePeerID: "child-1",
		Delivery:     models.Delivery{State: models.StateCommitted},
		Items:        []models.Item{{Class: "patient", UUID: "p1", Action: models.ActionCreate, Payload: `{}`}},
		ReceivedAt:   t0,
		UpdatedAt:    t0,
	}
	if err := UpsertImportRecord(ctx, db.Conn(), ir); err != nil {
		t.Fatalf("UpsertImportRecord failed: %v", err)
	}
	n, err := MarkConfirmationSent(ctx, db.Conn(), []string{"k1", "unknown"})
	if err != nil || n != 1 {
		t.Fatalf("MarkConfirmationSent: got %d, %v", n, err)
	}
	got, _ = GetImportRecord(ctx, db.Conn(), "k1")
	if got.State != models.StateCommittedAndConfirmationSent {
		t.Errorf("state: got %s", got.State)
	}
	if len(got.Items) != 1 || got.Items[0].UUID != "p1" {
		t.Errorf("items: got %+v", got.Items)
	}

	counts, err := CountImportsByState(ctx, db.Conn())
	if err != nil || counts[models.StateCommittedAndConfirmationSent] != 1 {
		t.Fatalf("CountImportsByState: got %v, %v", counts, err)
	}
}

func TestEntities(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	conn := db.Conn()

	create := models.Item{Class: "patient", UUID: "p1", Action: models.ActionCreate, Payload: `{"v":1}`}
	if err := ApplyItem(ctx, conn, create, t0); err != nil {
		t.Fatalf("create: %v", err)
	}
	update := models.Item{Class: "patient", UUID: "p1", Action: models.ActionUpdate, Payload: `{"v":2}`}
	if err := ApplyItem(ctx, conn, update, t0.Add(time.Second)); err != nil {
		t.Fatalf("update: %v", err)
	}
	ent, err := GetEntity(ctx, conn, "patient", "p1")
	if err != nil || ent.Payload != `{"v":2}` {
		t.Fatalf("GetEntity: got %+v, %v", ent, err)
	}

	bad := models.Item{Class: "patient", UUID: "p2", Action: models.ActionCreate, Payload: `[1,2]`}
	if err := ApplyItem(ctx, conn, bad, t0); !syncerr.Is(err, syncerr.ApplicationFailure) {
		t.Fatalf("non-object payload: got %v", err)
	}
	missing := models.Item{Class: "patient", UUID: "ghost", Action: models.ActionDelete}
	if err := ApplyItem(ctx, conn, missing, t0); !syncerr.Is(err, syncerr.ApplicationFailure) {
		t.Fatalf("delete missing: got %v", err)
	}

	changed, err := EntitiesChangedSince(ctx, conn, cursor.At(t0, 0), 0)
	if err != nil || len(changed) != 1 {
		t.Fatalf("EntitiesChangedSince: got %d, %v", len(changed), err)
	}
	tracked, err := EntityIsTracked(ctx, conn, "patient", "p1")
	if err != nil || tracked {
		t.Fatalf("EntityIsTracked: got %v, %v", tracked, err)
	}

	snap, err := Snapshot(ctx, conn)
	if err != nil || snap["patient/p1"] != `{"v":2}` {
		t.Fatalf("Snapshot: got %v, %v", snap, err)
	}
}

func TestHistoryPrune(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		e := &models.HistoryEntry{
			PeerID:    "child-1",
			Direction: models.DirectionPush,
			State:     models.TransmissionOK,
			Sent:      i,
			StartedAt: t0,
		}
		if err := RecordHistory(ctx, db.Conn(), e); err != nil {
			t.Fatalf("RecordHistory failed: %v", err)
		}
	}
	if err := PruneHistory(ctx, db.Conn(), 3); err != nil {
		t.Fatalf("PruneHistory failed: %v", err)
	}
	entries, err := ListHistory(ctx, db.Conn(), "child-1", 10)
	if err != nil {
		t.Fatalf("ListHistory failed: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("entries: got %d, want 3", len(entries))
	}
	if entries[0].Sent != 4 {
		t.Errorf("newest first: got sent=%d", entries[0].Sent)
	}
}
