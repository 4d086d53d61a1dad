package sync

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcus/medsync/internal/cursor"
	"github.com/marcus/medsync/internal/db"
	"github.com/marcus/medsync/internal/models"
	"github.com/marcus/medsync/internal/syncerr"
)

func TestResetCommittedRecordFails(t *testing.T) {
	ctx := context.Background()
	p := newPair(t, testSyncConfig())
	rec := put(t, p.child, "patient", "p1", `{}`)
	_, err := p.child.Exchange(ctx, "parent")
	require.NoError(t, err)

	_, err = p.child.ResetRecord(ctx, rec.ID)
	assert.True(t, syncerr.Is(err, syncerr.ConstraintViolation), "got %v", err)
	_, err = p.child.RemoveRecord(ctx, rec.ID)
	assert.True(t, syncerr.Is(err, syncerr.ConstraintViolation), "got %v", err)

	_, err = p.child.ResetRecord(ctx, "no-such-record")
	assert.True(t, syncerr.Is(err, syncerr.NotFound), "got %v", err)
}

func TestRemoveRecordStopsDelivery(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	e := newTestEngine(t, "site", testSyncConfig(), clock)
	registerPeer(t, e, "child-1", "c1", models.RoleChild)
	registerPeer(t, e, "child-2", "c2", models.RoleChild)

	rec := put(t, e, "patient", "p1", `{}`)
	removed, err := e.RemoveRecord(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateNotSupposedToSync, removed.State)
	for _, sr := range removed.ServerRecords {
		assert.Equal(t, models.StateNotSupposedToSync, sr.State, "peer %s", sr.PeerID)
	}

	for _, peer := range []string{"c1", "c2"} {
		batch, err := e.Journal.Pending(ctx, peer, cursor.Start(), nil, 0)
		require.NoError(t, err)
		assert.True(t, batch.Empty(), "removed record still pending for %s", peer)
	}

	// Removed records can be reset back into delivery.
	reset, err := e.ResetRecord(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateNew, reset.State)
	batch, err := e.Journal.Pending(ctx, "c1", cursor.Start(), nil, 0)
	require.NoError(t, err)
	assert.Len(t, batch.Records, 1)
}

func TestResetRewindsOnlyPassedCursors(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	e := newTestEngine(t, "site", testSyncConfig(), clock)
	registerPeer(t, e, "child-1", "c1", models.RoleChild)

	rec := put(t, e, "patient", "p1", `{}`)
	_, err := e.RemoveRecord(ctx, rec.ID)
	require.NoError(t, err)

	clock.Advance(time.Minute)
	later := put(t, e, "patient", "p2", `{}`)
	require.NoError(t, e.db.WithTx(ctx, func(tx *sql.Tx) error {
		return db.SetPeerCursor(ctx, tx, "child-1", later.Position())
	}))

	_, err = e.ResetRecord(ctx, rec.ID)
	require.NoError(t, err)
	peer, err := e.GetPeer(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, peer.Cursor.Equal(cursor.At(rec.Timestamp, rec.Seq-1)), "cursor %s", peer.Cursor)

	batch, err := e.Journal.Pending(ctx, "c1", peer.Cursor, nil, 0)
	require.NoError(t, err)
	require.Len(t, batch.Records, 2)
	assert.Equal(t, rec.ID, batch.Records[0].ID)
}

func TestStatsAndHistory(t *testing.T) {
	ctx := context.Background()
	p := newPair(t, testSyncConfig())
	put(t, p.child, "patient", "p1", `{}`)
	put(t, p.child, "patient", "p2", `{}`)

	st, err := p.child.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Records[models.StateNew])
	require.Len(t, st.Peers, 1)
	assert.Equal(t, 2, st.Peers[0].InFlight)

	_, err = p.child.Exchange(ctx, "parent")
	require.NoError(t, err)

	st, err = p.child.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Records[models.StateCommitted])
	assert.Equal(t, 0, st.Peers[0].InFlight)
	assert.Equal(t, p.child.Self().ID, st.Server.ID)

	hist, err := p.child.History(ctx, "parent", 10)
	require.NoError(t, err)
	require.NotEmpty(t, hist)
	assert.Equal(t, models.DirectionPush, hist[0].Direction)
	assert.Equal(t, models.TransmissionOK, hist[0].State)
	assert.Equal(t, 2, hist[0].Committed)

	parentHist, err := p.parent.History(ctx, "", 10)
	require.NoError(t, err)
	require.NotEmpty(t, parentHist)
	assert.Equal(t, 2, parentHist[0].Received)

	_, err = p.child.History(ctx, "nobody", 10)
	assert.True(t, syncerr.IsUnknownPeer(err))
}

func TestListRecordsByPeer(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	e := newTestEngine(t, "site", testSyncConfig(), clock)
	registerPeer(t, e, "child-1", "c1", models.RoleChild)
	for i := 0; i < 5; i++ {
		clock.Advance(time.Second)
		put(t, e, "patient", string(rune('a'+i)), `{}`)
	}

	page, err := e.ListRecords(ctx, db.RecordQuery{PeerID: "c1", Limit: 2})
	require.NoError(t, err)
	require.Len(t, page.Records, 2)
	assert.True(t, page.HasNext)
	assert.False(t, page.HasPrev)

	next, err := e.ListRecords(ctx, db.RecordQuery{PeerID: "c1", AfterSeq: page.Records[1].Seq, Limit: 2})
	require.NoError(t, err)
	require.Len(t, next.Records, 2)
	assert.True(t, next.HasPrev)

	_, err = e.ListRecords(ctx, db.RecordQuery{PeerID: "nobody"})
	assert.True(t, syncerr.IsUnknownPeer(err))
}

func TestEntityOperations(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, "site", testSyncConfig(), newTestClock())

	created := put(t, e, "patient", "p1", `{"v":1}`)
	assert.Equal(t, models.ActionCreate, created.Items[0].Action)
	updated := put(t, e, "patient", "p1", `{"v":2}`)
	assert.Equal(t, models.ActionUpdate, updated.Items[0].Action)

	ent, err := e.GetEntity(ctx, "patient", "p1")
	require.NoError(t, err)
	assert.Equal(t, `{"v":2}`, ent.Payload)

	_, err = e.PutEntity(ctx, "patient", "p2", `not json`)
	assert.True(t, syncerr.Is(err, syncerr.ApplicationFailure), "got %v", err)

	deleted, err := e.DeleteEntity(ctx, "patient", "p1")
	require.NoError(t, err)
	assert.Equal(t, models.ActionDelete, deleted.Items[0].Action)
	_, err = e.GetEntity(ctx, "patient", "p1")
	assert.True(t, syncerr.Is(err, syncerr.NotFound))
}
