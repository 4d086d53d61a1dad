package syncharness

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcus/medsync/internal/db"
	"github.com/marcus/medsync/internal/models"
	"github.com/marcus/medsync/internal/syncerr"
)

func TestChildChangesReachParent(t *testing.T) {
	h := New(t, "hq")
	h.AddChild("clinic", "hq")

	rec := h.Put("clinic", "patient", "p-1", `{"name":"Ada"}`)
	res := h.MustSync("clinic")

	assert.Equal(t, models.TransmissionOK, res.State)
	assert.Equal(t, 1, res.Sent)
	h.AssertConverged("hq", "clinic")
	assert.Equal(t, models.StateCommitted, h.ServerRecord("clinic", rec, "hq").State)
}

func TestParentChangesReachChildInReply(t *testing.T) {
	h := New(t, "hq")
	h.AddChild("clinic", "hq")

	down := h.Put("hq", "vaccine", "mmr", `{"code":"MMR"}`)
	up := h.Put("clinic", "patient", "p-1", `{"name":"Ada"}`)

	res := h.MustSync("clinic")
	require.NotNil(t, res.Response)
	require.NotNil(t, res.Response.Applied, "parent embedded nothing")
	assert.Equal(t, 1, res.Response.Applied.Committed)

	h.AssertConverged("hq", "clinic")
	assert.Equal(t, models.StateCommitted, h.ServerRecord("clinic", up, "hq").State)
	assert.Equal(t, models.StateCommitted, h.ServerRecord("hq", down, "clinic").State)

	// Nothing left in either direction.
	res = h.MustSync("clinic")
	assert.Equal(t, models.TransmissionNothingToDo, res.State)
	assert.Nil(t, res.Response.Applied)
}

func TestUpdatesAndDeletesPropagate(t *testing.T) {
	h := New(t, "hq")
	h.AddChild("clinic", "hq")

	h.Put("clinic", "patient", "p-1", `{"name":"Ada"}`)
	h.Put("clinic", "patient", "p-2", `{"name":"Bo"}`)
	h.MustSync("clinic")

	h.Put("clinic", "patient", "p-1", `{"name":"Ada Lovelace"}`)
	h.Delete("clinic", "patient", "p-2")
	res := h.MustSync("clinic")
	assert.Equal(t, 2, res.Sent)

	h.AssertConverged("hq", "clinic")
	snap := h.Snapshot("hq")
	assert.Equal(t, `{"name":"Ada Lovelace"}`, snap["patient/p-1"])
	_, err := h.Sites["hq"].Engine.GetEntity(context.Background(), "patient", "p-2")
	assert.True(t, syncerr.Is(err, syncerr.NotFound), "deleted entity still readable: %v", err)
}

func TestOfflineParentThenRecover(t *testing.T) {
	h := New(t, "hq")
	h.AddChild("clinic", "hq")
	rec := h.Put("clinic", "patient", "p-1", `{}`)

	h.SetOffline("hq", true)
	res, err := h.Sync("clinic")
	require.Error(t, err)
	assert.True(t, syncerr.Is(err, syncerr.TransportFailure), "got %v", err)
	assert.Equal(t, models.TransmissionFailed, res.State)
	sr := h.ServerRecord("clinic", rec, "hq")
	assert.Equal(t, models.StateSendFailed, sr.State)
	assert.Equal(t, 1, sr.RetryCount)
	assert.Empty(t, h.Snapshot("hq"))

	h.SetOffline("hq", false)
	res = h.MustSync("clinic")
	assert.Equal(t, models.TransmissionOK, res.State)
	assert.Equal(t, models.StateCommitted, h.ServerRecord("clinic", rec, "hq").State)
	h.AssertConverged("hq", "clinic")
}

func TestRetryBudgetStopsDelivery(t *testing.T) {
	h := New(t, "hq", WithMaxRetry(2))
	h.AddChild("clinic", "hq")
	rec := h.Put("clinic", "patient", "p-1", `{}`)

	h.SetOffline("hq", true)
	for i := 0; i < 3; i++ {
		_, err := h.Sync("clinic")
		require.Error(t, err)
	}
	assert.Equal(t, models.StateFailedAndStopped, h.ServerRecord("clinic", rec, "hq").State)

	// A stopped record is not retried until the operator resets it.
	h.SetOffline("hq", false)
	res := h.MustSync("clinic")
	assert.Equal(t, 0, res.Sent)
	assert.Empty(t, h.Snapshot("hq"))

	_, err := h.Sites["clinic"].Engine.ResetRecord(context.Background(), rec.ID)
	require.NoError(t, err)
	res = h.MustSync("clinic")
	assert.Equal(t, 1, res.Sent)
	h.AssertConverged("hq", "clinic")
}

func TestConcurrentExchangeCannotRunParallel(t *testing.T) {
	h := New(t, "hq")
	h.AddChild("clinic", "hq")
	h.Put("clinic", "patient", "p-1", `{}`)

	arrived, release := h.Hold("hq")
	var wg sync.WaitGroup
	var firstErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, firstErr = h.Sync("clinic")
	}()

	select {
	case <-arrived:
	case <-time.After(5 * time.Second):
		release()
		t.Fatal("first exchange never reached hq")
	}
	res, err := h.Sync("clinic")
	assert.True(t, syncerr.IsCannotRunParallel(err), "got %v", err)
	assert.Nil(t, res)

	release()
	wg.Wait()
	require.NoError(t, firstErr)
	h.AssertConverged("hq", "clinic")
}

func TestReceivePolicyRejects(t *testing.T) {
	h := New(t, "hq")
	h.AddChild("clinic", "hq")
	ctx := context.Background()
	require.NoError(t, h.Sites["hq"].Engine.SetClassPolicy(ctx, "clinic", "billing", true, false))

	bill := h.Put("clinic", "billing", "b-1", `{"amount":10}`)
	pat := h.Put("clinic", "patient", "p-1", `{}`)
	res := h.MustSync("clinic")
	require.NotNil(t, res.Response)
	assert.Equal(t, 1, res.Response.Rejected)

	assert.Equal(t, models.StateRejected, h.ServerRecord("clinic", bill, "hq").State)
	assert.Equal(t, models.StateCommitted, h.ServerRecord("clinic", pat, "hq").State)
	snap := h.Snapshot("hq")
	assert.NotContains(t, snap, "billing/b-1")
	assert.Contains(t, snap, "patient/p-1")

	// Rejected is settled: nothing is resent.
	res = h.MustSync("clinic")
	assert.Equal(t, 0, res.Sent)
}

func TestFileChannelMatchesHTTP(t *testing.T) {
	byHTTP := New(t, "hq")
	byHTTP.AddChild("clinic", "hq")
	byFile := New(t, "hq")
	byFile.AddChild("clinic", "hq")

	for _, h := range []*Harness{byHTTP, byFile} {
		h.Put("hq", "vaccine", "mmr", `{"code":"MMR"}`)
		h.Put("clinic", "patient", "p-1", `{"name":"Ada"}`)
		h.Put("clinic", "visit", "v-1", `{"patient":"p-1"}`)
	}

	byHTTP.MustSync("clinic")
	round := byFile.SyncFile("clinic")

	assert.Equal(t, 2, round.Export.Records)
	assert.Equal(t, 2, round.Import.Result.Committed)
	assert.Equal(t, 1, round.Import.Embedded)
	assert.Equal(t, 2, round.Response.Committed)
	require.NotNil(t, round.Confirm, "embedded record not confirmed")
	assert.Equal(t, 1, round.Confirm.Committed)

	byFile.AssertConverged("hq", "clinic")
	assert.Equal(t, byHTTP.Snapshot("hq"), byFile.Snapshot("hq"))
	assert.Equal(t, byHTTP.Snapshot("clinic"), byFile.Snapshot("clinic"))

	// Same end state on both channels.
	for _, site := range []string{"hq", "clinic"} {
		a, err := byHTTP.Sites[site].Engine.Stats(context.Background())
		require.NoError(t, err)
		b, err := byFile.Sites[site].Engine.Stats(context.Background())
		require.NoError(t, err)
		assert.Equal(t, a.Records, b.Records, "%s record states", site)
	}
}

func TestRedeliveredFileIsAlreadyCommitted(t *testing.T) {
	h := New(t, "hq")
	h.AddChild("clinic", "hq")
	h.Put("clinic", "patient", "p-1", `{}`)
	ctx := context.Background()

	exp, err := h.Sites["clinic"].Engine.Export(ctx, "hq")
	require.NoError(t, err)
	first, err := h.Sites["hq"].Engine.Import(ctx, exp.Payload)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Result.Committed)
	before := h.Snapshot("hq")

	again, err := h.Sites["hq"].Engine.Import(ctx, exp.Payload)
	require.NoError(t, err)
	assert.Equal(t, 0, again.Result.Committed)
	assert.Equal(t, 1, again.Result.AlreadyCommitted)
	assert.Equal(t, before, h.Snapshot("hq"))
}

func TestSiblingsConvergeThroughRelay(t *testing.T) {
	h := New(t, "hq", WithRelay())
	h.AddChild("north", "hq")
	h.AddChild("south", "hq")

	h.Put("north", "patient", "p-n", `{"site":"north"}`)
	h.Put("south", "patient", "p-s", `{"site":"south"}`)

	h.MustSync("north")
	h.MustSync("south") // south gets north's record in the reply
	h.MustSync("north") // and north gets south's

	h.AssertConverged("hq", "north", "south")

	// The relayed records are not echoed back to their origin.
	res := h.MustSync("north")
	assert.Equal(t, models.TransmissionNothingToDo, res.State)
	assert.Nil(t, res.Response.Applied)
}

func TestThreeLevelTree(t *testing.T) {
	h := New(t, "national", WithRelay())
	h.AddChild("region", "national")
	h.AddChild("clinic", "region")

	rec := h.Put("clinic", "patient", "p-1", `{"name":"Ada"}`)
	h.Put("national", "vaccine", "mmr", `{"code":"MMR"}`)

	h.MustSync("clinic") // clinic -> region
	h.MustSync("region") // region -> national, national -> region
	h.MustSync("clinic") // region -> clinic

	h.AssertConverged("national", "region", "clinic")

	// The relayed record keeps the clinic's idempotency key all the way up.
	page, err := h.Sites["region"].Engine.ListRecords(context.Background(), db.RecordQuery{})
	require.NoError(t, err)
	keys := map[string]bool{}
	for _, r := range page.Records {
		keys[r.Key()] = true
	}
	assert.True(t, keys[rec.Key()], "region lost the original id")
}

func TestDeletePeerGuardOverHTTPTopology(t *testing.T) {
	h := New(t, "hq")
	h.AddChild("clinic", "hq")
	h.Put("hq", "vaccine", "mmr", `{}`)
	ctx := context.Background()
	hq := h.Sites["hq"].Engine

	err := hq.DeletePeer(ctx, "clinic", false)
	assert.True(t, syncerr.Is(err, syncerr.ConstraintViolation), "got %v", err)

	h.MustSync("clinic")
	require.NoError(t, hq.DeletePeer(ctx, "clinic", false))

	// The clinic is now unknown to hq.
	h.Put("clinic", "patient", "p-1", `{}`)
	_, err = h.Sync("clinic")
	assert.True(t, syncerr.IsUnknownPeer(err), "got %v", err)
}
