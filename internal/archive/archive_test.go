package archive

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcus/medsync/internal/syncerr"
)

func openMem(t *testing.T) *Archive {
	t.Helper()
	a, err := Open(context.Background(), "mem://", "transmissions")
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func TestPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	a := openMem(t)

	payload := []byte(`<?xml version="1.0" encoding="UTF-8"?><transmission id="t1"/>`)
	key, err := a.Put(ctx, KindTransmission, "peer-1", "sync_a_to_b.xml", payload)
	require.NoError(t, err)
	assert.Equal(t, "transmissions/peer-1/transmission/sync_a_to_b.xml.zst", key)

	got, err := a.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestListFiltersByPeer(t *testing.T) {
	ctx := context.Background()
	a := openMem(t)

	_, err := a.Put(ctx, KindTransmission, "peer-1", "t1.xml", []byte("a"))
	require.NoError(t, err)
	_, err = a.Put(ctx, KindResponse, "peer-1", "r1.xml", []byte("b"))
	require.NoError(t, err)
	_, err = a.Put(ctx, KindTransmission, "peer-2", "t2.xml", []byte("c"))
	require.NoError(t, err)

	all, err := a.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	one, err := a.List(ctx, "peer-1")
	require.NoError(t, err)
	require.Len(t, one, 2)
	assert.Equal(t, "peer-1", one[0].PeerID)
	assert.Equal(t, KindResponse, one[0].Kind)
	assert.Equal(t, "r1.xml", one[0].Name)
}

func TestGetMissingIsNotFound(t *testing.T) {
	a := openMem(t)
	_, err := a.Get(context.Background(), "transmissions/nope.xml.zst")
	assert.True(t, syncerr.Is(err, syncerr.NotFound), "got %v", err)
}

func TestNilArchiveDiscards(t *testing.T) {
	var a *Archive
	key, err := a.Put(context.Background(), KindTransmission, "p", "n.xml", []byte("x"))
	require.NoError(t, err)
	assert.Empty(t, key)
	entries, err := a.List(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.NoError(t, a.Close())
}

func TestOpenEmptyURLDisables(t *testing.T) {
	a, err := Open(context.Background(), "", "x")
	require.NoError(t, err)
	assert.Nil(t, a)
}
