package txn_test

import (
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/meetnow/fishtrap-db/internal/store"
	"github.com/meetnow/fishtrap-db/internal/txn"
	"github.com/meetnow/fishtrap-db/pkg/fs"
	"github.com/meetnow/fishtrap-db/pkg/patch"
)

type doc struct {
	Something int      `msgpack:"something"`
	Other     []string `msgpack:"other"`
}

func TestEngine_MutateAppendsAndAdopts(t *testing.T) {
	fsys := fs.NewReal()
	dir := t.TempDir()
	shardPath := filepath.Join(dir, "shard")

	appUUID := uuid.New()
	shardUUID := uuid.New()

	e := txn.New[doc](fsys, shardPath, appUUID, shardUUID, 0, 0, doc{}, 0,
		patch.ReplaceDiffer[doc], patch.ReplaceApplier[doc])

	got, err := e.Mutate(func(d doc) doc {
		d.Something = 2
		return d
	})
	require.NoError(t, err)
	require.Equal(t, 2, got.Something)
	require.Equal(t, uint32(1), e.Sequence())
	require.Positive(t, e.ShardSize())

	// No-op mutation: patch is empty, sequence must not advance.
	_, err = e.Mutate(func(d doc) doc { return d })
	require.NoError(t, err)
	require.Equal(t, uint32(1), e.Sequence())
}

func TestEngine_MutateThenReadShardRoundTrips(t *testing.T) {
	fsys := fs.NewReal()
	dir := t.TempDir()
	shardPath := filepath.Join(dir, "shard")

	appUUID := uuid.New()
	shardUUID := uuid.New()

	e := txn.New[doc](fsys, shardPath, appUUID, shardUUID, 0, 0, doc{}, 0,
		patch.ReplaceDiffer[doc], patch.ReplaceApplier[doc])

	_, err := e.Mutate(func(d doc) doc { d.Something = 1; return d })
	require.NoError(t, err)
	_, err = e.Mutate(func(d doc) doc { d.Other = append(d.Other, "x"); return d })
	require.NoError(t, err)

	result, err := store.ReadShard(fsys, shardPath, appUUID, shardUUID, 0, true)
	require.NoError(t, err)
	require.Len(t, result.Transactions, 2)

	replayed, err := txn.Replay[doc](doc{}, patch.ReplaceApplier[doc], result.Transactions)
	require.NoError(t, err)
	require.Equal(t, e.Data(), replayed.Data)
	require.Equal(t, e.Sequence(), replayed.FinalSequence)
}
