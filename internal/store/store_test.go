package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/meetnow/fishtrap-db/pkg/fs"
)

func TestSnapshotRoundTrip(t *testing.T) {
	fsys := fs.NewReal()
	dir := t.TempDir()
	path := filepath.Join(dir, "snap")

	appUUID := uuid.New()

	rec := SnapshotRecord{
		AppUUID:    appUUID,
		Generation: 3,
		Data:       []byte{0x81, 0xa9, 's', 'o', 'm', 'e', 't', 'h', 'i', 'n', 'g', 0x02}, // msgpack {"something": 2}
		Ancestors:  map[uuid.UUID]uint32{uuid.New(): 7},
	}

	require.NoError(t, WriteSnapshot(fsys, path, rec))

	got, err := ReadSnapshot(fsys, path, appUUID, 3)
	require.NoError(t, err)
	require.Equal(t, rec.AppUUID, got.AppUUID)
	require.Equal(t, rec.Generation, got.Generation)
	require.Equal(t, rec.Ancestors, got.Ancestors)
}

func TestReadSnapshot_WrongGenerationFails(t *testing.T) {
	fsys := fs.NewReal()
	dir := t.TempDir()
	path := filepath.Join(dir, "snap")

	appUUID := uuid.New()

	rec := SnapshotRecord{AppUUID: appUUID, Generation: 1, Data: []byte("1"), Ancestors: nil}
	require.NoError(t, WriteSnapshot(fsys, path, rec))

	_, err := ReadSnapshot(fsys, path, appUUID, 2)
	require.ErrorIs(t, err, ErrInvalidData)
}

func TestShardAppendAndRead(t *testing.T) {
	fsys := fs.NewReal()
	dir := t.TempDir()
	path := filepath.Join(dir, "shard")

	appUUID := uuid.New()
	shardUUID := uuid.New()

	for seq := uint32(1); seq <= 3; seq++ {
		require.NoError(t, AppendTxn(fsys, path, appUUID, shardUUID, 0, seq, map[string]any{"n": seq}))
	}

	result, err := ReadShard(fsys, path, appUUID, shardUUID, 0, true)
	require.NoError(t, err)
	require.False(t, result.Truncated)
	require.Len(t, result.Transactions, 3)

	for i, txn := range result.Transactions {
		require.Equal(t, uint32(i+1), txn.Sequence)
	}
}

func TestShardRead_TruncatedPayloadRepairsOwnShard(t *testing.T) {
	fsys := fs.NewReal()
	dir := t.TempDir()
	path := filepath.Join(dir, "shard")

	appUUID := uuid.New()
	shardUUID := uuid.New()

	require.NoError(t, AppendTxn(fsys, path, appUUID, shardUUID, 0, 1, map[string]any{"a": 1}))
	require.NoError(t, AppendTxn(fsys, path, appUUID, shardUUID, 0, 2, map[string]any{"b": 2}))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	// Truncate the last byte of the final transaction's payload.
	truncated := raw[:len(raw)-1]
	require.NoError(t, os.WriteFile(path, truncated, 0o600))

	result, err := ReadShard(fsys, path, appUUID, shardUUID, 0, true)
	require.NoError(t, err)
	require.True(t, result.Truncated)
	require.Len(t, result.Transactions, 1)
	require.Equal(t, uint32(1), result.Transactions[0].Sequence)

	// The shard file itself should now contain only the good prefix.
	repaired, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Less(t, len(repaired), len(raw))
}

func TestShardRead_PeerShardStopsWithoutModifying(t *testing.T) {
	fsys := fs.NewReal()
	dir := t.TempDir()
	path := filepath.Join(dir, "shard")

	appUUID := uuid.New()
	shardUUID := uuid.New()

	require.NoError(t, AppendTxn(fsys, path, appUUID, shardUUID, 0, 1, map[string]any{"a": 1}))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	truncated := raw[:len(raw)-1]
	require.NoError(t, os.WriteFile(path, truncated, 0o600))

	result, err := ReadShard(fsys, path, appUUID, shardUUID, 0, false)
	require.NoError(t, err)
	require.True(t, result.Truncated)
	require.Empty(t, result.Transactions)

	untouched, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, truncated, untouched)
}

func TestLockRoundTrip(t *testing.T) {
	fsys := fs.NewReal()
	dir := t.TempDir()
	path := filepath.Join(dir, "lock")

	appUUID := uuid.New()
	shardUUID := uuid.New()

	require.NoError(t, WriteLock(fsys, path, appUUID, shardUUID, 5))

	aid, sid, gen, err := DecodeLockTags(readBlockPayload(t, fsys, path))
	require.NoError(t, err)
	require.Equal(t, appUUID, aid)
	require.Equal(t, shardUUID, sid)
	require.Equal(t, uint32(5), gen)

	require.NoError(t, DeleteLock(fsys, path))
	_, statErr := fsys.Stat(path)
	require.Error(t, statErr)
}

func readBlockPayload(t *testing.T, fsys fs.FS, path string) []byte {
	t.Helper()

	buf, err := fsys.ReadFile(path)
	require.NoError(t, err)

	return buf[24:]
}
