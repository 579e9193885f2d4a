package fishtrapdb_test

import (
	"path/filepath"
	"sort"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	fishtrapdb "github.com/meetnow/fishtrap-db"
	"github.com/meetnow/fishtrap-db/internal/compact"
	"github.com/meetnow/fishtrap-db/internal/dirscan"
	"github.com/meetnow/fishtrap-db/internal/store"
	"github.com/meetnow/fishtrap-db/pkg/fs"
	"github.com/meetnow/fishtrap-db/pkg/patch"
)

type docState struct {
	Something int      `msgpack:"something"`
	Other     []string `msgpack:"other"`
}

// appendMerger folds other's Other entries (anything target doesn't
// already have) into target, and takes other's Something whenever other
// differs from base - a simple "identity on disjoint changes" merger
// suitable for the scenarios in spec.md §8.
func appendMerger(target, other, base docState) docState {
	if other.Something != base.Something {
		target.Something = other.Something
	}

	have := make(map[string]bool, len(target.Other))
	for _, v := range target.Other {
		have[v] = true
	}

	for _, v := range other.Other {
		if !have[v] {
			target.Other = append(target.Other, v)
			have[v] = true
		}
	}

	sort.Strings(target.Other)

	return target
}

func newTestDB(t *testing.T, dir string, appUUID, shardUUID uuid.UUID) *fishtrapdb.Database[docState] {
	t.Helper()

	cfg := fishtrapdb.Config{
		AppUUID:       appUUID,
		ShardUUID:     shardUUID,
		BaseDirectory: dir,
	}

	db, err := fishtrapdb.Open[docState](
		fs.NewReal(), cfg, docState{}, patch.ReplaceDiffer[docState], patch.ReplaceApplier[docState],
		appendMerger, nil,
	)
	require.NoError(t, err)

	return db
}

func TestDatabase_S1_CreateUpdateReadReopen(t *testing.T) {
	dir := t.TempDir()
	appUUID, shardUUID := uuid.New(), uuid.New()

	db := newTestDB(t, dir, appUUID, shardUUID)

	_, err := db.Update(func(d docState) docState { d.Something = 2; return d })
	require.NoError(t, err)

	got, err := db.Get()
	require.NoError(t, err)
	require.Equal(t, 2, got.Something)

	require.NoError(t, db.Close())

	_, err = db.Get()
	require.ErrorIs(t, err, fishtrapdb.ErrClosed)

	require.NoError(t, db.Open())

	got, err = db.Get()
	require.NoError(t, err)
	require.Equal(t, 2, got.Something)
}

func TestDatabase_S2_SingleProcessCompaction(t *testing.T) {
	dir := t.TempDir()
	appUUID, shardUUID := uuid.New(), uuid.New()

	db := newTestDB(t, dir, appUUID, shardUUID)

	_, err := db.Update(func(d docState) docState { d.Something = 2; return d })
	require.NoError(t, err)

	require.NoError(t, db.ForceCompaction())

	got, err := db.Get()
	require.NoError(t, err)
	require.Equal(t, 2, got.Something)

	_, err = fs.NewReal().Stat(filepath.Join(dir, shardUUID.String()+".00000000.sdsh"))
	require.Error(t, err, "generation-0 shard should be gone after compaction")

	require.NoError(t, db.Close())
	require.NoError(t, db.Open())

	got, err = db.Get()
	require.NoError(t, err)
	require.Equal(t, 2, got.Something)
}

func TestDatabase_S3_TwoProcessMerge(t *testing.T) {
	dir := t.TempDir()
	appUUID := uuid.New()
	shard1, shard2 := uuid.New(), uuid.New()

	p1 := newTestDB(t, dir, appUUID, shard1)
	p2 := newTestDB(t, dir, appUUID, shard2)

	_, err := p1.Update(func(d docState) docState { d.Something = 2; return d })
	require.NoError(t, err)

	_, err = p2.Update(func(d docState) docState { d.Other = append(d.Other, "test1"); return d })
	require.NoError(t, err)

	require.NoError(t, p1.ForceCompaction())

	got, err := p1.Get()
	require.NoError(t, err)
	require.Equal(t, []string{"test1"}, got.Other)

	require.NoError(t, p2.ForceCheckRebase())

	got, err = p2.Get()
	require.NoError(t, err)
	require.Equal(t, 2, got.Something)
}

// TestDatabase_S4_StackedReconciliation exercises a shard that lags two
// compactions behind: rebase.Check must jump it straight from generation 0
// to generation 2 in one slow-path merge, rather than requiring it to pass
// through generation 1 first.
func TestDatabase_S4_StackedReconciliation(t *testing.T) {
	dir := t.TempDir()
	appUUID := uuid.New()
	shard1, shard2, shard3 := uuid.New(), uuid.New(), uuid.New()

	p1 := newTestDB(t, dir, appUUID, shard1)
	p2 := newTestDB(t, dir, appUUID, shard2)

	_, err := p1.Update(func(d docState) docState { d.Other = append(d.Other, "from-p1"); return d })
	require.NoError(t, err)
	_, err = p2.Update(func(d docState) docState { d.Other = append(d.Other, "from-p2"); return d })
	require.NoError(t, err)

	require.NoError(t, p1.ForceCompaction())

	// p3 arrives fresh after generation 1 exists, adds its own change, and
	// p1 compacts again - p2 never rebases in between, so it stays two
	// generations behind its own shard's current target.
	p3 := newTestDB(t, dir, appUUID, shard3)

	_, err = p3.Update(func(d docState) docState { d.Other = append(d.Other, "from-p3"); return d })
	require.NoError(t, err)

	require.NoError(t, p1.ForceCompaction())

	require.NoError(t, p2.ForceCheckRebase())

	got, err := p2.Get()
	require.NoError(t, err)
	require.Equal(t, []string{"from-p1", "from-p2", "from-p3"}, got.Other)
}

// TestDatabase_S5_LockContention simulates a peer having already won the
// race for the next generation's compaction lock: ForceCompaction must
// abort with ErrAlreadyLocked rather than attempting to write a competing
// snapshot.
func TestDatabase_S5_LockContention(t *testing.T) {
	dir := t.TempDir()
	appUUID, shardUUID := uuid.New(), uuid.New()

	db := newTestDB(t, dir, appUUID, shardUUID)

	_, err := db.Update(func(d docState) docState { d.Something = 1; return d })
	require.NoError(t, err)

	competitor := uuid.New()
	lockPath := filepath.Join(dir, dirscan.FormatName(competitor, 1, dirscan.TypeLock))
	require.NoError(t, store.WriteLock(fs.NewReal(), lockPath, appUUID, competitor, 1))

	err = db.ForceCompaction()
	require.ErrorIs(t, err, compact.ErrAlreadyLocked)

	got, err := db.Get()
	require.NoError(t, err)
	require.Equal(t, 1, got.Something)
}

// TestDatabase_S6_CorruptionRecovery ensures a damaged snapshot file does
// not prevent a fresh process from opening: it must be skipped in favor of
// an older usable generation (here, the implicit generation 0) rather than
// surfacing as an open-time error.
func TestDatabase_S6_CorruptionRecovery(t *testing.T) {
	dir := t.TempDir()
	appUUID, shard1 := uuid.New(), uuid.New()

	p1 := newTestDB(t, dir, appUUID, shard1)

	_, err := p1.Update(func(d docState) docState { d.Something = 7; return d })
	require.NoError(t, err)

	require.NoError(t, p1.ForceCompaction())
	require.NoError(t, p1.Close())

	snapPath := filepath.Join(dir, dirscan.FormatName(appUUID, 1, dirscan.TypeSnapshot))
	require.NoError(t, fs.NewReal().WriteFile(snapPath, []byte("not a valid block at all"), 0o644))

	shard2 := uuid.New()
	p2 := newTestDB(t, dir, appUUID, shard2)

	got, err := p2.Get()
	require.NoError(t, err)
	require.Equal(t, docState{}, got)
}
