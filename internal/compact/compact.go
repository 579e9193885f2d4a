// Package compact implements the compaction coordinator (component F):
// acquiring the generation lock, merging every shard at generation G into
// a new snapshot at G+1, and garbage-collecting files the new snapshot
// makes obsolete.
package compact

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/meetnow/fishtrap-db/internal/dirscan"
	"github.com/meetnow/fishtrap-db/internal/store"
	"github.com/meetnow/fishtrap-db/internal/txn"
	"github.com/meetnow/fishtrap-db/pkg/fs"
)

// discardLogger is the default when Run is called with a nil logger.
var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// Sentinel errors mirroring the kinds in spec.md §7. Run returns them
// (wrapped) and leaves logging to its caller; none of these represent
// data loss.
var (
	ErrAlreadyLocked            = errors.New("compact: generation already locked")
	ErrCouldNotLock             = errors.New("compact: lost the lock race")
	ErrNoShards                 = errors.New("compact: no readable shards at base generation")
	ErrCouldNotWriteLockfile    = errors.New("compact: could not write lockfile")
	ErrFailedToWriteSnapshot    = errors.New("compact: failed to write snapshot")
	ErrLastSnapshotLostOrLocked = errors.New("compact: base snapshot missing or locked")
	ErrLastSnapshotDamaged      = errors.New("compact: base snapshot damaged")
)

// Result is a successful compaction's outcome. The caller (the scheduler,
// which owns the post-compaction hook and the decision to immediately
// rebase per spec.md §4.F step 13) receives both the merged value and the
// base it was merged from.
type Result[T any] struct {
	Generation uint32
	Merged     T
	Base       T
	Ancestors  map[uuid.UUID]uint32
}

// Run executes one compaction attempt against dir: precheck, merge, and
// lockfile cleanup, per spec.md §4.F steps 1-12. initial is the
// user-supplied starting value, used only when compacting to generation 1
// (there is no generation-0 snapshot file on disk). Step 13 (conditional
// self-rebase) and the post-compaction hook are left to the caller. A nil
// logger discards everything.
func Run[T any](
	fsys fs.FS, dir string, appUUID, shardUUID uuid.UUID, now time.Time,
	decodeLock dirscan.LockDecoder, initial T, applier txn.Applier[T], merger txn.Merger[T],
	logger *slog.Logger,
) (Result[T], error) {
	if logger == nil {
		logger = discardLogger
	}

	scan, err := dirscan.Scan(fsys, dir, appUUID, shardUUID, false, now, decodeLock)
	if err != nil {
		return Result[T]{}, fmt.Errorf("compact: precheck scan: %w", err)
	}

	if scan.NextGenerationLockedBy != nil {
		return Result[T]{}, ErrAlreadyLocked
	}

	nextGen := scan.NextGeneration

	if nextGen > 1 {
		base := findSnapshot(scan, nextGen-1)
		if base == nil || base.LockedBy != nil {
			return Result[T]{}, ErrAlreadyLocked
		}
	}

	lockName := dirscan.FormatName(shardUUID, nextGen, dirscan.TypeLock)
	lockPath := filepath.Join(dir, lockName)

	if err := store.WriteLock(fsys, lockPath, appUUID, shardUUID, nextGen); err != nil {
		return Result[T]{}, fmt.Errorf("%w: %v", ErrCouldNotWriteLockfile, err)
	}

	result, err := merge(fsys, dir, appUUID, shardUUID, nextGen, now, decodeLock, initial, applier, merger, logger)
	if err != nil {
		_ = fsys.Remove(lockPath)
		return Result[T]{}, err
	}

	// Best-effort: a lingering lockfile is reclaimed by the stale-lock check
	// in two hours, and our snapshot is already durable.
	_ = fsys.Remove(lockPath)

	return result, nil
}

func merge[T any](
	fsys fs.FS, dir string, appUUID, shardUUID uuid.UUID, nextGen uint32, now time.Time,
	decodeLock dirscan.LockDecoder, initial T, applier txn.Applier[T], merger txn.Merger[T],
	logger *slog.Logger,
) (Result[T], error) {
	rescan, err := dirscan.Scan(fsys, dir, appUUID, shardUUID, false, now, decodeLock)
	if err != nil {
		return Result[T]{}, fmt.Errorf("compact: rescan: %w", err)
	}

	if owner := rescan.NextGenerationLockedBy; owner == nil || *owner != shardUUID {
		return Result[T]{}, ErrCouldNotLock
	}

	baseData, err := loadBase(fsys, dir, appUUID, rescan, nextGen, initial)
	if err != nil {
		return Result[T]{}, err
	}

	shards := shardsAtGeneration(rescan, nextGen-1)
	if len(shards) == 0 {
		return Result[T]{}, ErrNoShards
	}

	var (
		merged    T
		first     = true
		ancestors = make(map[uuid.UUID]uint32, len(shards))
	)

	for _, shard := range shards {
		path := filepath.Join(dir, shard.Name)

		shardResult, err := store.ReadShard(fsys, path, appUUID, shard.UUID, nextGen-1, false)
		if err != nil {
			// A peer shard we cannot read is skipped, not fatal (§4.F step 8).
			logger.Warn("compact: skipping unreadable shard", "shard", shard.Name, "error", err)
			continue
		}

		view, err := txn.Replay[T](baseData, applier, shardResult.Transactions)
		if err != nil {
			logger.Warn("compact: skipping shard with unreplayable transactions", "shard", shard.Name, "error", err)
			continue
		}

		if first {
			merged = view.Data
			first = false
		} else {
			merged = merger(merged, view.Data, baseData)
		}

		ancestors[shard.UUID] = view.FinalSequence
	}

	if first {
		return Result[T]{}, ErrNoShards
	}

	rawData, err := msgpack.Marshal(merged)
	if err != nil {
		return Result[T]{}, fmt.Errorf("%w: encode merged value: %v", ErrFailedToWriteSnapshot, err)
	}

	snapPath := filepath.Join(dir, dirscan.FormatName(appUUID, nextGen, dirscan.TypeSnapshot))
	snapRec := store.SnapshotRecord{
		AppUUID:    appUUID,
		Generation: nextGen,
		Data:       rawData,
		Ancestors:  ancestors,
	}

	if err := store.WriteSnapshot(fsys, snapPath, snapRec); err != nil {
		return Result[T]{}, fmt.Errorf("%w: %v", ErrFailedToWriteSnapshot, err)
	}

	return Result[T]{Generation: nextGen, Merged: merged, Base: baseData, Ancestors: ancestors}, nil
}

// loadBase loads the snapshot at nextGen-1, or returns initial verbatim
// when compacting to generation 1 (there is no file for generation 0).
func loadBase[T any](fsys fs.FS, dir string, appUUID uuid.UUID, scan dirscan.Result, nextGen uint32, initial T) (T, error) {
	if nextGen == 1 {
		return initial, nil
	}

	desc := findSnapshot(scan, nextGen-1)
	if desc == nil || desc.LockedBy != nil {
		var zero T
		return zero, ErrLastSnapshotLostOrLocked
	}

	path := filepath.Join(dir, desc.Name)

	rec, err := store.ReadSnapshot(fsys, path, appUUID, nextGen-1)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("%w: %v", ErrLastSnapshotDamaged, err)
	}

	var data T
	if err := msgpack.Unmarshal(rec.Data, &data); err != nil {
		var zero T
		return zero, fmt.Errorf("%w: decode: %v", ErrLastSnapshotDamaged, err)
	}

	return data, nil
}

func findSnapshot(scan dirscan.Result, generation uint32) *dirscan.Descriptor {
	for i := range scan.Snapshots {
		if scan.Snapshots[i].Generation == generation {
			return &scan.Snapshots[i]
		}
	}

	return nil
}

func shardsAtGeneration(scan dirscan.Result, generation uint32) []dirscan.Descriptor {
	var out []dirscan.Descriptor

	for _, s := range scan.Shards {
		if s.Size > 0 && s.Generation == generation {
			out = append(out, s)
		}
	}

	return out
}

// GC deletes snapshot files strictly below currentGeneration that are
// unlocked and no longer referenced by any live shard, per spec.md §4.F's
// garbage collection rule.
func GC(fsys fs.FS, dir string, appUUID, shardUUID uuid.UUID, currentGeneration uint32, now time.Time, decodeLock dirscan.LockDecoder) error {
	scan, err := dirscan.Scan(fsys, dir, appUUID, shardUUID, false, now, decodeLock)
	if err != nil {
		return fmt.Errorf("compact: gc scan: %w", err)
	}

	referenced := make(map[uint32]bool, len(scan.Shards))
	for _, s := range scan.Shards {
		referenced[s.Generation] = true
	}

	for _, snap := range scan.Snapshots {
		if snap.Generation >= currentGeneration {
			continue
		}

		if snap.LockedBy != nil {
			continue
		}

		if referenced[snap.Generation] {
			continue
		}

		path := filepath.Join(dir, snap.Name)
		_ = fsys.Remove(path) // best-effort (§5)
	}

	return nil
}
