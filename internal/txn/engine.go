// Package txn implements the transaction engine (component E): sequencing
// local mutations, computing patch deltas against the current immutable
// value, and serialising them into the owning shard.
package txn

import (
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/meetnow/fishtrap-db/internal/store"
	"github.com/meetnow/fishtrap-db/pkg/fs"
)

// ErrSequenceExhausted reports that the 32-bit sequence space for this
// (process, generation) pair has been used up. Per spec.md §9 this is
// undefined/terminal: a real deployment should compact long before
// approaching four billion transactions in one generation.
var ErrSequenceExhausted = errors.New("txn: sequence number space exhausted")

// Differ computes the structural delta that turns pre into post. It
// reports empty=true when there is no observable change, in which case
// the engine records nothing.
type Differ[T any] func(pre, post T) (patch any, empty bool)

// Applier applies a previously-computed patch to pre, producing the
// post-image. It must be the left inverse of a matching Differ: applying
// the patch Differ(pre, post) produced to pre must reproduce post exactly.
type Applier[T any] func(pre T, patch msgpack.RawMessage) (post T, err error)

// Merger resolves a three-way merge: given the caller's working value
// target, a peer's value other, and their common ancestor base, it
// produces the reconciled value. The compaction coordinator calls it
// directly to fold one shard's view into another; the rebase engine calls
// it through Engine.Mutate so the resulting delta is also recorded as a
// local transaction, per spec.md §4.G.
type Merger[T any] func(target, other, base T) T

// Engine holds one process's local mutable view of a database at a given
// generation: the current sequence number, the current immutable value,
// and the shard's on-disk size (used by the caller to decide when to
// schedule a compaction).
type Engine[T any] struct {
	fsys fs.FS

	shardPath  string
	appUUID    uuid.UUID
	shardUUID  uuid.UUID
	generation uint32

	sequence  uint32
	data      T
	shardSize int64

	differ  Differ[T]
	applier Applier[T]
}

// New constructs an Engine positioned at the given generation/sequence/data,
// as recovered by the open procedure or by a prior rebase.
func New[T any](
	fsys fs.FS, shardPath string, appUUID, shardUUID uuid.UUID, generation, sequence uint32,
	data T, shardSize int64, differ Differ[T], applier Applier[T],
) *Engine[T] {
	return &Engine[T]{
		fsys:       fsys,
		shardPath:  shardPath,
		appUUID:    appUUID,
		shardUUID:  shardUUID,
		generation: generation,
		sequence:   sequence,
		data:       data,
		shardSize:  shardSize,
		differ:     differ,
		applier:    applier,
	}
}

// Data returns the current immutable value. Callers must treat it as
// read-only; the engine never mutates it in place.
func (e *Engine[T]) Data() T { return e.data }

// Generation returns the generation this engine's shard currently targets.
func (e *Engine[T]) Generation() uint32 { return e.generation }

// Sequence returns the highest sequence number committed so far.
func (e *Engine[T]) Sequence() uint32 { return e.sequence }

// ShardSize returns the shard file's size in bytes after the last append.
func (e *Engine[T]) ShardSize() int64 { return e.shardSize }

// ShardPath returns the path of the shard this engine appends to.
func (e *Engine[T]) ShardPath() string { return e.shardPath }

// Mutate applies updater to the current value. If the resulting patch is
// non-empty, it is appended to the shard and adopted as current; the
// shard's sequence number and recorded size are updated. If updater
// produces no observable change, Mutate is a no-op and returns the
// unchanged value.
func (e *Engine[T]) Mutate(updater func(T) T) (T, error) {
	newData := updater(e.data)

	patch, empty := e.differ(e.data, newData)
	if empty {
		return e.data, nil
	}

	if e.sequence == math.MaxUint32 {
		return e.data, fmt.Errorf("txn: shard %s at generation %d: %w", e.shardUUID, e.generation, ErrSequenceExhausted)
	}

	nextSeq := e.sequence + 1

	if err := store.AppendTxn(e.fsys, e.shardPath, e.appUUID, e.shardUUID, e.generation, nextSeq, patch); err != nil {
		return e.data, fmt.Errorf("txn: append: %w", err)
	}

	info, err := e.fsys.Stat(e.shardPath)
	if err != nil {
		return e.data, fmt.Errorf("txn: stat shard after append: %w", err)
	}

	e.sequence = nextSeq
	e.data = newData
	e.shardSize = info.Size()

	return e.data, nil
}

// Reset repositions the engine at a new generation/sequence/data/size,
// used after a fast-path or slow-path rebase adopts a new snapshot and
// (for the slow path) a freshly created shard at the new generation.
func (e *Engine[T]) Reset(shardPath string, generation, sequence uint32, data T, shardSize int64) {
	e.shardPath = shardPath
	e.generation = generation
	e.sequence = sequence
	e.data = data
	e.shardSize = shardSize
}

// ReplayResult is the outcome of replaying a shard's transactions against
// a base value.
type ReplayResult[T any] struct {
	Data            T
	FinalSequence   uint32
	TransactionSeen bool
}

// Replay applies a shard's transactions, in sequence order, to base using
// applier. It is used by the compaction coordinator (to build each
// shard's contribution to a merge) and by the rebase engine (to rebuild a
// shard's own unmerged work against a new base).
func Replay[T any](base T, applier Applier[T], records []store.TxnRecord) (ReplayResult[T], error) {
	data := base

	var (
		finalSeq uint32
		seen     bool
	)

	for _, rec := range records {
		next, err := applier(data, rec.Patch)
		if err != nil {
			return ReplayResult[T]{}, fmt.Errorf("txn: apply seq %d: %w", rec.Sequence, err)
		}

		data = next
		finalSeq = rec.Sequence
		seen = true
	}

	return ReplayResult[T]{Data: data, FinalSequence: finalSeq, TransactionSeen: seen}, nil
}
