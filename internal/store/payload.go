// Package store implements the snapshot and shard I/O of the directory
// protocol (component D): generation-keyed snapshot files, per-process
// append-only shard files, and the lockfiles used to arbitrate compaction.
package store

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/meetnow/fishtrap-db/internal/block"
)

// Tag values for the three payload kinds a block can carry, per spec.md §6.
const (
	TagSnapshot    = "snp"
	TagTransaction = "txn"
	TagLock        = "lck"
)

// ErrInvalidData reports a block whose payload does not match the expected
// tagged shape for its file type.
var ErrInvalidData = errors.New("store: invalid data")

// SnapshotPayload is the tagged object stored in a snapshot block.
type SnapshotPayload struct {
	Typ  string           `msgpack:"typ"`
	AID  uuid.UUID        `msgpack:"aid"`
	Gen  uint32           `msgpack:"gen"`
	Data msgpack.RawMessage `msgpack:"dat"`
	Anc  map[string]uint32  `msgpack:"anc"`
}

// TxnPayload is the tagged object stored in one transaction block within a
// shard.
type TxnPayload struct {
	Typ  string             `msgpack:"typ"`
	AID  uuid.UUID          `msgpack:"aid"`
	SID  uuid.UUID          `msgpack:"sid"`
	Gen  uint32             `msgpack:"gen"`
	Seq  uint32             `msgpack:"seq"`
	Data msgpack.RawMessage `msgpack:"dat"`
}

// LockPayload is the tagged object stored in a lockfile block.
type LockPayload struct {
	Typ string    `msgpack:"typ"`
	AID uuid.UUID `msgpack:"aid"`
	SID uuid.UUID `msgpack:"sid"`
	Gen uint32    `msgpack:"gen"`
}

// encodeBlock msgpack-encodes v and wraps it in the durable block frame.
func encodeBlock(v any) ([]byte, error) {
	payload, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("store: encode payload: %w", err)
	}

	return block.Encode(payload), nil
}

// decodeSnapshotPayload is a block.DecodeFunc that enforces the snapshot
// tag shape.
func decodeSnapshotPayload(payload []byte) (any, error) {
	var p SnapshotPayload

	if err := msgpack.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("store: decode snapshot payload: %w", err)
	}

	if p.Typ != TagSnapshot {
		return nil, fmt.Errorf("%w: tag %q", ErrInvalidData, p.Typ)
	}

	return p, nil
}

// decodeTxnPayload is a block.DecodeFunc that enforces the txn tag shape.
func decodeTxnPayload(payload []byte) (any, error) {
	var p TxnPayload

	if err := msgpack.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("store: decode txn payload: %w", err)
	}

	if p.Typ != TagTransaction {
		return nil, fmt.Errorf("%w: tag %q", ErrInvalidData, p.Typ)
	}

	return p, nil
}

// decodeLockPayload is a block.DecodeFunc that enforces the lck tag shape.
func decodeLockPayload(payload []byte) (any, error) {
	var p LockPayload

	if err := msgpack.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("store: decode lock payload: %w", err)
	}

	if p.Typ != TagLock {
		return nil, fmt.Errorf("%w: tag %q", ErrInvalidData, p.Typ)
	}

	return p, nil
}

// DecodeLockTags implements dirscan.LockDecoder: it only needs to confirm
// the block decodes and to surface aid/sid/gen for the caller's
// consistency check against the filename.
func DecodeLockTags(payload []byte) (aid, sid uuid.UUID, gen uint32, err error) {
	obj, err := decodeLockPayload(payload)
	if err != nil {
		return uuid.UUID{}, uuid.UUID{}, 0, err
	}

	p := obj.(LockPayload)

	return p.AID, p.SID, p.Gen, nil
}
