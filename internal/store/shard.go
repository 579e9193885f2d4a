package store

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/meetnow/fishtrap-db/internal/block"
	"github.com/meetnow/fishtrap-db/pkg/fs"
)

// TxnRecord is one decoded transaction read from a shard.
type TxnRecord struct {
	Sequence uint32
	Patch    msgpack.RawMessage
}

// ShardReadResult is the outcome of reading a shard file.
type ShardReadResult struct {
	Transactions []TxnRecord
	Size         int64
	Truncated    bool
}

// ReadShard scans path sequentially from offset 0, decoding and
// tag-checking every block, per spec.md §4.D. If a block is truncated or
// fails its tag check, and isOwn is true, the file is truncated at the
// last good offset via write-temp-and-rename; for a peer's shard, reading
// simply stops there without modifying the file. Transactions are
// returned sorted by sequence.
func ReadShard(fsys fs.FS, path string, appUUID, shardUUID uuid.UUID, generation uint32, isOwn bool) (ShardReadResult, error) {
	info, err := fsys.Stat(path)
	if err != nil {
		return ShardReadResult{}, fmt.Errorf("store: stat shard %q: %w", path, err)
	}

	if info.Size() > MaxFileSize {
		return ShardReadResult{}, fmt.Errorf("store: shard %q: %w", path, ErrFileTooLarge)
	}

	buf, err := fsys.ReadFile(path)
	if err != nil {
		return ShardReadResult{}, fmt.Errorf("store: read shard %q: %w", path, err)
	}

	var (
		records   []TxnRecord
		cursor    int
		truncated bool
	)

scan:
	for {
		result := block.ScanBlock(buf, cursor, decodeTxnPayload)

		switch {
		case result.Truncated:
			truncated = true
			if isOwn {
				if err := truncateShard(fsys, path, buf[:result.Offset]); err != nil {
					return ShardReadResult{}, err
				}
			}

			break scan

		case !result.Found:
			break scan

		case result.Data == nil:
			// Zero-payload sentinel block; skip over it.
			cursor = result.Offset + result.Length

		default:
			p := result.Data.(TxnPayload)
			if p.AID != appUUID || p.SID != shardUUID || p.Gen != generation {
				truncated = true
				if isOwn {
					if err := truncateShard(fsys, path, buf[:result.Offset]); err != nil {
						return ShardReadResult{}, err
					}
				}

				break scan
			}

			records = append(records, TxnRecord{Sequence: p.Seq, Patch: p.Data})
			cursor = result.Offset + result.Length
		}
	}

	sort.Slice(records, func(i, j int) bool { return records[i].Sequence < records[j].Sequence })

	size := info.Size()
	if truncated && isOwn {
		size = int64(cursor)
	}

	return ShardReadResult{Transactions: records, Size: size, Truncated: truncated}, nil
}

// truncateShard rewrites path to contain only the good prefix, using an
// atomic whole-file write so readers never observe a half-truncated file.
func truncateShard(fsys fs.FS, path string, goodPrefix []byte) error {
	kept := make([]byte, len(goodPrefix))
	copy(kept, goodPrefix)

	if err := fsys.WriteFile(path, kept, 0o600); err != nil {
		return fmt.Errorf("store: truncate shard %q: %w", path, err)
	}

	return nil
}

// AppendTxn appends a single transaction block to a shard file, creating
// it if necessary.
func AppendTxn(fsys fs.FS, path string, appUUID, shardUUID uuid.UUID, generation, seq uint32, patch any) error {
	raw, err := msgpack.Marshal(patch)
	if err != nil {
		return fmt.Errorf("store: encode patch: %w", err)
	}

	payload := TxnPayload{
		Typ:  TagTransaction,
		AID:  appUUID,
		SID:  shardUUID,
		Gen:  generation,
		Seq:  seq,
		Data: raw,
	}

	encoded, err := encodeBlock(payload)
	if err != nil {
		return fmt.Errorf("store: encode txn: %w", err)
	}

	if err := fsys.AppendFile(path, encoded, 0o600); err != nil {
		return fmt.Errorf("store: append shard %q: %w", path, err)
	}

	return nil
}
