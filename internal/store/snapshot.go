package store

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/meetnow/fishtrap-db/internal/block"
	"github.com/meetnow/fishtrap-db/pkg/fs"
)

// MaxFileSize bounds every snapshot and shard file at roughly 100 MiB, per
// spec.md §4.D.
const MaxFileSize = 100 * 1024 * 1024

// ErrEmptyFile reports a zero-byte snapshot file (spec.md's "NoData").
var ErrEmptyFile = errors.New("store: empty file")

// ErrFileTooLarge reports a snapshot or shard exceeding MaxFileSize.
var ErrFileTooLarge = errors.New("store: file exceeds size limit")

// SnapshotRecord is a fully decoded snapshot file.
type SnapshotRecord struct {
	AppUUID    uuid.UUID
	Generation uint32
	Data       msgpack.RawMessage
	Ancestors  map[uuid.UUID]uint32
}

// ReadSnapshot reads and validates a single-block snapshot file, enforcing
// the size bounds and tag checks of spec.md §4.D. Any shape mismatch is
// reported as ErrInvalidData.
func ReadSnapshot(fsys fs.FS, path string, appUUID uuid.UUID, generation uint32) (SnapshotRecord, error) {
	info, err := fsys.Stat(path)
	if err != nil {
		return SnapshotRecord{}, fmt.Errorf("store: stat snapshot %q: %w", path, err)
	}

	if info.Size() == 0 {
		return SnapshotRecord{}, fmt.Errorf("store: snapshot %q: %w", path, ErrEmptyFile)
	}

	if info.Size() > MaxFileSize {
		return SnapshotRecord{}, fmt.Errorf("store: snapshot %q: %w", path, ErrFileTooLarge)
	}

	buf, err := fsys.ReadFile(path)
	if err != nil {
		return SnapshotRecord{}, fmt.Errorf("store: read snapshot %q: %w", path, err)
	}

	result := block.ScanBlock(buf, 0, decodeSnapshotPayload)
	if !result.Found || result.Data == nil {
		return SnapshotRecord{}, fmt.Errorf("store: snapshot %q: %w", path, ErrInvalidData)
	}

	p, ok := result.Data.(SnapshotPayload)
	if !ok {
		return SnapshotRecord{}, fmt.Errorf("store: snapshot %q: %w", path, ErrInvalidData)
	}

	if p.AID != appUUID || p.Gen != generation {
		return SnapshotRecord{}, fmt.Errorf("store: snapshot %q: %w: aid/gen mismatch", path, ErrInvalidData)
	}

	ancestors := make(map[uuid.UUID]uint32, len(p.Anc))

	for k, v := range p.Anc {
		id, err := uuid.Parse(k)
		if err != nil {
			return SnapshotRecord{}, fmt.Errorf("store: snapshot %q: %w: ancestor key %q: %v", path, ErrInvalidData, k, err)
		}

		ancestors[id] = v
	}

	return SnapshotRecord{
		AppUUID:    p.AID,
		Generation: p.Gen,
		Data:       p.Data,
		Ancestors:  ancestors,
	}, nil
}

// WriteSnapshot writes a whole new snapshot file at path.
func WriteSnapshot(fsys fs.FS, path string, rec SnapshotRecord) error {
	anc := make(map[string]uint32, len(rec.Ancestors))
	for id, seq := range rec.Ancestors {
		anc[id.String()] = seq
	}

	payload := SnapshotPayload{
		Typ:  TagSnapshot,
		AID:  rec.AppUUID,
		Gen:  rec.Generation,
		Data: rec.Data,
		Anc:  anc,
	}

	encoded, err := encodeBlock(payload)
	if err != nil {
		return fmt.Errorf("store: encode snapshot: %w", err)
	}

	if err := fsys.WriteFile(path, encoded, 0o644); err != nil {
		return fmt.Errorf("store: write snapshot %q: %w", path, err)
	}

	return nil
}
