package store

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/meetnow/fishtrap-db/pkg/fs"
)

// WriteLock writes a lockfile asserting intent to compact generation on
// behalf of shardUUID. Lockfiles are whole-file writes like snapshots;
// their legitimacy as "the winner" is decided later purely by mtime, not
// by write semantics here.
func WriteLock(fsys fs.FS, path string, appUUID, shardUUID uuid.UUID, generation uint32) error {
	payload := LockPayload{
		Typ: TagLock,
		AID: appUUID,
		SID: shardUUID,
		Gen: generation,
	}

	encoded, err := encodeBlock(payload)
	if err != nil {
		return fmt.Errorf("store: encode lockfile: %w", err)
	}

	if err := fsys.WriteFile(path, encoded, 0o644); err != nil {
		return fmt.Errorf("store: write lockfile %q: %w", path, err)
	}

	return nil
}

// DeleteLock removes a lockfile. Unlink failures are swallowed by the
// caller per spec.md §5; this just forwards the filesystem's error.
func DeleteLock(fsys fs.FS, path string) error {
	return fsys.Remove(path)
}
