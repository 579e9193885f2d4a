// Package dirscan implements the directory protocol's file descriptor
// parsing and classification: filename grammar, stat-based discovery, and
// lock/snapshot/shard set resolution (component C of the design).
package dirscan

import (
	"encoding/hex"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/meetnow/fishtrap-db/internal/block"
	"github.com/meetnow/fishtrap-db/pkg/fs"
)

// FileType classifies a filename per the <uuid>.<gen>.sd<type> grammar.
type FileType int

const (
	// TypeSnapshot is a "sn" file.
	TypeSnapshot FileType = iota
	// TypeShard is an "sh" file.
	TypeShard
	// TypeLock is an "lk" file.
	TypeLock
)

// StaleLockAge is the age after which a lockfile is considered stale and
// eligible for reclamation regardless of its content.
const StaleLockAge = 2 * time.Hour

// Descriptor describes one file discovered in the database directory.
type Descriptor struct {
	Name       string
	Size       int64
	ModTime    time.Time
	UUID       uuid.UUID
	Generation uint32
	Type       FileType

	// LockedBy is set on snapshot descriptors: the uuid of the earliest
	// lockfile at the same generation, if any.
	LockedBy *uuid.UUID
}

// ParseName parses a filename against the grammar
// "<uuid-36>.<gen-hex8>.sd(sn|sh|lk)", case-insensitively. ok is false for
// anything that doesn't match, including quarantined .sdbf files.
func ParseName(name string) (id uuid.UUID, generation uint32, typ FileType, ok bool) {
	parts := strings.Split(name, ".")
	if len(parts) != 3 {
		return uuid.UUID{}, 0, 0, false
	}

	id, err := uuid.Parse(parts[0])
	if err != nil {
		return uuid.UUID{}, 0, 0, false
	}

	if len(parts[1]) != 8 {
		return uuid.UUID{}, 0, 0, false
	}

	genBytes, err := hex.DecodeString(strings.ToLower(parts[1]))
	if err != nil || len(genBytes) != 4 {
		return uuid.UUID{}, 0, 0, false
	}

	generation = uint32(genBytes[0])<<24 | uint32(genBytes[1])<<16 | uint32(genBytes[2])<<8 | uint32(genBytes[3])

	switch strings.ToLower(parts[2]) {
	case "sdsn":
		typ = TypeSnapshot
	case "sdsh":
		typ = TypeShard
	case "sdlk":
		typ = TypeLock
	default:
		return uuid.UUID{}, 0, 0, false
	}

	return id, generation, typ, true
}

// FormatName renders the canonical lowercase filename for a descriptor.
func FormatName(id uuid.UUID, generation uint32, typ FileType) string {
	suffix := map[FileType]string{
		TypeSnapshot: "sdsn",
		TypeShard:    "sdsh",
		TypeLock:     "sdlk",
	}[typ]

	return fmt.Sprintf("%s.%08x.%s", id.String(), generation, suffix)
}

// BrokenName renders a quarantined-broken-file name for an original
// filename and a hex8 disambiguator (callers probe upward from 0).
func BrokenName(original string, disambig uint32) string {
	return fmt.Sprintf("%s.%08x.sdbf", original, disambig)
}

// lockPayload holds a valid block payload read from a lockfile, used only to
// verify the lockfile's tags per the invariant in spec.md §3.
type lockPayload struct {
	Typ string `msgpack:"typ"`
	AID string `msgpack:"aid"`
	SID string `msgpack:"sid"`
	Gen uint32 `msgpack:"gen"`
}

// LockDecoder decodes a lockfile's block payload for validation. Injected
// so dirscan does not need to depend on the store package's full tagged
// payload schema.
type LockDecoder func(payload []byte) (aid, sid uuid.UUID, gen uint32, err error)

// Scan reads dir, classifies every entry against the filename grammar, and
// returns the snapshot/shard/lock descriptors per the rules in spec.md
// §4.C. ownShardsOnly changes lock and shard retention: stale-to-self
// locks are reclaimed, and only the caller's own shard is kept when true.
//
// decodeLock is used to verify a lockfile's payload tags; files smaller
// than 48 bytes are kept unconditionally (benefit of the doubt: may be
// mid-write) without invoking it.
func Scan(fsys fs.FS, dir string, appUUID, shardUUID uuid.UUID, ownShardsOnly bool, now time.Time, decodeLock LockDecoder) (Result, error) {
	entries, err := fsys.ReadDir(dir)
	if err != nil {
		return Result{}, fmt.Errorf("dirscan: read dir %q: %w", dir, err)
	}

	var (
		locks      []Descriptor
		snapshots  []Descriptor
		shards     []Descriptor
		readErrors int
	)

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		id, gen, typ, ok := ParseName(entry.Name())
		if !ok {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			// stat failures on individual entries skip that entry (§5).
			readErrors++
			continue
		}

		desc := Descriptor{
			Name:       entry.Name(),
			Size:       info.Size(),
			ModTime:    info.ModTime(),
			UUID:       id,
			Generation: gen,
			Type:       typ,
		}

		switch typ {
		case TypeLock:
			keep, err := classifyLock(fsys, filepath.Join(dir, desc.Name), desc, shardUUID, ownShardsOnly, now, decodeLock)
			if err != nil {
				continue
			}

			if keep {
				locks = append(locks, desc)
			}
		case TypeSnapshot:
			if id == appUUID {
				snapshots = append(snapshots, desc)
			}
		case TypeShard:
			if desc.Size > 0 && (!ownShardsOnly || id == shardUUID) {
				shards = append(shards, desc)
			}
		}
	}

	sort.SliceStable(locks, func(i, j int) bool { return locks[i].ModTime.Before(locks[j].ModTime) })
	sort.Slice(snapshots, func(i, j int) bool { return snapshots[i].Generation < snapshots[j].Generation })
	sort.Slice(shards, func(i, j int) bool { return shards[i].Generation < shards[j].Generation })

	for i := range snapshots {
		if owner := earliestLockAt(locks, snapshots[i].Generation); owner != nil {
			snapshots[i].LockedBy = owner
		}
	}

	nextGeneration := uint32(1)
	if len(snapshots) > 0 {
		nextGeneration = snapshots[len(snapshots)-1].Generation + 1
	}

	var nextGenerationLockedBy *uuid.UUID
	if owner := earliestLockAt(locks, nextGeneration); owner != nil {
		nextGenerationLockedBy = owner
	}

	return Result{
		Locks:                  locks,
		Snapshots:              snapshots,
		Shards:                 shards,
		ReadErrors:             readErrors,
		NextGeneration:         nextGeneration,
		NextGenerationLockedBy: nextGenerationLockedBy,
	}, nil
}

// Result is the classified output of a directory scan.
type Result struct {
	Locks      []Descriptor // sorted by ModTime ascending
	Snapshots  []Descriptor // sorted by Generation ascending
	Shards     []Descriptor // sorted by Generation ascending
	ReadErrors int

	NextGeneration         uint32
	NextGenerationLockedBy *uuid.UUID
}

func earliestLockAt(locks []Descriptor, generation uint32) *uuid.UUID {
	// locks is sorted by ModTime ascending; the first match at this
	// generation is the earliest (mtime ties fall through to directory
	// listing order, which is the iteration order we built `locks` in).
	for i := range locks {
		if locks[i].Generation == generation {
			id := locks[i].UUID
			return &id
		}
	}

	return nil
}

// classifyLock applies the lk-file retention rule from spec.md §4.C: stale
// or (when scanning only our own shards) self-owned locks are unlinked;
// tiny locks are kept unconditionally; others must verify.
func classifyLock(fsys fs.FS, path string, desc Descriptor, shardUUID uuid.UUID, ownShardsOnly bool, now time.Time, decodeLock LockDecoder) (bool, error) {
	stale := now.Sub(desc.ModTime) > StaleLockAge
	selfAndOwnOnly := ownShardsOnly && desc.UUID == shardUUID

	if selfAndOwnOnly || stale {
		_ = fsys.Remove(path) // best-effort; unlink failures are swallowed (§5)
		return false, nil
	}

	if desc.Size < 48 {
		return true, nil
	}

	f, err := fsys.Open(path)
	if err != nil {
		return false, err
	}
	defer func() { _ = f.Close() }()

	buf := make([]byte, 1024)

	n, err := readAtMost(f, buf)
	if err != nil {
		return false, err
	}

	var verifyErr error

	result := block.ScanBlock(buf[:n], 0, func(payload []byte) (any, error) {
		aid, sid, gen, err := decodeLock(payload)
		if err != nil {
			verifyErr = err
			return nil, err
		}

		if sid != desc.UUID || gen != desc.Generation {
			verifyErr = fmt.Errorf("dirscan: lockfile %q tag mismatch", desc.Name)
			return nil, verifyErr
		}

		return aid, nil
	})

	if !result.Found || verifyErr != nil {
		return false, nil
	}

	return true, nil
}

// readAtMost reads up to len(buf) bytes, tolerating EOF (a short file is
// fine; we only need the first block).
func readAtMost(f fs.File, buf []byte) (int, error) {
	total := 0

	for total < len(buf) {
		n, err := f.Read(buf[total:])
		total += n

		if err != nil {
			if total > 0 {
				return total, nil
			}

			return total, err
		}

		if n == 0 {
			break
		}
	}

	return total, nil
}
