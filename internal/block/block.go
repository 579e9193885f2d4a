// Package block implements the durable, self-synchronising framed block
// format shared by snapshot, shard, and lockfile storage: a magic prefix,
// an RS-protected length and hash header, and an unprotected payload
// verified by XXH32.
package block

import (
	"encoding/binary"

	"github.com/meetnow/fishtrap-db/internal/rs"
	"github.com/meetnow/fishtrap-db/internal/xxhash32"
)

// Magic is the 8-byte prefix identifying the start of a block.
const Magic = "fishtrap"

// HashSeed is the process-wide XXH32 seed, 0x46495348 ("HSIF" little-endian).
const HashSeed uint32 = 1179210568

// HeaderSize is the fixed size of magic + RS-protected length + RS-protected hash.
const HeaderSize = 8 + 8 + 8

// maxMagicMismatches is how many byte mismatches scan tolerates when
// looking for a candidate magic prefix; the length/hash ECC does the rest
// of the integrity work.
const maxMagicMismatches = 2

// Encode wraps payload in a full block: magic, RS-protected length, RS-protected
// hash, then the payload bytes verbatim.
func Encode(payload []byte) []byte {
	out := make([]byte, HeaderSize+len(payload))

	copy(out[0:8], Magic)

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	copy(out[8:16], rs.EncodeChunk(lenBuf[:]))

	hash := xxhash32.Sum(payload, HashSeed)

	var hashBuf [4]byte
	binary.BigEndian.PutUint32(hashBuf[:], hash)
	copy(out[16:24], rs.EncodeChunk(hashBuf[:]))

	copy(out[24:], payload)

	return out
}

// DecodeFunc decodes a verified payload into a caller-defined object. It
// should return an error if the bytes do not form a valid payload for the
// caller's schema; ScanBlock treats that the same as a hash mismatch.
type DecodeFunc func(payload []byte) (any, error)

// Result is the outcome of one ScanBlock call.
type Result struct {
	// Offset is where cursor advancement should resume: either the start
	// of a found block (for the caller to know where it was) plus
	// Length to get to the next search position, or len(buf) on
	// exhaustion.
	Offset int

	// Length is the number of bytes this block (or skip) consumed, 0 at
	// exhaustion.
	Length int

	// Data holds the decoded object when Found && !Truncated.
	Data any

	// Found reports whether a structurally valid, hash-verified,
	// decodable block was located.
	Found bool

	// Truncated reports the buffer ran out before a complete block
	// (RS-verified length known, but not enough payload bytes present).
	// Offset/Length describe the partial block's position and expected
	// total size.
	Truncated bool
}

// ScanBlock slides forward from start looking for the next valid block,
// per spec.md §4.B. It tolerates corruption by skipping ahead and
// retrying, using the RS header to self-correct small errors and XXH32 to
// validate the payload.
func ScanBlock(buf []byte, start int, decode DecodeFunc) Result {
	cursor := start

	for {
		candidate := findMagicCandidate(buf, cursor)
		if candidate < 0 {
			return Result{Offset: len(buf), Length: 0}
		}

		if candidate+HeaderSize > len(buf) {
			// Not enough room even for the header; nothing more to find.
			return Result{Offset: len(buf), Length: 0}
		}

		lengthChunk, err := rs.DecodeChunk(buf[candidate+8 : candidate+16])
		if err != nil {
			cursor = candidate + 1
			continue
		}

		payloadLen := int(binary.BigEndian.Uint32(lengthChunk[0:4]))

		if payloadLen == 0 {
			return Result{Offset: candidate, Length: HeaderSize, Found: true, Data: nil}
		}

		total := HeaderSize + payloadLen
		if candidate+total > len(buf) {
			return Result{Offset: candidate, Length: total, Truncated: true}
		}

		hashChunk, err := rs.DecodeChunk(buf[candidate+16 : candidate+24])
		if err != nil {
			cursor = candidate + 23 + payloadLen
			continue
		}

		wantHash := binary.BigEndian.Uint32(hashChunk[0:4])
		payload := buf[candidate+24 : candidate+total]

		gotHash := xxhash32.Sum(payload, HashSeed)
		if gotHash != wantHash {
			cursor = candidate + 23 + payloadLen
			continue
		}

		obj, err := decode(payload)
		if err != nil {
			cursor = candidate + 23 + payloadLen
			continue
		}

		return Result{Offset: candidate, Length: total, Found: true, Data: obj}
	}
}

// findMagicCandidate returns the index of the next position at or after
// `from` whose 8 bytes differ from Magic in at most maxMagicMismatches
// places, or -1 if none remain.
func findMagicCandidate(buf []byte, from int) int {
	if from < 0 {
		from = 0
	}

	for i := from; i+8 <= len(buf); i++ {
		mismatches := 0

		for j := 0; j < 8; j++ {
			if buf[i+j] != Magic[j] {
				mismatches++
				if mismatches > maxMagicMismatches {
					break
				}
			}
		}

		if mismatches <= maxMagicMismatches {
			return i
		}
	}

	return -1
}
