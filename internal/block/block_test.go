package block

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func decodeString(payload []byte) (any, error) {
	return string(payload), nil
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	encoded := Encode([]byte("hello fishtrap"))

	result := ScanBlock(encoded, 0, decodeString)
	require.True(t, result.Found)
	require.False(t, result.Truncated)
	require.Equal(t, "hello fishtrap", result.Data)
	require.Equal(t, len(encoded), result.Length)
}

func TestScanBlock_SkipsGarbagePrefix(t *testing.T) {
	encoded := Encode([]byte("payload"))
	buf := append([]byte("garbage-before-the-magic"), encoded...)

	result := ScanBlock(buf, 0, decodeString)
	require.True(t, result.Found)
	require.Equal(t, "payload", result.Data)
	require.Equal(t, len("garbage-before-the-magic"), result.Offset)
}

func TestScanBlock_CorrectsSmallHeaderCorruption(t *testing.T) {
	encoded := Encode([]byte("payload"))

	// Flip a single bit in the RS-protected length field; two errors per
	// chunk are always correctable (internal/rs's NSym=4 guarantee).
	encoded[9] ^= 0x01

	result := ScanBlock(encoded, 0, decodeString)
	require.True(t, result.Found)
	require.Equal(t, "payload", result.Data)
}

func TestScanBlock_SkipsOnUncorrectableLength(t *testing.T) {
	encoded := Encode([]byte("payload"))

	// Corrupt 3 bytes of the length chunk: beyond NSym=4's 2-error bound.
	encoded[8] ^= 0xFF
	encoded[9] ^= 0xFF
	encoded[10] ^= 0xFF

	result := ScanBlock(encoded, 0, decodeString)
	require.False(t, result.Found)
	require.Zero(t, result.Length)
}

func TestScanBlock_HashMismatchSkipsBlock(t *testing.T) {
	encoded := Encode([]byte("payload"))

	// Corrupt a payload byte without touching the header: the length
	// still RS-decodes fine, but the XXH32 check now fails.
	encoded[len(encoded)-1] ^= 0xFF

	result := ScanBlock(encoded, 0, decodeString)
	require.False(t, result.Found)
}

func TestScanBlock_DecodeErrorSkipsBlock(t *testing.T) {
	encoded := Encode([]byte("payload"))

	failingDecode := func(payload []byte) (any, error) {
		return nil, errors.New("schema mismatch")
	}

	result := ScanBlock(encoded, 0, failingDecode)
	require.False(t, result.Found)
}

func TestScanBlock_TruncatedBufferReportsTruncated(t *testing.T) {
	encoded := Encode([]byte("payload"))
	short := encoded[:len(encoded)-2]

	result := ScanBlock(short, 0, decodeString)
	require.False(t, result.Found)
	require.True(t, result.Truncated)
}

func TestScanBlock_EmptyPayloadIsFoundWithNilData(t *testing.T) {
	encoded := Encode(nil)

	result := ScanBlock(encoded, 0, decodeString)
	require.True(t, result.Found)
	require.Nil(t, result.Data)
	require.Equal(t, HeaderSize, result.Length)
}

func TestScanBlock_ExhaustsWithoutMagic(t *testing.T) {
	result := ScanBlock([]byte("no magic bytes in here at all"), 0, decodeString)
	require.False(t, result.Found)
	require.False(t, result.Truncated)
	require.Zero(t, result.Length)
}
