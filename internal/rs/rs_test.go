package rs

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeChunk_ReferenceVector(t *testing.T) {
	input := []byte{116, 101, 115, 116}
	want := []byte{116, 101, 115, 116, 102, 82, 51, 17}

	got := EncodeChunk(input)
	require.Equal(t, want, got)
}

func TestDecodeChunk_NoErrors(t *testing.T) {
	encoded := EncodeChunk([]byte{116, 101, 115, 116})

	decoded, err := DecodeChunk(encoded)
	require.NoError(t, err)
	require.Equal(t, encoded, decoded)
}

func TestDecodeChunk_CorrectsUpToTwoErrors(t *testing.T) {
	orig := []byte{116, 101, 115, 116, 102, 82, 51, 17}

	for _, positions := range [][]int{{0}, {3}, {7}, {0, 7}, {2, 5}} {
		corrupted := append([]byte(nil), orig...)
		for _, p := range positions {
			corrupted[p] ^= 0xFF
		}

		decoded, err := DecodeChunk(corrupted)
		require.NoError(t, err, "positions=%v", positions)
		require.Equal(t, orig, decoded, "positions=%v", positions)
	}
}

func TestDecodeChunk_ThreeErrorsUncorrectable(t *testing.T) {
	orig := []byte{116, 101, 115, 116, 102, 82, 51, 17}

	corrupted := append([]byte(nil), orig...)
	corrupted[0] ^= 0xFF
	corrupted[3] ^= 0xFF
	corrupted[6] ^= 0xFF

	_, err := DecodeChunk(corrupted)
	require.ErrorIs(t, err, ErrNoCorrection)
}

func TestStreamRoundTrip(t *testing.T) {
	cases := [][]byte{
		nil,
		{},
		{1},
		[]byte("hello, world"),
		make([]byte, 1000),
	}

	for i := range cases[4] {
		cases[4][i] = byte(i)
	}

	for _, data := range cases {
		encoded, err := Encode(data, 4)
		require.NoError(t, err)

		decoded, err := Decode(encoded, 4)
		require.NoError(t, err)
		// The stream records only the length, so nil and empty input both
		// decode to an empty slice; compare contents, not nil-ness.
		require.True(t, bytes.Equal(data, decoded), "data=%v decoded=%v", data, decoded)
	}
}
