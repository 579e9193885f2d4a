package rs

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// NSym is the number of parity symbols used to protect a single chunk.
// Fixed at 4 for this codec: it corrects up to 2 byte errors per chunk,
// which is all the block codec needs for its 4-byte length and hash
// header fields.
const NSym = 4

// ErrNoCorrection indicates DecodeChunk could not locate or correct the
// errors in a chunk: either the error-locator polynomial came out with
// too high a degree, the Chien search found the wrong number of roots,
// or the syndromes were still non-zero after correction was applied.
var ErrNoCorrection = errors.New("rs: could not find errors")

// generator is the RS generator polynomial, the product of (x - alpha^i)
// for i in [0, NSym), stored highest-degree-coefficient first. It is
// built once at package init from the field tables in tables.go.
var generator = buildGenerator(NSym)

func buildGenerator(nSym int) []byte {
	g := []byte{1}

	for i := 0; i < nSym; i++ {
		// Multiply g(x) by (x - alpha^i), i.e. (x + alpha^i) in GF(2^8).
		root := gfPow(genElement, i)

		next := make([]byte, len(g)+1)
		for j, coef := range g {
			next[j] ^= coef
			next[j+1] ^= gfMul(coef, root)
		}

		g = next
	}

	return g
}

// polyDivRemainder computes the remainder of dividend(x) / generator(x)
// over GF(256), where dividend is message shifted left by NSym (i.e.
// message(x) * x^NSym). The remainder has len(generator)-1 == NSym
// coefficients, highest degree first.
func polyDivRemainder(message []byte) []byte {
	remainder := make([]byte, len(message)+NSym)
	copy(remainder, message)

	for i := 0; i < len(message); i++ {
		coef := remainder[i]
		if coef == 0 {
			continue
		}

		for j, gc := range generator {
			remainder[i+j] ^= gfMul(gc, coef)
		}
	}

	return remainder[len(message):]
}

// EncodeChunk systematically encodes a k-byte message into a (k+NSym)-byte
// chunk: out[0:k] is the message verbatim, out[k:k+NSym] is the remainder
// of message(x)*x^NSym modulo the generator polynomial.
func EncodeChunk(input []byte) []byte {
	out := make([]byte, len(input)+NSym)
	copy(out, input)

	remainder := polyDivRemainder(input)
	copy(out[len(input):], remainder)

	return out
}

// syndromes computes s_i = eval(chunk, alpha^i) for i in [0, NSym), treating
// chunk as a polynomial with chunk[0] the highest-degree coefficient (this
// matches the systematic layout: message bytes then parity bytes).
func syndromes(chunk []byte) []byte {
	s := make([]byte, NSym)
	for i := 0; i < NSym; i++ {
		s[i] = polyEval(chunk, gfPow(genElement, i))
	}

	return s
}

func allZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}

	return true
}

// berlekampMassey computes the error-locator polynomial from the syndrome
// sequence, using the standard iterative recurrence. Returns the locator
// coefficients, highest degree first ending in the constant term 1; its
// degree (the number of errors it claims) is len(locator)-1.
func berlekampMassey(synd []byte) []byte {
	c := make([]byte, 1, NSym+1)
	c[0] = 1 // C(x) = 1

	b := make([]byte, 1, NSym+1)
	b[0] = 1 // B(x) = 1

	l := 0
	m := 1

	var bCoef byte = 1

	for n := 0; n < len(synd); n++ {
		// delta = synd[n] + sum_{i=1..L} c[i] * synd[n-i]
		delta := synd[n]
		for i := 1; i <= l; i++ {
			delta ^= gfMul(c[i], synd[n-i])
		}

		if delta == 0 {
			m++
			continue
		}

		tCopy := make([]byte, len(c))
		copy(tCopy, c)

		coef := gfDiv(delta, bCoef)

		// c(x) -= coef * x^m * b(x)
		needed := m + len(b)
		if needed > len(c) {
			grown := make([]byte, needed)
			copy(grown, c)
			c = grown
		}

		for i, bc := range b {
			c[i+m] ^= gfMul(coef, bc)
		}

		if 2*l <= n {
			l = n + 1 - l
			b = tCopy
			bCoef = delta
			m = 1
		} else {
			m++
		}
	}

	// c is stored lowest-degree-first internally (c[0] is constant term 1);
	// reverse into highest-degree-first for Chien/Forney convenience and
	// trim to the claimed degree L.
	locator := make([]byte, l+1)
	for i := 0; i <= l; i++ {
		locator[l-i] = c[i]
	}

	return locator
}

// chienSearch finds the roots of the error locator polynomial by brute
// force evaluation over all positions [0, n). A root at position i
// (locator(alpha^-i) == 0) means an error at the coefficient of x^i,
// i.e. counting from the last (lowest-degree) byte of the chunk.
func chienSearch(locator []byte, n int) []int {
	var positions []int

	for i := 0; i < n; i++ {
		x := gfInv(gfPow(genElement, i))
		if polyEval(locator, x) == 0 {
			positions = append(positions, i)
		}
	}

	return positions
}

// forneyMagnitudes computes the error value at each identified position
// using Forney's formula, returning a map of chunk-index to magnitude
// suitable for XOR-correction.
func forneyMagnitudes(synd, locator []byte, positions []int, n int) map[int]byte {
	// Error evaluator polynomial: omega(x) = (S(x) * locator(x)) mod x^NSym,
	// with S(x) = sum synd[i] * x^i (synd stored s_0..s_{NSym-1}). Both
	// factors are passed lowest-degree first, as polyMulTruncated expects.
	locatorLowFirst := make([]byte, len(locator))
	for i, v := range locator {
		locatorLowFirst[len(locator)-1-i] = v
	}

	omega := polyMulTruncated(synd, locatorLowFirst, NSym)

	// Formal derivative of locator (odd-power terms only), evaluated via
	// skipping every other coefficient from the lowest-degree end.

	magnitudes := make(map[int]byte, len(positions))

	for _, pos := range positions {
		x := gfPow(genElement, pos)
		xInv := gfInv(x)

		omegaVal := polyEvalLowFirst(omega, xInv)
		derivVal := polyDerivEvalLowFirst(locatorLowFirst, xInv)

		if derivVal == 0 {
			magnitudes[pos] = 0
			continue
		}

		// First consecutive root power is 0 (roots alpha^0..alpha^{NSym-1}),
		// so Forney's formula carries an extra X_k^1 factor relative to the
		// textbook FCR=1 derivation.
		magnitudes[pos] = gfMul(x, gfDiv(omegaVal, derivVal))
	}

	return magnitudes
}

// polyMulTruncated multiplies two polynomials (lowest-degree-first
// coefficient order) and truncates the result to `keep` coefficients.
func polyMulTruncated(a, b []byte, keep int) []byte {
	out := make([]byte, keep)

	for i, av := range a {
		if av == 0 {
			continue
		}

		for j, bv := range b {
			if i+j >= keep {
				break
			}

			out[i+j] ^= gfMul(av, bv)
		}
	}

	return out
}

func polyEvalLowFirst(p []byte, x byte) byte {
	var y byte

	for i := len(p) - 1; i >= 0; i-- {
		y = gfMul(y, x) ^ p[i]
	}

	return y
}

// polyDerivEvalLowFirst evaluates the formal derivative of a GF(2)-coefficient
// polynomial (lowest-degree-first) at x. In characteristic 2, the derivative
// keeps only odd-power terms, each with its original coefficient (since odd
// integers are 1 mod 2).
func polyDerivEvalLowFirst(p []byte, x byte) byte {
	var y byte

	for i := 1; i < len(p); i += 2 {
		// term is p[i] * x^(i-1)
		y ^= gfMul(p[i], gfPow(x, i-1))
	}

	return y
}

// DecodeChunk validates and, if needed and possible, corrects a
// (k+NSym)-byte chunk produced by EncodeChunk. If the syndromes are all
// zero the chunk is returned unchanged. Otherwise it runs
// Berlekamp-Massey, Chien search, and Forney correction, verifying the
// result by recomputing syndromes; any inconsistency is reported as
// ErrNoCorrection.
func DecodeChunk(input []byte) ([]byte, error) {
	synd := syndromes(input)
	if allZero(synd) {
		return input, nil
	}

	locator := berlekampMassey(synd)

	numErrors := len(locator) - 1
	if numErrors <= 0 || numErrors > NSym/2 {
		return nil, fmt.Errorf("%w: locator degree %d", ErrNoCorrection, numErrors)
	}

	positions := chienSearch(locator, len(input))
	if len(positions) != numErrors {
		return nil, fmt.Errorf("%w: found %d roots, want %d", ErrNoCorrection, len(positions), numErrors)
	}

	magnitudes := forneyMagnitudes(synd, locator, positions, len(input))

	corrected := make([]byte, len(input))
	copy(corrected, input)

	for _, pos := range positions {
		// Chien search counts from the lowest-degree end (x^0 = last
		// byte); translate to a byte index from the start of the chunk.
		idx := len(input) - 1 - pos
		corrected[idx] ^= magnitudes[pos]
	}

	verify := syndromes(corrected)
	if !allZero(verify) {
		return nil, fmt.Errorf("%w: post-correction syndromes non-zero", ErrNoCorrection)
	}

	return corrected, nil
}

// --- Stream-level helpers for arbitrary-length payloads ---

// streamHeaderSize is the framing prepended by Encode: a 2-byte
// chunk-count and a 4-byte original data length, both big-endian.
const streamHeaderSize = 6

// maxChunks bounds the number of chunks representable in the 2-byte
// chunk-count header (2^16 - 1), matching the round-trip invariant in
// spec.md §8: "for all x with length <= chunkSize * (2^16-1)".
const maxChunks = 1<<16 - 1

var ErrTooLarge = errors.New("rs: input exceeds maximum encodable length")

// Encode splits data into k-byte chunks (zero-padding the final chunk),
// RS-encodes each, and frames the result with a chunk count and the
// original length so Decode can strip padding exactly.
func Encode(data []byte, k int) ([]byte, error) {
	if k <= 0 {
		panic("rs: k must be positive")
	}

	numChunks := (len(data) + k - 1) / k
	if numChunks == 0 {
		numChunks = 1
	}

	if numChunks > maxChunks {
		return nil, ErrTooLarge
	}

	out := make([]byte, streamHeaderSize, streamHeaderSize+numChunks*(k+NSym))
	binary.BigEndian.PutUint16(out[0:2], uint16(numChunks))
	binary.BigEndian.PutUint32(out[2:6], uint32(len(data)))

	chunk := make([]byte, k)

	for i := 0; i < numChunks; i++ {
		start := i * k
		end := start + k

		for j := range chunk {
			chunk[j] = 0
		}

		if start < len(data) {
			copy(chunk, data[start:min(end, len(data))])
		}

		out = append(out, EncodeChunk(chunk)...)
	}

	return out, nil
}

// Decode reverses Encode, correcting each chunk independently and
// truncating to the original recorded length.
func Decode(encoded []byte, k int) ([]byte, error) {
	if len(encoded) < streamHeaderSize {
		return nil, fmt.Errorf("rs: truncated stream header")
	}

	numChunks := int(binary.BigEndian.Uint16(encoded[0:2]))
	origLen := int(binary.BigEndian.Uint32(encoded[2:6]))

	body := encoded[streamHeaderSize:]

	chunkSize := k + NSym
	if len(body) != numChunks*chunkSize {
		return nil, fmt.Errorf("rs: stream length mismatch")
	}

	out := make([]byte, 0, numChunks*k)

	for i := 0; i < numChunks; i++ {
		chunk := body[i*chunkSize : (i+1)*chunkSize]

		decoded, err := DecodeChunk(chunk)
		if err != nil {
			return nil, fmt.Errorf("rs: chunk %d: %w", i, err)
		}

		out = append(out, decoded[:k]...)
	}

	if origLen > len(out) {
		return nil, fmt.Errorf("rs: recorded length exceeds decoded data")
	}

	return out[:origLen], nil
}
