// Package patch provides a default, minimal patch representation: the
// whole-value replace. spec.md treats the patch representation as an
// external concern ("any structural delta over T suffices"); Replace is
// the simplest implementation satisfying the contract in spec.md §9 (exact
// apply, trivial composition) and is what the CLI tool and tests use when
// the caller has no minimal-diff library of its own.
package patch

import (
	"bytes"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Differ computes the delta between two values of T for the transaction
// engine. Applier is its inverse, reconstructing a post-image from a
// pre-image and a previously computed delta.
//
// These mirror the shapes in internal/txn without importing it, since
// internal packages cannot be imported from outside this module.
type (
	Differ[T any]  func(pre, post T) (patch any, empty bool)
	Applier[T any] func(pre T, raw msgpack.RawMessage) (post T, err error)
)

// ReplaceDiffer reports the entire post-image as the patch whenever pre
// and post differ, comparing by msgpack encoding (so it works for any
// msgpack-serializable T without requiring comparable).
func ReplaceDiffer[T any](pre, post T) (any, bool) {
	preBytes, err := msgpack.Marshal(pre)
	if err != nil {
		// Treat encode failure as "changed" so the mutation isn't silently
		// dropped; AppendTxn will surface the real error on encode.
		return post, false
	}

	postBytes, err := msgpack.Marshal(post)
	if err != nil {
		return post, false
	}

	if bytes.Equal(preBytes, postBytes) {
		return nil, true
	}

	return post, false
}

// ReplaceApplier decodes the patch as the new value of T directly,
// ignoring pre (a whole-value replace needs no base).
func ReplaceApplier[T any](_ T, raw msgpack.RawMessage) (T, error) {
	var out T

	if err := msgpack.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("patch: decode replace: %w", err)
	}

	return out, nil
}
