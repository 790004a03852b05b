// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package types

import "errors"

// Sentinel errors for the capsule engine. Callers match with errors.Is;
// wrapping sites attach the path, gid, or block id that failed.
// Per prd001-archive R4, prd006-ledger R3.
var (
	// ErrNotFound indicates a missing archive path or unknown gid.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates a differing write to an existing archive path
	// without an explicit supersede.
	ErrConflict = errors.New("conflicting write")

	// ErrInvalidWeight indicates an edge weight or score outside [0,1].
	ErrInvalidWeight = errors.New("weight out of range")

	// ErrSignatureInvalid indicates a signature that does not verify
	// against the signer's registered key.
	ErrSignatureInvalid = errors.New("signature invalid")

	// ErrStaleHead indicates a ledger append raced another writer; the
	// caller should re-read the head and retry.
	ErrStaleHead = errors.New("stale ledger head")

	// ErrProofInvalid indicates a merkle inclusion proof that does not
	// reproduce its checkpoint root.
	ErrProofInvalid = errors.New("inclusion proof invalid")

	// ErrChainBroken indicates ledger verification found an altered or
	// missing block. It is never repaired automatically.
	ErrChainBroken = errors.New("ledger chain broken")
)
