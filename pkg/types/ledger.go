// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package types

import "time"

// GenesisPrev is the prev pointer of the first ledger block.
const GenesisPrev = "genesis"

// OperationKind names a ledger operation record.
// Per prd006-ledger R1.2.
type OperationKind string

const (
	OpAdd       OperationKind = "ADD"
	OpSupersede OperationKind = "SUPERSEDE"
	OpAddEdge   OperationKind = "ADD_EDGE"
)

// Operation is one entry inside a ledger block. Operations are serialized
// as canonical JSON; that serialization is what the block signature covers.
// Per prd006-ledger R1.2-R1.3.
type Operation struct {
	// Op is the operation kind.
	Op OperationKind `json:"op"`

	// GID identifies the affected item. For ADD_EDGE it is the from-gid.
	GID string `json:"gid"`

	// ContentSHA is the SHA-256 of the item's canonical text after the
	// operation. Empty for ADD_EDGE.
	ContentSHA string `json:"content_sha,omitempty"`

	// Detail carries operation-specific context (title for ADD, the
	// "to predicate" pair for ADD_EDGE, the superseded hash for SUPERSEDE).
	Detail string `json:"detail,omitempty"`
}

// LedgerBlock is one immutable block in the hash chain. BlockID is derived
// from hashing (prev, entries, ts, signer); blocks link through Prev back
// to the genesis sentinel. Per prd006-ledger R1.
type LedgerBlock struct {
	// BlockID is the SHA-256 hex of prev || entries JSON || ts || signer.
	BlockID string `json:"block_id" yaml:"block_id"`

	// TS is the block timestamp (UTC RFC3339Nano), stamped by the engine.
	TS string `json:"ts" yaml:"ts"`

	// Prev is the preceding block id, or GenesisPrev for the first block.
	Prev string `json:"prev" yaml:"prev"`

	// Entries are the operations the block commits.
	Entries []Operation `json:"entries" yaml:"entries"`

	// Signer is the DID of the key that signed the entries.
	Signer string `json:"signer" yaml:"signer"`

	// Sig is the caller-supplied signature over the canonical entries JSON.
	Sig string `json:"sig" yaml:"sig"`

	// Anchors are opaque external anchor strings (e.g. "ipfs:Qm…"),
	// stored but never verified.
	Anchors []string `json:"anchors,omitempty" yaml:"anchors,omitempty"`
}

// Checkpoint is a merkle snapshot over the content hashes of all current
// items, leaves sorted by gid. Per prd006-ledger R4.
type Checkpoint struct {
	// Epoch identifies the checkpoint (its creation timestamp).
	Epoch string `json:"epoch" yaml:"epoch"`

	// MerkleRoot is the root over all item content hashes.
	MerkleRoot string `json:"merkle_root" yaml:"merkle_root"`

	// ItemCount is the number of leaves.
	ItemCount int `json:"item_count" yaml:"item_count"`

	// Anchors are opaque external anchor strings.
	Anchors []string `json:"anchors,omitempty" yaml:"anchors,omitempty"`

	// CreatedTS records when the checkpoint was computed.
	CreatedTS time.Time `json:"created_ts" yaml:"created_ts"`
}

// MerkleStep is one sibling hash on an inclusion path. Left reports
// whether the sibling sits to the left of the running hash.
type MerkleStep struct {
	Hash string `json:"hash" yaml:"hash"`
	Left bool   `json:"left" yaml:"left"`
}

// Receipt proves a specific item's content hash was included in a specific
// checkpoint. Per prd006-ledger R5.
type Receipt struct {
	// GID identifies the item.
	GID string `json:"gid" yaml:"gid"`

	// ContentSHA is the item's content hash at receipt time.
	ContentSHA string `json:"content_sha" yaml:"content_sha"`

	// Signer and Sig attribute the receipt; signing is external.
	Signer string `json:"signer" yaml:"signer"`
	Sig    string `json:"sig" yaml:"sig"`

	// TS records when the receipt was issued.
	TS time.Time `json:"ts" yaml:"ts"`

	// Epoch and MerkleRoot name the checkpoint the receipt proves
	// inclusion in.
	Epoch      string `json:"epoch" yaml:"epoch"`
	MerkleRoot string `json:"merkle_root" yaml:"merkle_root"`

	// MerklePath is the inclusion path from the content hash to the root.
	MerklePath []MerkleStep `json:"merkle_path" yaml:"merkle_path"`

	// Anchors are opaque external anchor strings.
	Anchors []string `json:"anchors,omitempty" yaml:"anchors,omitempty"`
}

// KeyRecord is external trust material: a registered signing key. The
// engine verifies against key records but never issues or rotates them.
// Per prd006-ledger R2.2.
type KeyRecord struct {
	// KeyID is the registry key.
	KeyID string `json:"key_id" yaml:"key_id"`

	// DID is the signer identifier blocks reference.
	DID string `json:"did" yaml:"did"`

	// DIDDocument is the JSON DID document; the engine reads the
	// "publicKeyHex" field of its verification method.
	DIDDocument string `json:"did_document" yaml:"did_document"`

	// ValidFrom and ValidUntil bound the key's validity window.
	// A zero ValidUntil means no expiry.
	ValidFrom  time.Time `json:"valid_from" yaml:"valid_from"`
	ValidUntil time.Time `json:"valid_until,omitempty" yaml:"valid_until,omitempty"`

	// Revoked marks the key unusable for verification.
	Revoked bool `json:"revoked" yaml:"revoked"`
}
