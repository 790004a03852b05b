// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package ledger maintains the capsule's provenance record: the
// hash-chained block log, the key registry, merkle checkpoints, and
// per-item inclusion receipts. Implements: prd006-ledger (R1-R5).
//
// The ledger is append-only. Verification never mutates; a broken chain
// is reported, not repaired.
package ledger

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pdiddy/glyphcase/pkg/types"
)

// DBTX is the subset of database/sql operations the ledger needs. Both
// *sql.DB and *sql.Tx satisfy it.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Ledger reads and writes the provenance tables.
type Ledger struct {
	db  DBTX
	now func() time.Time
}

// New returns a Ledger bound to db.
func New(db DBTX) *Ledger {
	return &Ledger{db: db, now: time.Now}
}

// Head returns the latest block: the one no other block references as
// prev. An empty ledger returns types.ErrNotFound; callers then append
// against types.GenesisPrev.
func (l *Ledger) Head(ctx context.Context) (types.LedgerBlock, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT block_id, ts, prev, entries_json, signer, sig, anchors_json
		 FROM ledger_blocks
		 WHERE block_id NOT IN (SELECT prev FROM ledger_blocks)
		 ORDER BY ts DESC LIMIT 1`,
	)
	return scanBlockFrom(row)
}

// Block returns the block with the given id, or types.ErrNotFound.
func (l *Ledger) Block(ctx context.Context, blockID string) (types.LedgerBlock, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT block_id, ts, prev, entries_json, signer, sig, anchors_json
		 FROM ledger_blocks WHERE block_id = ?`,
		blockID,
	)
	return scanBlockFrom(row)
}

// Append commits entries as a new block linked to prev (R1.1, R1.4).
// prev must be the head the caller observed: if another writer appended
// in between, Append returns types.ErrStaleHead and the caller re-reads
// and retries. The signature is produced by signer over the canonical
// entries JSON and verified against the signer's registered key before
// the block is written.
func (l *Ledger) Append(ctx context.Context, prev string, entries []types.Operation, signer Signer, anchors []string) (types.LedgerBlock, error) {
	if len(entries) == 0 {
		return types.LedgerBlock{}, fmt.Errorf("appending empty block")
	}

	head, err := l.Head(ctx)
	currentHead := types.GenesisPrev
	switch {
	case err == nil:
		currentHead = head.BlockID
	case err != types.ErrNotFound:
		return types.LedgerBlock{}, err
	}
	if prev != currentHead {
		return types.LedgerBlock{}, fmt.Errorf(
			"append against %s but head is %s: %w", prev, currentHead, types.ErrStaleHead)
	}

	entriesJSON, err := json.Marshal(entries)
	if err != nil {
		return types.LedgerBlock{}, fmt.Errorf("encoding entries: %w", err)
	}

	sig, err := signer.Sign(entriesJSON)
	if err != nil {
		return types.LedgerBlock{}, fmt.Errorf("signing entries: %w", err)
	}
	sigStr := "ed25519:" + hex.EncodeToString(sig)

	ts := l.now().UTC().Format(time.RFC3339Nano)
	if err := l.verifySignature(ctx, signer.DID(), entriesJSON, sigStr, ts); err != nil {
		return types.LedgerBlock{}, err
	}

	block := types.LedgerBlock{
		BlockID: blockID(prev, entriesJSON, ts, signer.DID()),
		TS:      ts,
		Prev:    prev,
		Entries: entries,
		Signer:  signer.DID(),
		Sig:     sigStr,
		Anchors: anchors,
	}

	anchorsJSON, err := encodeAnchors(anchors)
	if err != nil {
		return types.LedgerBlock{}, err
	}
	// The insert re-checks the head inside a single statement so two
	// writers racing on the same observed head cannot both commit.
	res, err := l.db.ExecContext(ctx,
		`INSERT INTO ledger_blocks (block_id, ts, prev, entries_json, signer, sig, anchors_json)
		 SELECT ?, ?, ?, ?, ?, ?, ?
		 WHERE ? = COALESCE(
			(SELECT block_id FROM ledger_blocks
			 WHERE block_id NOT IN (SELECT prev FROM ledger_blocks)
			 ORDER BY ts DESC LIMIT 1), ?)`,
		block.BlockID, block.TS, block.Prev, string(entriesJSON), block.Signer, block.Sig, anchorsJSON,
		prev, types.GenesisPrev,
	)
	if err != nil {
		return types.LedgerBlock{}, fmt.Errorf("writing block %s: %w", block.BlockID, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return types.LedgerBlock{}, err
	} else if n == 0 {
		return types.LedgerBlock{}, fmt.Errorf("append against %s lost a concurrent write: %w", prev, types.ErrStaleHead)
	}
	return block, nil
}

// VerifyChain walks the chain from genesis and checks every block's
// hash linkage and entry signature (R3.1-R3.3). It returns nil for an
// intact chain, types.ErrChainBroken naming the first bad block
// otherwise. An empty ledger is intact.
func (l *Ledger) VerifyChain(ctx context.Context) error {
	rows, err := l.db.QueryContext(ctx,
		`SELECT block_id, ts, prev, entries_json, signer, sig, anchors_json FROM ledger_blocks`,
	)
	if err != nil {
		return fmt.Errorf("reading ledger blocks: %w", err)
	}
	defer rows.Close()

	byPrev := make(map[string]types.LedgerBlock)
	total := 0
	for rows.Next() {
		block, err := scanBlockFrom(rows)
		if err != nil {
			return err
		}
		if _, dup := byPrev[block.Prev]; dup {
			return fmt.Errorf("blocks fork at prev %s: %w", block.Prev, types.ErrChainBroken)
		}
		byPrev[block.Prev] = block
		total++
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterating ledger blocks: %w", err)
	}

	walked := 0
	prev := types.GenesisPrev
	for {
		block, ok := byPrev[prev]
		if !ok {
			break
		}
		entriesJSON, err := json.Marshal(block.Entries)
		if err != nil {
			return fmt.Errorf("encoding entries of %s: %w", block.BlockID, err)
		}
		if blockID(block.Prev, entriesJSON, block.TS, block.Signer) != block.BlockID {
			return fmt.Errorf("block %s hash mismatch: %w", block.BlockID, types.ErrChainBroken)
		}
		if err := l.verifySignature(ctx, block.Signer, entriesJSON, block.Sig, block.TS); err != nil {
			return fmt.Errorf("block %s: %w", block.BlockID, err)
		}
		walked++
		prev = block.BlockID
	}

	if walked != total {
		return fmt.Errorf("%d of %d blocks unreachable from genesis: %w",
			total-walked, total, types.ErrChainBroken)
	}
	return nil
}

// RegisterKey stores a key record (R2.2). Registration is external
// trust input; the ledger never creates or rotates keys itself.
func (l *Ledger) RegisterKey(ctx context.Context, rec types.KeyRecord) error {
	validUntil := any(nil)
	if !rec.ValidUntil.IsZero() {
		validUntil = rec.ValidUntil.UTC().Format(time.RFC3339Nano)
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO keys (key_id, did, did_document, valid_from, valid_until, revoked)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(key_id) DO UPDATE SET
		   did = excluded.did,
		   did_document = excluded.did_document,
		   valid_from = excluded.valid_from,
		   valid_until = excluded.valid_until,
		   revoked = excluded.revoked`,
		rec.KeyID, rec.DID, rec.DIDDocument,
		rec.ValidFrom.UTC().Format(time.RFC3339Nano), validUntil, rec.Revoked,
	)
	if err != nil {
		return fmt.Errorf("registering key %s: %w", rec.KeyID, err)
	}
	return nil
}

// Key returns the registered record for did, or types.ErrNotFound.
func (l *Ledger) Key(ctx context.Context, did string) (types.KeyRecord, error) {
	var rec types.KeyRecord
	var validFrom string
	var validUntil sql.NullString
	err := l.db.QueryRowContext(ctx,
		`SELECT key_id, did, did_document, valid_from, valid_until, revoked
		 FROM keys WHERE did = ?`,
		did,
	).Scan(&rec.KeyID, &rec.DID, &rec.DIDDocument, &validFrom, &validUntil, &rec.Revoked)
	if err == sql.ErrNoRows {
		return types.KeyRecord{}, types.ErrNotFound
	}
	if err != nil {
		return types.KeyRecord{}, fmt.Errorf("reading key for %s: %w", did, err)
	}

	rec.ValidFrom, err = time.Parse(time.RFC3339Nano, validFrom)
	if err != nil {
		return types.KeyRecord{}, fmt.Errorf("parsing valid_from for %s: %w", did, err)
	}
	if validUntil.Valid && validUntil.String != "" {
		rec.ValidUntil, err = time.Parse(time.RFC3339Nano, validUntil.String)
		if err != nil {
			return types.KeyRecord{}, fmt.Errorf("parsing valid_until for %s: %w", did, err)
		}
	}
	return rec, nil
}

// verifySignature checks sig over data against did's registered key at
// time ts. Unknown, revoked, and out-of-window keys all fail closed.
func (l *Ledger) verifySignature(ctx context.Context, did string, data []byte, sig, ts string) error {
	rec, err := l.Key(ctx, did)
	if err == types.ErrNotFound {
		return fmt.Errorf("signer %s has no registered key: %w", did, types.ErrSignatureInvalid)
	}
	if err != nil {
		return err
	}
	if rec.Revoked {
		return fmt.Errorf("signer %s key revoked: %w", did, types.ErrSignatureInvalid)
	}

	at, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return fmt.Errorf("parsing block timestamp: %w", err)
	}
	if at.Before(rec.ValidFrom) || (!rec.ValidUntil.IsZero() && at.After(rec.ValidUntil)) {
		return fmt.Errorf("signer %s key not valid at %s: %w", did, ts, types.ErrSignatureInvalid)
	}

	var doc struct {
		PublicKeyHex string `json:"publicKeyHex"`
	}
	if err := json.Unmarshal([]byte(rec.DIDDocument), &doc); err != nil {
		return fmt.Errorf("decoding did document of %s: %w", did, err)
	}
	pub, err := hex.DecodeString(doc.PublicKeyHex)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("signer %s public key malformed: %w", did, types.ErrSignatureInvalid)
	}

	raw, ok := strings.CutPrefix(sig, "ed25519:")
	if !ok {
		return fmt.Errorf("signature scheme of %q unsupported: %w", sig, types.ErrSignatureInvalid)
	}
	sigBytes, err := hex.DecodeString(raw)
	if err != nil {
		return fmt.Errorf("decoding signature: %w", types.ErrSignatureInvalid)
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), data, sigBytes) {
		return fmt.Errorf("signature by %s does not verify: %w", did, types.ErrSignatureInvalid)
	}
	return nil
}

// blockID derives the block hash from its linkage fields.
func blockID(prev string, entriesJSON []byte, ts, signer string) string {
	h := sha256.New()
	h.Write([]byte(prev))
	h.Write(entriesJSON)
	h.Write([]byte(ts))
	h.Write([]byte(signer))
	return hex.EncodeToString(h.Sum(nil))
}

func encodeAnchors(anchors []string) (any, error) {
	if len(anchors) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(anchors)
	if err != nil {
		return nil, fmt.Errorf("encoding anchors: %w", err)
	}
	return string(data), nil
}

func decodeAnchors(anchorsJSON sql.NullString) ([]string, error) {
	if !anchorsJSON.Valid || anchorsJSON.String == "" {
		return nil, nil
	}
	var anchors []string
	if err := json.Unmarshal([]byte(anchorsJSON.String), &anchors); err != nil {
		return nil, fmt.Errorf("decoding anchors: %w", err)
	}
	return anchors, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBlockFrom(s rowScanner) (types.LedgerBlock, error) {
	var block types.LedgerBlock
	var entriesJSON string
	var anchorsJSON sql.NullString
	err := s.Scan(&block.BlockID, &block.TS, &block.Prev, &entriesJSON,
		&block.Signer, &block.Sig, &anchorsJSON)
	if err == sql.ErrNoRows {
		return types.LedgerBlock{}, types.ErrNotFound
	}
	if err != nil {
		return types.LedgerBlock{}, fmt.Errorf("scanning ledger block: %w", err)
	}
	if err := json.Unmarshal([]byte(entriesJSON), &block.Entries); err != nil {
		return types.LedgerBlock{}, fmt.Errorf("decoding entries of %s: %w", block.BlockID, err)
	}
	block.Anchors, err = decodeAnchors(anchorsJSON)
	if err != nil {
		return types.LedgerBlock{}, err
	}
	return block, nil
}

