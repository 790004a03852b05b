// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package ledger

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pdiddy/glyphcase/pkg/types"
)

// Checkpoint computes and stores a merkle snapshot over leaves (R4.1,
// R4.2). The epoch is the creation timestamp, which also keys the row.
func (l *Ledger) Checkpoint(ctx context.Context, leaves []Leaf, anchors []string) (types.Checkpoint, error) {
	created := l.now().UTC()
	cp := types.Checkpoint{
		Epoch:      created.Format(time.RFC3339Nano),
		MerkleRoot: MerkleRoot(leaves),
		ItemCount:  len(leaves),
		Anchors:    anchors,
		CreatedTS:  created,
	}

	anchorsJSON, err := encodeAnchors(anchors)
	if err != nil {
		return types.Checkpoint{}, err
	}
	_, err = l.db.ExecContext(ctx,
		`INSERT INTO checkpoints (epoch, merkle_root, pages_count, anchors_json, created_ts)
		 VALUES (?, ?, ?, ?, ?)`,
		cp.Epoch, cp.MerkleRoot, cp.ItemCount, anchorsJSON, cp.Epoch,
	)
	if err != nil {
		return types.Checkpoint{}, fmt.Errorf("writing checkpoint %s: %w", cp.Epoch, err)
	}
	return cp, nil
}

// LatestCheckpoint returns the most recent checkpoint, or
// types.ErrNotFound when none has been taken.
func (l *Ledger) LatestCheckpoint(ctx context.Context) (types.Checkpoint, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT epoch, merkle_root, pages_count, anchors_json, created_ts
		 FROM checkpoints ORDER BY epoch DESC LIMIT 1`,
	)
	return scanCheckpoint(row)
}

// CheckpointAt returns the checkpoint for epoch, or types.ErrNotFound.
func (l *Ledger) CheckpointAt(ctx context.Context, epoch string) (types.Checkpoint, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT epoch, merkle_root, pages_count, anchors_json, created_ts
		 FROM checkpoints WHERE epoch = ?`,
		epoch,
	)
	return scanCheckpoint(row)
}

// ReceiptFor issues an inclusion receipt for gid against the latest
// checkpoint (R5.1, R5.2). The inclusion path is recomputed from the
// current leaves, so a receipt only issues while gid's content still
// belongs to the checkpointed set; signer attributes the receipt. The
// receipt is stored and returned.
func (l *Ledger) ReceiptFor(ctx context.Context, gid string, leaves []Leaf, signer Signer) (types.Receipt, error) {
	cp, err := l.LatestCheckpoint(ctx)
	if err == types.ErrNotFound {
		return types.Receipt{}, fmt.Errorf("no checkpoint to prove against: %w", types.ErrNotFound)
	}
	if err != nil {
		return types.Receipt{}, err
	}

	var contentSHA string
	for _, leaf := range leaves {
		if leaf.GID == gid {
			contentSHA = leaf.ContentSHA
			break
		}
	}
	if contentSHA == "" {
		return types.Receipt{}, fmt.Errorf("item %s: %w", gid, types.ErrNotFound)
	}

	path, err := ProofFor(leaves, gid)
	if err != nil {
		return types.Receipt{}, err
	}
	if !VerifyProof(contentSHA, path, cp.MerkleRoot) {
		return types.Receipt{}, fmt.Errorf(
			"item %s changed since checkpoint %s: %w", gid, cp.Epoch, types.ErrProofInvalid)
	}

	sig, err := signer.Sign([]byte(gid + "\x00" + contentSHA + "\x00" + cp.Epoch))
	if err != nil {
		return types.Receipt{}, fmt.Errorf("signing receipt for %s: %w", gid, err)
	}

	receipt := types.Receipt{
		GID:        gid,
		ContentSHA: contentSHA,
		Signer:     signer.DID(),
		Sig:        "ed25519:" + hex.EncodeToString(sig),
		TS:         l.now().UTC(),
		Epoch:      cp.Epoch,
		MerkleRoot: cp.MerkleRoot,
		MerklePath: path,
		Anchors:    cp.Anchors,
	}
	if err := l.storeReceipt(ctx, receipt); err != nil {
		return types.Receipt{}, err
	}
	return receipt, nil
}

// VerifyReceipt checks that receipt's content hash and inclusion path
// reproduce the merkle root of its recorded checkpoint (R5.3). A
// receipt for superseded content fails with types.ErrProofInvalid
// against any checkpoint taken after the change.
func (l *Ledger) VerifyReceipt(ctx context.Context, receipt types.Receipt) error {
	cp, err := l.CheckpointAt(ctx, receipt.Epoch)
	if err == types.ErrNotFound {
		return fmt.Errorf("checkpoint %s unknown: %w", receipt.Epoch, types.ErrNotFound)
	}
	if err != nil {
		return err
	}
	if receipt.MerkleRoot != cp.MerkleRoot {
		return fmt.Errorf("receipt root does not match checkpoint %s: %w",
			receipt.Epoch, types.ErrProofInvalid)
	}
	if !VerifyProof(receipt.ContentSHA, receipt.MerklePath, cp.MerkleRoot) {
		return fmt.Errorf("receipt for %s does not prove inclusion in %s: %w",
			receipt.GID, receipt.Epoch, types.ErrProofInvalid)
	}
	return nil
}

// Receipt returns the stored receipt for (gid, epoch), or
// types.ErrNotFound.
func (l *Ledger) Receipt(ctx context.Context, gid, epoch string) (types.Receipt, error) {
	var r types.Receipt
	var ts string
	var pathJSON, anchorsJSON sql.NullString
	err := l.db.QueryRowContext(ctx,
		`SELECT gid, content_sha, signer, sig, ts, epoch, merkle_root, merkle_path, anchors_json
		 FROM glyph_receipts WHERE gid = ? AND epoch = ?`,
		gid, epoch,
	).Scan(&r.GID, &r.ContentSHA, &r.Signer, &r.Sig, &ts, &r.Epoch,
		&r.MerkleRoot, &pathJSON, &anchorsJSON)
	if err == sql.ErrNoRows {
		return types.Receipt{}, types.ErrNotFound
	}
	if err != nil {
		return types.Receipt{}, fmt.Errorf("reading receipt for %s: %w", gid, err)
	}

	r.TS, err = time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return types.Receipt{}, fmt.Errorf("parsing receipt timestamp: %w", err)
	}
	if pathJSON.Valid && pathJSON.String != "" {
		if err := json.Unmarshal([]byte(pathJSON.String), &r.MerklePath); err != nil {
			return types.Receipt{}, fmt.Errorf("decoding merkle path for %s: %w", gid, err)
		}
	}
	r.Anchors, err = decodeAnchors(anchorsJSON)
	if err != nil {
		return types.Receipt{}, err
	}
	return r, nil
}

func (l *Ledger) storeReceipt(ctx context.Context, r types.Receipt) error {
	pathJSON, err := json.Marshal(r.MerklePath)
	if err != nil {
		return fmt.Errorf("encoding merkle path for %s: %w", r.GID, err)
	}
	anchorsJSON, err := encodeAnchors(r.Anchors)
	if err != nil {
		return err
	}
	_, err = l.db.ExecContext(ctx,
		`INSERT INTO glyph_receipts
		 (gid, content_sha, signer, sig, ts, epoch, merkle_root, merkle_path, anchors_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(gid, epoch) DO UPDATE SET
		   content_sha = excluded.content_sha,
		   signer = excluded.signer,
		   sig = excluded.sig,
		   ts = excluded.ts,
		   merkle_root = excluded.merkle_root,
		   merkle_path = excluded.merkle_path,
		   anchors_json = excluded.anchors_json`,
		r.GID, r.ContentSHA, r.Signer, r.Sig,
		r.TS.UTC().Format(time.RFC3339Nano), r.Epoch, r.MerkleRoot, string(pathJSON), anchorsJSON,
	)
	if err != nil {
		return fmt.Errorf("storing receipt for %s: %w", r.GID, err)
	}
	return nil
}

func scanCheckpoint(row *sql.Row) (types.Checkpoint, error) {
	var cp types.Checkpoint
	var created string
	var anchorsJSON sql.NullString
	err := row.Scan(&cp.Epoch, &cp.MerkleRoot, &cp.ItemCount, &anchorsJSON, &created)
	if err == sql.ErrNoRows {
		return types.Checkpoint{}, types.ErrNotFound
	}
	if err != nil {
		return types.Checkpoint{}, fmt.Errorf("scanning checkpoint: %w", err)
	}
	cp.CreatedTS, err = time.Parse(time.RFC3339Nano, created)
	if err != nil {
		return types.Checkpoint{}, fmt.Errorf("parsing checkpoint timestamp: %w", err)
	}
	cp.Anchors, err = decodeAnchors(anchorsJSON)
	if err != nil {
		return types.Checkpoint{}, err
	}
	return cp, nil
}
