// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pdiddy/glyphcase/pkg/types"
)

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Verify and extend the capsule's provenance ledger",
	Long: `Ledger groups the provenance operations: verify walks the hash chain and
checks every signature, checkpoint snapshots the current page set under a
merkle root, and receipt issues a portable inclusion proof for one item.`,
}

// --- verify subcommand ---

var ledgerVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the ledger chain and capsule integrity",
	Long: `Verify checks the hash chain linkage and block signatures, compares every
page's indexed text against its archive bytes, and recomputes the latest
checkpoint's merkle root. Use --chain-only to skip the content checks.`,
	RunE: runLedgerVerify,
}

func runLedgerVerify(cmd *cobra.Command, args []string) error {
	c, err := openCapsule(cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx := context.Background()
	chainOnly, _ := cmd.Flags().GetBool("chain-only")
	if chainOnly {
		if err := c.VerifyChain(ctx); err != nil {
			return err
		}
		fmt.Println("Ledger chain intact.")
		return nil
	}

	if err := c.Verify(ctx); err != nil {
		return err
	}
	fmt.Println("Capsule verified: chain, archive, and checkpoint agree.")
	return nil
}

// --- checkpoint subcommand ---

var ledgerCheckpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Snapshot the page set under a merkle root",
	RunE:  runLedgerCheckpoint,
}

func runLedgerCheckpoint(cmd *cobra.Command, args []string) error {
	c, err := openCapsule(cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	anchors, _ := cmd.Flags().GetStringSlice("anchor")
	cp, err := c.Checkpoint(context.Background(), anchors)
	if err != nil {
		return err
	}

	fmt.Printf("Checkpoint %s\n", cp.Epoch)
	fmt.Printf("  merkle root: %s\n", cp.MerkleRoot)
	fmt.Printf("  items:       %d\n", cp.ItemCount)
	if len(cp.Anchors) > 0 {
		fmt.Printf("  anchors:     %s\n", strings.Join(cp.Anchors, ", "))
	}
	return nil
}

// --- receipt subcommand ---

var ledgerReceiptCmd = &cobra.Command{
	Use:   "receipt [gid]",
	Short: "Issue or verify an inclusion receipt for an item",
	Long: `Receipt issues a signed merkle inclusion proof for an item against the
latest checkpoint and prints it as JSON. With --verify, it reads a
receipt from the named file and checks it against the capsule instead.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runLedgerReceipt,
}

func runLedgerReceipt(cmd *cobra.Command, args []string) error {
	c, err := openCapsule(cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx := context.Background()

	if path, _ := cmd.Flags().GetString("verify"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading receipt: %w", err)
		}
		var r receiptFile
		if err := json.Unmarshal(data, &r); err != nil {
			return fmt.Errorf("decoding receipt: %w", err)
		}
		if err := c.VerifyReceipt(ctx, r.Receipt); err != nil {
			return err
		}
		fmt.Printf("Receipt valid: %s included in checkpoint %s\n", r.Receipt.GID, r.Receipt.Epoch)
		return nil
	}

	if len(args) == 0 {
		return fmt.Errorf("gid required to issue a receipt")
	}

	signer, err := loadSigner(cmd)
	if err != nil {
		return err
	}
	receipt, err := c.ReceiptFor(ctx, args[0], signer)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(receiptFile{Receipt: receipt})
}

// receiptFile is the portable receipt envelope.
type receiptFile struct {
	Receipt types.Receipt `json:"receipt"`
}

// --- head subcommand ---

var ledgerHeadCmd = &cobra.Command{
	Use:   "head",
	Short: "Show the current ledger head block",
	RunE:  runLedgerHead,
}

func runLedgerHead(cmd *cobra.Command, args []string) error {
	c, err := openCapsule(cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	head, err := c.Ledger().Head(context.Background())
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(head)
}

func init() {
	ledgerVerifyCmd.Flags().Bool("chain-only", false, "skip archive and checkpoint checks")
	ledgerCheckpointCmd.Flags().StringSlice("anchor", nil, "opaque external anchor (repeatable)")
	ledgerReceiptCmd.Flags().String("verify", "", "verify a receipt file instead of issuing")
	ledgerReceiptCmd.Flags().String("signing-seed", "", "hex ed25519 seed (default: .secrets/signing-key)")

	ledgerCmd.AddCommand(ledgerVerifyCmd)
	ledgerCmd.AddCommand(ledgerCheckpointCmd)
	ledgerCmd.AddCommand(ledgerReceiptCmd)
	ledgerCmd.AddCommand(ledgerHeadCmd)

	rootCmd.AddCommand(ledgerCmd)
}
