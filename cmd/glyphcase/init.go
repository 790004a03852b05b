// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/pdiddy/glyphcase/internal/capsule"
	"github.com/pdiddy/glyphcase/pkg/types"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a new capsule file",
	Long: `Init creates the capsule SQLite file with its full schema (archive,
indexes, ledger) and registers the local signing key so subsequent
writes can be verified. Running init on an existing capsule is safe.`,
	RunE: runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	cfg := capsuleConfig(cmd)
	c, err := capsule.Create(cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	signer, err := loadSigner(cmd)
	if err != nil {
		return err
	}
	doc, err := signer.DIDDocument()
	if err != nil {
		return err
	}
	keyID, _ := cmd.Flags().GetString("key-id")
	err = c.RegisterKey(context.Background(), types.KeyRecord{
		KeyID:       keyID,
		DID:         signer.DID(),
		DIDDocument: doc,
		ValidFrom:   time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	fmt.Printf("Capsule ready: %s\n", cfg.Path)
	fmt.Printf("Registered signer %s as %s\n", keyID, signer.DID())
	return nil
}

func init() {
	initCmd.Flags().String("key-id", "key001", "registry id for the local signing key")
	initCmd.Flags().String("signing-seed", "", "hex ed25519 seed (default: .secrets/signing-key)")

	rootCmd.AddCommand(initCmd)
}
