// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var rebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Reconstruct the accelerator indexes from archive bytes",
	Long: `Rebuild re-derives every index row (metadata, FTS, entities, graph
nodes, vector staleness markers) from the canonical archive entries.
Use it after detecting accelerator corruption; the archive and ledger
are never touched.`,
	RunE: runRebuild,
}

func runRebuild(cmd *cobra.Command, args []string) error {
	docID, _ := cmd.Flags().GetString("doc")
	if docID == "" {
		return fmt.Errorf("--doc is required")
	}

	c, err := openCapsule(cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	n, err := c.Rebuild(context.Background(), docID)
	if err != nil {
		return err
	}
	fmt.Printf("Rebuilt %d pages of %s\n", n, docID)
	return nil
}

// --- warm subcommand ---

var warmCmd = &cobra.Command{
	Use:   "warm",
	Short: "Precompute stale page vectors",
	Long: `Warm embeds every page whose cached vector is marked stale so queries
do not pay embedding latency on first use.`,
	RunE: runWarm,
}

func runWarm(cmd *cobra.Command, args []string) error {
	c, err := openCapsule(cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.WarmVectors(context.Background()); err != nil {
		return err
	}
	fmt.Println("Vector cache warm.")
	return nil
}

func init() {
	rebuildCmd.Flags().String("doc", "", "document id to rebuild")

	rootCmd.AddCommand(rebuildCmd)
	rootCmd.AddCommand(warmCmd)
}
