// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Inspect capsule contents (pages, entities, export)",
}

// --- pages subcommand ---

var inspectPagesCmd = &cobra.Command{
	Use:   "pages",
	Short: "List every page in the capsule",
	RunE:  runInspectPages,
}

func runInspectPages(cmd *cobra.Command, args []string) error {
	c, err := openCapsule(cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	refs, err := c.Pages(context.Background())
	if err != nil {
		return err
	}
	if len(refs) == 0 {
		fmt.Println("Capsule is empty.")
		return nil
	}

	fmt.Fprintf(os.Stdout, "%-20s  %-15s  %s\n", "GID", "Document", "Page")
	fmt.Fprintln(os.Stdout, strings.Repeat("-", 45))
	for _, ref := range refs {
		fmt.Fprintf(os.Stdout, "%-20s  %-15s  %d\n", ref.GID, ref.DocID, ref.PageNo)
	}
	fmt.Fprintf(os.Stdout, "\n%d pages\n", len(refs))
	return nil
}

// --- entities subcommand ---

var inspectEntitiesCmd = &cobra.Command{
	Use:   "entities [gid]",
	Short: "Show extracted entities, per item or summarized by type",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runInspectEntities,
}

func runInspectEntities(cmd *cobra.Command, args []string) error {
	c, err := openCapsule(cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx := context.Background()

	if len(args) == 1 {
		ents, err := c.Entities(ctx, args[0])
		if err != nil {
			return err
		}
		if len(ents) == 0 {
			fmt.Println("No entities.")
			return nil
		}
		for _, e := range ents {
			fmt.Printf("%-10s  %-30s  norm=%-15s  conf=%.2f\n",
				e.Type, e.Text, e.Normalized, e.Confidence)
		}
		return nil
	}

	summary, err := c.EntitySummary(ctx)
	if err != nil {
		return err
	}
	if len(summary) == 0 {
		fmt.Println("No entities.")
		return nil
	}
	fmt.Fprintf(os.Stdout, "%-10s  %-15s  %s\n", "Type", "Unique", "Pages")
	fmt.Fprintln(os.Stdout, strings.Repeat("-", 35))
	for _, s := range summary {
		fmt.Fprintf(os.Stdout, "%-10s  %-15d  %d\n", s.Type, s.UniqueEntities, s.PagesWithEntity)
	}
	return nil
}

// --- export subcommand ---

var inspectExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the capsule manifest to YAML or JSON",
	Long: `Export writes the full capsule manifest (pages, entities, edges, ledger
head, and latest checkpoint) to stdout or --out.`,
	RunE: runInspectExport,
}

func runInspectExport(cmd *cobra.Command, args []string) error {
	c, err := openCapsule(cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	out := os.Stdout
	if path, _ := cmd.Flags().GetString("out"); path != "" {
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("creating export file: %w", err)
		}
		defer f.Close()
		out = f
	}

	ctx := context.Background()
	format, _ := cmd.Flags().GetString("format")
	switch format {
	case "yaml", "":
		return c.ExportYAML(ctx, out)
	case "json":
		return c.ExportJSON(ctx, out)
	default:
		return fmt.Errorf("unsupported format %q: use yaml or json", format)
	}
}

func init() {
	inspectExportCmd.Flags().String("format", "yaml", "export format: yaml or json")
	inspectExportCmd.Flags().String("out", "", "write to file instead of stdout")

	inspectCmd.AddCommand(inspectPagesCmd)
	inspectCmd.AddCommand(inspectEntitiesCmd)
	inspectCmd.AddCommand(inspectExportCmd)

	rootCmd.AddCommand(inspectCmd)
}
