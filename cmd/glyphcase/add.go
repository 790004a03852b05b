// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pdiddy/glyphcase/internal/capsule"
	"github.com/pdiddy/glyphcase/pkg/types"
)

var addCmd = &cobra.Command{
	Use:   "add",
	Short: "Ingest a page into the capsule",
	Long: `Add stores a page's canonical text in the archive, derives the keyword,
entity, graph, and vector index rows, and commits a signed ADD operation
to the ledger, all atomically. Re-adding identical text is a no-op;
changed text requires --supersede.

Text comes from --text, --text-file, or stdin.`,
	RunE: runAdd,
}

func runAdd(cmd *cobra.Command, args []string) error {
	docID, _ := cmd.Flags().GetString("doc")
	pageNo, _ := cmd.Flags().GetInt("page")
	if docID == "" || pageNo <= 0 {
		return fmt.Errorf("--doc and --page are required")
	}

	text, err := readText(cmd)
	if err != nil {
		return err
	}

	title, _ := cmd.Flags().GetString("title")
	tags, _ := cmd.Flags().GetString("tags")
	imagePath, _ := cmd.Flags().GetString("image")

	page := capsule.Page{
		DocID:  docID,
		PageNo: pageNo,
		Title:  title,
		Text:   text,
	}
	if tags != "" {
		page.Tags = strings.Fields(strings.ReplaceAll(tags, ",", " "))
	}
	if imagePath != "" {
		data, err := os.ReadFile(imagePath)
		if err != nil {
			return fmt.Errorf("reading page image: %w", err)
		}
		page.Image = data
	}

	c, err := openCapsule(cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	signer, err := loadSigner(cmd)
	if err != nil {
		return err
	}

	ctx := context.Background()
	supersede, _ := cmd.Flags().GetBool("supersede")

	var res capsule.WriteResult
	if supersede {
		res, err = c.SupersedePage(ctx, page, signer)
	} else {
		res, err = c.AddPage(ctx, page, signer)
	}
	if err != nil {
		return err
	}

	if res.BlockID == "" {
		fmt.Printf("Unchanged: %s (%s)\n", res.GID, res.ContentSHA[:12])
		return nil
	}
	fmt.Printf("Stored %s sha256=%s block=%s\n", res.GID, res.ContentSHA[:12], res.BlockID[:12])
	return nil
}

func readText(cmd *cobra.Command) (string, error) {
	if text, _ := cmd.Flags().GetString("text"); text != "" {
		return text, nil
	}
	if path, _ := cmd.Flags().GetString("text-file"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("reading page text: %w", err)
		}
		return string(data), nil
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("reading page text from stdin: %w", err)
	}
	if len(data) == 0 {
		return "", fmt.Errorf("no page text: use --text, --text-file, or stdin")
	}
	return string(data), nil
}

// --- link subcommand ---

var linkCmd = &cobra.Command{
	Use:   "link",
	Short: "Assert a typed relation between two items",
	Long: `Link adds a directed, weighted edge to the relation graph and commits a
signed ADD_EDGE operation. Re-linking the same (from, to, predicate)
updates the weight.`,
	RunE: runLink,
}

func runLink(cmd *cobra.Command, args []string) error {
	from, _ := cmd.Flags().GetString("from")
	to, _ := cmd.Flags().GetString("to")
	pred, _ := cmd.Flags().GetString("pred")
	if from == "" || to == "" || pred == "" {
		return fmt.Errorf("--from, --to, and --pred are required")
	}
	weight, _ := cmd.Flags().GetFloat64("weight")
	evidence, _ := cmd.Flags().GetString("evidence")

	c, err := openCapsule(cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	signer, err := loadSigner(cmd)
	if err != nil {
		return err
	}

	res, err := c.AddEdge(context.Background(), types.Edge{
		From:      from,
		To:        to,
		Predicate: pred,
		Weight:    weight,
		Evidence:  evidence,
	}, signer)
	if err != nil {
		return err
	}

	fmt.Printf("Linked %s -[%s %.2f]-> %s block=%s\n", from, pred, weight, to, res.BlockID[:12])
	return nil
}

func init() {
	addCmd.Flags().String("doc", "", "document id")
	addCmd.Flags().Int("page", 0, "1-based page number")
	addCmd.Flags().String("title", "", "page title")
	addCmd.Flags().String("tags", "", "comma or space separated tags")
	addCmd.Flags().String("text", "", "page text inline")
	addCmd.Flags().String("text-file", "", "file holding the page text")
	addCmd.Flags().String("image", "", "optional rendered page image")
	addCmd.Flags().Bool("supersede", false, "replace existing page content")
	addCmd.Flags().String("signing-seed", "", "hex ed25519 seed (default: .secrets/signing-key)")

	linkCmd.Flags().String("from", "", "source item gid")
	linkCmd.Flags().String("to", "", "destination item gid")
	linkCmd.Flags().String("pred", "", "relation predicate (cites, part_of, caption_of, ...)")
	linkCmd.Flags().Float64("weight", 1.0, "relation confidence in [0,1]")
	linkCmd.Flags().String("evidence", "", "free-form provenance note")
	linkCmd.Flags().String("signing-seed", "", "hex ed25519 seed (default: .secrets/signing-key)")

	rootCmd.AddCommand(addCmd)
	rootCmd.AddCommand(linkCmd)
}
