// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pdiddy/glyphcase/internal/retrieval"
)

var queryCmd = &cobra.Command{
	Use:   "query [text]",
	Short: "Run hybrid retrieval over the capsule",
	Long: `Query fuses keyword (FTS5/bm25), vector similarity, and entity match
signals, then augments the result set through the relation graph. Each
result carries a per-signal score breakdown.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runQuery,
}

func runQuery(cmd *cobra.Command, args []string) error {
	c, err := openCapsule(cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	limit, _ := cmd.Flags().GetInt("limit")
	results, err := c.Query(context.Background(), strings.Join(args, " "), limit)
	if err != nil {
		return err
	}

	jsonOutput, _ := cmd.Flags().GetBool("json")
	return formatQueryOutput(results, jsonOutput)
}

func formatQueryOutput(results []retrieval.Result, jsonOutput bool) error {
	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	}

	if len(results) == 0 {
		fmt.Println("No results found.")
		return nil
	}

	fmt.Fprintf(os.Stdout, "%-4s  %-20s  %-40s  %-7s  %s\n",
		"Rank", "GID", "Title", "Score", "Signals")
	fmt.Fprintln(os.Stdout, strings.Repeat("-", 90))

	for i, r := range results {
		title := r.Title
		if len(title) > 40 {
			title = title[:37] + "..."
		}
		signals := fmt.Sprintf("kw=%.2f vec=%.2f ent=%.2f",
			r.Explanation.Keyword, r.Explanation.Vector, r.Explanation.Entity)
		if r.Explanation.GraphDerived {
			signals = fmt.Sprintf("via %s [%s]", r.Explanation.Parent, r.Explanation.Predicate)
		}
		fmt.Fprintf(os.Stdout, "%-4d  %-20s  %-40s  %-7.4f  %s\n",
			i+1, r.GID, title, r.Score, signals)
	}

	fmt.Fprintf(os.Stdout, "\n%d results\n", len(results))
	return nil
}

// --- neighbors subcommand ---

var neighborsCmd = &cobra.Command{
	Use:   "neighbors [gid]",
	Short: "Show an item's cached graph neighbors",
	Args:  cobra.ExactArgs(1),
	RunE:  runNeighbors,
}

func runNeighbors(cmd *cobra.Command, args []string) error {
	c, err := openCapsule(cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx := context.Background()
	hops, _ := cmd.Flags().GetInt("hops")
	if hops > 1 {
		maxNodes, _ := cmd.Flags().GetInt("max-nodes")
		predicates, _ := cmd.Flags().GetStringSlice("pred")
		traversals, truncated, err := c.Expand(ctx, args[0], predicates, hops, maxNodes)
		if err != nil {
			return err
		}
		for _, tr := range traversals {
			fmt.Printf("%-20s  hop=%d  product=%.4f  via %s [%s]\n",
				tr.GID, tr.Hops, tr.WeightProduct, tr.Via, tr.Predicate)
		}
		if truncated {
			fmt.Println("(truncated at node budget)")
		}
		return nil
	}

	k, _ := cmd.Flags().GetInt("limit")
	hints, err := c.Neighbors(ctx, args[0], k)
	if err != nil {
		return err
	}
	if len(hints) == 0 {
		fmt.Println("No neighbors.")
		return nil
	}
	for _, h := range hints {
		fmt.Printf("%-20s  score=%.4f  %s\n", h.Neighbor, h.Score, h.Reason)
	}
	return nil
}

func init() {
	queryCmd.Flags().Int("limit", 10, "maximum results")
	queryCmd.Flags().Bool("json", false, "output results as JSON")

	neighborsCmd.Flags().Int("hops", 1, "expansion depth (1 = direct hints)")
	neighborsCmd.Flags().Int("max-nodes", 50, "node budget for multi-hop expansion")
	neighborsCmd.Flags().StringSlice("pred", nil, "restrict to these edge predicates (empty = all)")
	neighborsCmd.Flags().Int("limit", 0, "max direct hints to show (0 = all)")

	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(neighborsCmd)
}
