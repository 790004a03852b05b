// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package main is the entry point for the glyphcase CLI.
// Implements: prd001-archive, prd002-metadata-index, prd004-graph-index,
//             prd005-retrieval, prd006-ledger (CLI surface).
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pdiddy/glyphcase/internal/capsule"
	"github.com/pdiddy/glyphcase/internal/ledger"
	"github.com/pdiddy/glyphcase/internal/secrets"
	"github.com/pdiddy/glyphcase/pkg/types"
)

// version is set at build time via ldflags.
var version = "dev"

// loadedSecrets holds key material loaded from .secrets/ at startup.
var loadedSecrets map[string]string

// secretDefault returns fallback if set, else the secret value for key.
func secretDefault(key, fallback string) string {
	if fallback != "" {
		return fallback
	}
	if v, ok := loadedSecrets[key]; ok {
		return v
	}
	return ""
}

// rootCmd is the base command for the glyphcase CLI.
var rootCmd = &cobra.Command{
	Use:   "glyphcase",
	Short: "Self-contained verifiable knowledge capsules",
	Long: `glyphcase manages knowledge capsules: single SQLite files bundling a
canonical archive, keyword, vector, entity, and graph indexes, and a
hash-chained provenance ledger.

Each operation is a subcommand: init creates a capsule, add and link
ingest content, query runs hybrid retrieval, ledger verifies provenance,
inspect and rebuild audit and repair the accelerators.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		s, err := secrets.Load(".secrets/")
		if err != nil {
			return err
		}
		loadedSecrets = s
		if len(s) > 0 {
			keys := make([]string, 0, len(s))
			for k := range s {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			fmt.Fprintf(os.Stderr, "Loaded secrets: %v\n", keys)
		}
		return nil
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("config", "", "config file (default: ./glyphcase.yaml or ~/.config/glyphcase/config.yaml)")
	rootCmd.PersistentFlags().String("capsule", "", "capsule file (default: capsule.mgx.sqlite or config)")
}

func initConfig() {
	cfgFile, _ := rootCmd.PersistentFlags().GetString("config")
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("glyphcase")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")

		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(filepath.Join(home, ".config", "glyphcase"))
		}
	}

	viper.SetEnvPrefix("GLYPHCASE")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// capsuleConfig assembles the engine config from flags, the config file,
// and loaded secrets.
func capsuleConfig(cmd *cobra.Command) types.CapsuleConfig {
	path, _ := cmd.Flags().GetString("capsule")
	if path == "" {
		path = viper.GetString("capsule.path")
	}
	if path == "" {
		path = "capsule.mgx.sqlite"
	}

	cfg := types.CapsuleConfig{
		Path: path,
		Vector: types.VectorConfig{
			ModelID:     viper.GetString("vector.model_id"),
			Dim:         viper.GetInt("vector.dim"),
			WarmWorkers: viper.GetInt("vector.warm_workers"),
		},
		Retrieval: types.RetrievalConfig{
			KeywordLimit:   viper.GetInt("retrieval.keyword_limit"),
			VectorLimit:    viper.GetInt("retrieval.vector_limit"),
			ExpandTopM:     viper.GetInt("retrieval.expand_top_m"),
			ExpandMaxHops:  viper.GetInt("retrieval.expand_max_hops"),
			ExpandMaxNodes: viper.GetInt("retrieval.expand_max_nodes"),
		},
		Embedding: types.EmbeddingConfig{
			Provider:   viper.GetString("embedding.provider"),
			APIKey:     secretDefault("openai-api-key", viper.GetString("embedding.api_key")),
			Timeout:    viper.GetDuration("embedding.timeout"),
			MaxRetries: viper.GetInt("embedding.max_retries"),
		},
	}
	return cfg
}

// openCapsule opens the configured capsule file.
func openCapsule(cmd *cobra.Command) (*capsule.Capsule, error) {
	return capsule.Open(capsuleConfig(cmd))
}

// loadSigner builds the local signer from the signing-key secret, or the
// --signing-seed flag when provided.
func loadSigner(cmd *cobra.Command) (*ledger.LocalSigner, error) {
	seed, _ := cmd.Flags().GetString("signing-seed")
	seed = secretDefault("signing-key", seed)
	if seed == "" {
		return nil, fmt.Errorf("no signing key: set .secrets/signing-key or --signing-seed")
	}
	return ledger.NewLocalSigner(seed)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
