package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/Lllllllleong/documentledger/internal/catalog"
	"github.com/Lllllllleong/documentledger/internal/services"
)

var (
	similarK     int
	clusterCount int
)

// openSemantic opens the catalog and the semantic index configured by
// VECTOR_STORE. The caller closes the returned store.
func openSemantic(ctx context.Context) (*catalog.Store, *services.SemanticIndex, error) {
	cfg := services.LoadSemanticConfig()
	if !cfg.Enabled() {
		return nil, nil, errors.New("semantic search is disabled; set VECTOR_STORE to sqlite or qdrant")
	}
	store, err := catalog.Open(ctx, dbPath())
	if err != nil {
		return nil, nil, err
	}
	index, err := services.NewSemanticIndexFromConfig(cfg, store)
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	return store, index, nil
}

var similarCmd = &cobra.Command{
	Use:   "similar <query>",
	Short: "Find the catalog entries closest in meaning to a query",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, index, err := openSemantic(cmd.Context())
		if err != nil {
			return err
		}
		defer store.Close()

		results, err := index.Search(cmd.Context(), strings.Join(args, " "), similarK)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), results)
	},
}

var clustersCmd = &cobra.Command{
	Use:   "clusters",
	Short: "Group indexed catalog entries by embedding similarity",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, index, err := openSemantic(cmd.Context())
		if err != nil {
			return err
		}
		defer store.Close()

		clusters, err := index.Clusters(cmd.Context(), clusterCount)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), clusters)
	},
}

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Embed catalog entries that are missing from the semantic index",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, index, err := openSemantic(cmd.Context())
		if err != nil {
			return err
		}
		defer store.Close()

		indexed, err := index.Backfill(cmd.Context())
		fmt.Fprintf(cmd.OutOrStdout(), "indexed %d entries\n", indexed)
		return err
	},
}

func init() {
	similarCmd.Flags().IntVarP(&similarK, "k", "k", services.DefaultSemanticK, "Number of results")
	clustersCmd.Flags().IntVarP(&clusterCount, "n", "n", services.DefaultClusterCount, "Number of clusters")
}
