package main

import (
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/Lllllllleong/documentledger/internal/catalog"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "Print every catalog entry as JSON",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := catalog.Open(cmd.Context(), dbPath())
		if err != nil {
			return err
		}
		defer store.Close()

		entries, err := store.ListAll(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), entries)
	},
}

var getCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Print one catalog entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return errors.Newf("id must be an integer, got %q", args[0])
		}
		store, err := catalog.Open(cmd.Context(), dbPath())
		if err != nil {
			return err
		}
		defer store.Close()

		entry, err := store.GetByID(cmd.Context(), id)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), entry)
	},
}

var (
	searchField string
	searchQuery string
)

var searchCmd = &cobra.Command{
	Use:   "search",
	Short: "Substring search on one catalog field",
	Long:  "Substring search on one catalog field. Searchable fields: " + strings.Join(catalog.SearchFields(), ", "),
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := catalog.Open(cmd.Context(), dbPath())
		if err != nil {
			return err
		}
		defer store.Close()

		entries, err := store.SearchByField(cmd.Context(), searchField, searchQuery)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), entries)
	},
}

var analyticsCmd = &cobra.Command{
	Use:   "analytics <genre|difficulty>",
	Short: "Count catalog entries per value of a field",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := catalog.Open(cmd.Context(), dbPath())
		if err != nil {
			return err
		}
		defer store.Close()

		counts, err := store.CountByField(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), counts)
	},
}

func init() {
	searchCmd.Flags().StringVar(&searchField, "field", "", "Field to search")
	searchCmd.Flags().StringVar(&searchQuery, "q", "", "Substring to look for")
	_ = searchCmd.MarkFlagRequired("field")
}
