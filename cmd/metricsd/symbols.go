package main

import (
	"context"
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/mohamedkhairy/upbit-metrics/internal/models"
	"github.com/mohamedkhairy/upbit-metrics/internal/storage"
	"github.com/spf13/cobra"
)

var symbolsActiveOnly bool

// symbolsCmd edits the symbol table directly. A running service picks the
// changes up on restart; use the HTTP API for live changes.
var symbolsCmd = &cobra.Command{
	Use:   "symbols",
	Short: "Manage the monitored symbol table",
}

var symbolsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List monitored symbols",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSymbolStore(func(ctx context.Context, store storage.SymbolStore) error {
			var filter *bool
			if symbolsActiveOnly {
				filter = &symbolsActiveOnly
			}
			symbols, err := store.List(ctx, filter)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "SYMBOL\tACTIVE\tCREATED\tUPDATED")
			for _, s := range symbols {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.Code, strconv.FormatBool(s.IsActive),
					s.CreatedAt.UTC().Format(time.RFC3339), s.UpdatedAt.UTC().Format(time.RFC3339))
			}
			return w.Flush()
		})
	},
}

var symbolsAddCmd = &cobra.Command{
	Use:   "add SYMBOL...",
	Short: "Add or reactivate symbols",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSymbolStore(func(ctx context.Context, store storage.SymbolStore) error {
			now := time.Now().UTC()
			for _, arg := range args {
				code, err := models.NormalizeSymbol(arg)
				if err != nil {
					return fmt.Errorf("%q: %w", arg, err)
				}
				sym := models.Symbol{Code: code, IsActive: true, CreatedAt: now, UpdatedAt: now}
				if err := store.Upsert(ctx, sym); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "added %s\n", code)
			}
			return nil
		})
	},
}

var symbolsRemoveCmd = &cobra.Command{
	Use:   "remove SYMBOL...",
	Short: "Deactivate symbols",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSymbolStore(func(ctx context.Context, store storage.SymbolStore) error {
			for _, arg := range args {
				code, err := models.NormalizeSymbol(arg)
				if err != nil {
					return fmt.Errorf("%q: %w", arg, err)
				}
				if err := store.SetActive(ctx, code, false); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", code)
			}
			return nil
		})
	},
}

func init() {
	symbolsListCmd.Flags().BoolVar(&symbolsActiveOnly, "active", false, "Only list active symbols")

	symbolsCmd.AddCommand(symbolsListCmd)
	symbolsCmd.AddCommand(symbolsAddCmd)
	symbolsCmd.AddCommand(symbolsRemoveCmd)
}

func withSymbolStore(fn func(ctx context.Context, store storage.SymbolStore) error) error {
	cfg, err := setup()
	if err != nil {
		return err
	}
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return fn(ctx, storage.NewPostgresSymbolStore(db, cfg.API.QueryTimeout))
}
