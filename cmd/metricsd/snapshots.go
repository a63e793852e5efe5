package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mohamedkhairy/upbit-metrics/internal/models"
	"github.com/mohamedkhairy/upbit-metrics/internal/pubsub"
	"github.com/spf13/cobra"
)

var snapshotsCmd = &cobra.Command{
	Use:   "snapshots",
	Short: "Inspect published snapshots in Redis",
}

var snapshotsTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Print snapshots from the Redis stream as they are published",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cache, closeFn, err := openCache()
		if err != nil {
			return err
		}
		defer closeFn()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		enc := json.NewEncoder(cmd.OutOrStdout())
		return cache.Tail(ctx, func(snap *models.MetricsSnapshot) {
			enc.Encode(snap)
		})
	},
}

var snapshotsLatestCmd = &cobra.Command{
	Use:   "latest SYMBOL",
	Short: "Print the latest cached snapshot of a symbol",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		code, err := models.NormalizeSymbol(args[0])
		if err != nil {
			return err
		}
		cache, closeFn, err := openCache()
		if err != nil {
			return err
		}
		defer closeFn()

		snap, err := cache.Latest(context.Background(), code)
		if err != nil {
			return err
		}
		if snap == nil {
			return fmt.Errorf("no cached snapshot for %s", code)
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	},
}

func init() {
	snapshotsCmd.AddCommand(snapshotsTailCmd)
	snapshotsCmd.AddCommand(snapshotsLatestCmd)
}

func openCache() (*pubsub.SnapshotCache, func() error, error) {
	cfg, err := setup()
	if err != nil {
		return nil, nil, err
	}
	if !cfg.Redis.Enabled {
		return nil, nil, fmt.Errorf("redis is disabled (REDIS_ENABLED=false)")
	}
	client, err := pubsub.NewRedisClient(cfg.Redis)
	if err != nil {
		return nil, nil, err
	}
	return pubsub.NewSnapshotCache(client, cfg.Redis), client.Close, nil
}
