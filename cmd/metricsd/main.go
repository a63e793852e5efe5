package main

import (
	"fmt"
	"os"

	"github.com/mohamedkhairy/upbit-metrics/internal/config"
	"github.com/mohamedkhairy/upbit-metrics/pkg/logger"
	"github.com/spf13/cobra"
)

var logLevel string

// rootCmd is the base command for the metricsd CLI
var rootCmd = &cobra.Command{
	Use:   "metricsd",
	Short: "Real-time Upbit market microstructure metrics",
	Long: `metricsd ingests Upbit orderbook, trade, ticker and candle streams,
maintains per-symbol market state and serves spread, depth imbalance,
trade imbalance, slippage, volatility and liquidity metrics over HTTP.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override LOG_LEVEL (debug, info, warn, error)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(symbolsCmd)
	rootCmd.AddCommand(snapshotsCmd)
}

// setup loads configuration and initializes the global logger
func setup() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if err := logger.InitWithOptions(cfg.LogLevel, cfg.Environment, logger.Options{File: cfg.LogFile}); err != nil {
		return nil, err
	}
	return cfg, nil
}

func main() {
	defer logger.Sync()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
