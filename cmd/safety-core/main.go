package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configFile string
	envFile    string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "safety-core",
	Short: "Trading safety gate, allocation limiter and portfolio rebalancer",
	Long: `safety-core guards every order before it reaches the broker. It enforces
per-symbol cooldowns and trade limits, caps exposure per asset module and
periodically rebalances the live Alpaca portfolio.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to YAML configuration file (optional)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env", ".env", "Environment file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log level (debug, info, warn, error)")

	rootCmd.AddCommand(serveCmd, statusCmd, rebalanceCmd, tradeCmd, reportCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
