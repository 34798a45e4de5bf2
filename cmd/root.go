package cmd

import (
	"github.com/spf13/cobra"
)

var (
	cfgFile  string
	logLevel string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "compose-pay",
	Short: "Multi-asset payment composer",
	Long: `compose-pay splits a USD purchase across several on-chain assets, builds the
approval and settlement calls for the compose contract and executes them through
a wallet, as one atomic batch when the wallet supports it and as resumable
sequential transactions otherwise.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.toml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
}
