package cmd

import (
	"log/slog"

	"github.com/matrixise/compose-pay/internal/config"
	"github.com/matrixise/compose-pay/internal/feed"
	"github.com/matrixise/compose-pay/internal/logger"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate-config",
	Short: "Validate configuration file",
	Long:  `Validate the configuration file syntax, values and cross references without connecting to anything.`,
	RunE:  validateConfig,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func validateConfig(cmd *cobra.Command, args []string) error {
	logger.Setup(logLevel)

	cfg, err := config.Load(cfgFile)
	if err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return err
	}

	slog.Info("Configuration valid",
		"chain_id", cfg.ChainID,
		"assets", len(cfg.Assets),
		"pools", len(cfg.Pools),
		"rpc_urls", len(cfg.RPCUrls),
		"mode", cfg.Swap.Mode,
		"refresh", feed.DescribeSchedule(cfg.RefreshInterval, cfg.GetTimezone()),
		"fee_enabled", cfg.Fee.Enabled,
		"wallet_configured", cfg.WalletRPCUrl != "",
		"database_url_set", config.DatabaseURL() != "",
	)
	return nil
}
