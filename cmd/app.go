package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/matrixise/compose-pay/internal/asset"
	"github.com/matrixise/compose-pay/internal/blockchain"
	"github.com/matrixise/compose-pay/internal/calldata"
	"github.com/matrixise/compose-pay/internal/checkout"
	"github.com/matrixise/compose-pay/internal/config"
	"github.com/matrixise/compose-pay/internal/logger"
	"github.com/matrixise/compose-pay/internal/storage"
	"github.com/matrixise/compose-pay/internal/swap"
	"github.com/spf13/cobra"
)

// appOptions selects the optional collaborators a command needs
type appOptions struct {
	wallet          bool
	requireDatabase bool
	optionalDB      bool
}

// app holds the wired components shared by the commands
type app struct {
	cfg      *config.Config
	client   *blockchain.Client
	registry *asset.Registry
	prices   *blockchain.PriceReader
	balances *blockchain.BalanceReader
	calls    *calldata.Builder
	router   *swap.Router
	quoter   *blockchain.RouterQuoter
	wallet   *blockchain.Wallet
	store    *storage.Store
}

// setupLogging applies the --log-level flag, or the config level when the flag is unset
func setupLogging(cmd *cobra.Command, cfg *config.Config) {
	if cfg != nil && cfg.LogLevel != "" && !cmd.Flags().Changed("log-level") {
		logger.Setup(cfg.LogLevel)
		return
	}
	logger.Setup(logLevel)
}

func newApp(ctx context.Context, cmd *cobra.Command, opts appOptions) (*app, error) {
	logger.Setup(logLevel)

	cfg, err := config.Load(cfgFile)
	if err != nil {
		slog.Error("Configuration error", "error", err)
		return nil, err
	}
	setupLogging(cmd, cfg)

	a := &app{cfg: cfg}
	if err := a.wire(ctx, opts); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context, opts appOptions) error {
	cfg := a.cfg

	var err error
	if a.registry, err = cfg.Registry(); err != nil {
		return err
	}
	feeds, err := cfg.PriceFeeds()
	if err != nil {
		return err
	}

	a.client, err = blockchain.NewClient(cfg.RPCUrls)
	if err != nil {
		slog.Error("Failed to connect to RPC", "error", err)
		return err
	}
	if len(cfg.RPCUrls) == 1 {
		slog.Info("RPC connection established", "endpoint", cfg.RPCUrls[0])
	} else {
		slog.Info("RPC connection established with failover",
			"endpoints", len(cfg.RPCUrls),
			"primary", cfg.RPCUrls[0])
	}

	a.prices = blockchain.NewPriceReader(a.client, common.HexToAddress(cfg.Oracles.Pyth), cfg.PythMaxAge(), feeds, slog.Default())
	a.balances = blockchain.NewBalanceReader(a.client, a.registry, slog.Default())

	a.calls, err = calldata.NewBuilder(common.HexToAddress(cfg.Contracts.Compose), common.HexToAddress(cfg.Contracts.Router), nil)
	if err != nil {
		return err
	}
	if cfg.Contracts.HubToken != "" && cfg.Contracts.Router != "" {
		if a.router, err = cfg.Router(a.registry); err != nil {
			return err
		}
		a.quoter = blockchain.NewRouterQuoter(a.client, a.calls)
	}

	if opts.wallet {
		if cfg.WalletRPCUrl == "" {
			return errors.New("wallet_rpc_url is required to sign transactions")
		}
		if cfg.AccountAddress() == (common.Address{}) {
			return errors.New("account is required to sign transactions")
		}
		a.wallet, err = blockchain.DialWallet(ctx, cfg.WalletRPCUrl, cfg.ReceiptPollInterval(), slog.Default())
		if err != nil {
			slog.Error("Failed to connect to wallet", "error", err)
			return err
		}
		slog.Info("Wallet connection established", "account", cfg.AccountAddress().Hex())
	}

	if opts.requireDatabase || opts.optionalDB {
		dsn := config.DatabaseURL()
		switch {
		case dsn != "":
			if a.store, err = storage.NewStore(ctx, dsn); err != nil {
				slog.Error("Failed to connect to PostgreSQL", "error", err)
				return err
			}
			slog.Info("PostgreSQL connection established")
		case opts.requireDatabase:
			return config.ErrDatabaseURLMissing
		default:
			slog.Warn("DATABASE_URL not set, purchase attempts will not be resumable")
		}
	}
	return nil
}

// Close releases every open connection
func (a *app) Close() {
	if a.store != nil {
		a.store.Close()
	}
	if a.wallet != nil {
		a.wallet.Close()
	}
	if a.client != nil {
		a.client.Close()
	}
}

// checkout builds the checkout service for a purchase of targetUSD
func (a *app) checkout(targetUSD float64) (*checkout.Service, error) {
	cfg := a.cfg

	deps := checkout.Deps{
		Registry: a.registry,
		Prices:   a.prices,
		Calls:    a.calls,
	}
	if cfg.AccountAddress() != (common.Address{}) {
		deps.Balances = a.balances
	}
	if a.router != nil {
		deps.Router = a.router
		deps.Quoter = a.quoter
	}
	if a.wallet != nil {
		deps.Wallet = a.wallet
	}
	if a.store != nil {
		deps.Store = a.store
	}

	return checkout.NewService(deps, checkout.Config{
		ChainID:     cfg.ChainID,
		Account:     cfg.AccountAddress(),
		TargetUSD:   targetUSD,
		Mode:        checkout.Mode(cfg.Swap.Mode),
		SlippageBps: cfg.SlippageBps,
		Fee:         cfg.FeeSettings(),
		Swap: checkout.SwapConfig{
			PaymentToken:   cfg.Swap.PaymentToken,
			Target:         common.HexToAddress(cfg.Swap.Target),
			TargetCallData: common.FromHex(cfg.Swap.TargetCallData),
		},
		Execution: cfg.ControllerConfig(),
		Logger:    slog.Default(),
	})
}

// targetOrDefault returns the --target flag value, or the configured target
func (a *app) targetOrDefault(flag float64) (float64, error) {
	target := flag
	if target <= 0 {
		target = a.cfg.TargetUSD
	}
	if target <= 0 {
		return 0, fmt.Errorf("no purchase target: set target_usd or pass --target")
	}
	return target, nil
}
