package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/matrixise/compose-pay/internal/feed"
	"github.com/matrixise/compose-pay/internal/health"
	"github.com/spf13/cobra"
)

var refreshInterval string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Keep price and balance snapshots fresh and serve them over HTTP",
	Long: `Refresh prices and balances on a clock-aligned schedule and expose /health and
/snapshot. The database is pinged by the health check when DATABASE_URL is set.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&refreshInterval, "interval", "", "refresh interval - duration (30s, 5m) or cron (\"*/5 * * * *\") (default: refresh_interval from config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	a, err := newApp(ctx, cmd, appOptions{optionalDB: true})
	if err != nil {
		return err
	}
	defer a.Close()

	interval := refreshInterval
	if interval == "" {
		interval = a.cfg.RefreshInterval
	}

	slog.Info("Configuration loaded",
		"config_path", cfgFile,
		"assets", a.registry.Len(),
		"account", a.cfg.Account,
		"interval", interval,
		"timezone", a.cfg.GetTimezone().String(),
	)

	refresher, err := feed.NewRefresher(a.prices, a.balances, feed.Config{
		Interval: interval,
		Timezone: a.cfg.GetTimezone(),
		Account:  a.cfg.AccountAddress(),
		Logger:   slog.Default(),
	})
	if err != nil {
		slog.Error("Failed to create refresher", "error", err)
		return fmt.Errorf("refresher creation failed: %w", err)
	}

	var checker *health.Checker
	if a.store != nil {
		checker = health.NewChecker(a.store, a.client, refresher)
	} else {
		checker = health.NewChecker(nil, a.client, refresher)
	}

	httpPort := a.cfg.HTTPPort
	if httpPort == 0 {
		httpPort = 8080
	}
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", httpPort),
		Handler:           checker.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		slog.Info("Health server starting", "port", httpPort, "endpoints", []string{"/health", "/snapshot"})
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Health server error", "error", err)
			cancel()
		}
	}()

	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("Health server shutdown error", "error", err)
		}
	}()

	if err := refresher.Start(ctx); err != nil {
		slog.Error("Failed to start refresher", "error", err)
		return fmt.Errorf("refresher start failed: %w", err)
	}
	defer func() {
		if err := refresher.Stop(); err != nil {
			slog.Error("Refresher shutdown error", "error", err)
		}
	}()

	if next, err := refresher.NextRun(); err == nil {
		slog.Info("Serve mode started with clock-aligned refresh", "next_run", next)
	}

	<-ctx.Done()
	slog.Info("Shutdown requested, stopping")
	return nil
}
