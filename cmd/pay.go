package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var payCmd = &cobra.Command{
	Use:   "pay",
	Short: "Compute a purchase and execute it through the wallet",
	Long: `Plan a purchase like "plan" does, then submit it to the wallet. The execution
state is stored in PostgreSQL after every step when DATABASE_URL is set, so an
interrupted purchase can be continued with "resume".`,
	RunE: runPay,
}

func init() {
	rootCmd.AddCommand(payCmd)
	addAllocationFlags(payCmd)
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("Signal received, graceful shutdown", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()
	return ctx, cancel
}

func runPay(cmd *cobra.Command, args []string) error {
	allocs, err := parseAllocations(allocFlags)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	a, err := newApp(ctx, cmd, appOptions{wallet: true, optionalDB: true})
	if err != nil {
		return err
	}
	defer a.Close()

	target, err := a.targetOrDefault(targetUSD)
	if err != nil {
		return err
	}
	svc, err := a.checkout(target)
	if err != nil {
		return err
	}

	plan, err := svc.Prepare(ctx, allocs)
	if err != nil {
		return err
	}

	res, err := svc.Execute(ctx, plan)
	if err != nil {
		if a.store != nil && res.AttemptID != "" {
			fmt.Fprintf(cmd.ErrOrStderr(), "purchase %s stopped at %s; continue with: compose-pay resume %s\n", res.AttemptID, res.State.Phase, res.AttemptID)
		}
		return err
	}
	return printJSON(cmd.OutOrStdout(), res)
}
