package cmd

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/matrixise/compose-pay/internal/checkout"
	"github.com/matrixise/compose-pay/internal/execution"
	"github.com/spf13/cobra"
)

var (
	listResumable     bool
	confirmSequential bool
)

var resumeCmd = &cobra.Command{
	Use:   "resume [attempt-id]",
	Short: "Continue an interrupted purchase",
	Long: `Load a persisted purchase attempt and continue it from its recorded step.
A submitted but unconfirmed transaction is awaited before anything new is sent.
An atomic submission that never got a batch id is refused until --sequential
confirms the wallet holds no pending batch for it.
With --list, print the attempts of the configured account that can be resumed.`,
	Args: func(cmd *cobra.Command, args []string) error {
		if listResumable {
			return cobra.NoArgs(cmd, args)
		}
		return cobra.ExactArgs(1)(cmd, args)
	},
	RunE: runResume,
}

func init() {
	rootCmd.AddCommand(resumeCmd)
	resumeCmd.Flags().BoolVar(&listResumable, "list", false, "list resumable attempts instead of resuming one")
	resumeCmd.Flags().BoolVar(&confirmSequential, "sequential", false, "continue an unconfirmed atomic submission with sequential calls")
}

func runResume(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	a, err := newApp(ctx, cmd, appOptions{wallet: !listResumable, requireDatabase: true})
	if err != nil {
		return err
	}
	defer a.Close()

	if listResumable {
		attempts, err := a.store.ListResumable(ctx, a.cfg.AccountAddress().Hex())
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tPHASE\tSTEP\tTOTAL USD\tUPDATED")
		for _, at := range attempts {
			fmt.Fprintf(w, "%s\t%s\t%d/%d\t%s\t%s\n",
				at.ID, at.State.Phase, at.State.Cursor, at.State.TotalApprovals(),
				at.TotalUSD.StringFixed(2), at.UpdatedAt.Format("2006-01-02 15:04:05"))
		}
		return w.Flush()
	}

	svc, err := a.checkout(a.cfg.TargetUSD)
	if err != nil {
		return err
	}
	res, err := svc.Resume(ctx, args[0], checkout.ResumeOptions{ConfirmSequential: confirmSequential})
	if err != nil {
		switch {
		case errors.Is(err, checkout.ErrAttemptComplete):
			fmt.Fprintf(cmd.ErrOrStderr(), "purchase %s is already complete\n", args[0])
		case errors.Is(err, execution.ErrSubmitUnconfirmed):
			fmt.Fprintf(cmd.ErrOrStderr(), "check the wallet for a pending batch, then run: compose-pay resume --sequential %s\n", args[0])
		}
		return err
	}
	return printJSON(cmd.OutOrStdout(), res)
}
