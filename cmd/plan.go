package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/matrixise/compose-pay/internal/checkout"
	"github.com/spf13/cobra"
)

var (
	allocFlags []string
	targetUSD  float64
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Compute a purchase without signing anything",
	Long: `Read current prices and balances, apply the allocations in the order given
and print the resulting payload and call plan as JSON.

Example:
  compose-pay plan --alloc BTC=60 --alloc MUSD=100 --target 250`,
	RunE: runPlan,
}

func init() {
	rootCmd.AddCommand(planCmd)
	addAllocationFlags(planCmd)
}

func addAllocationFlags(cmd *cobra.Command) {
	cmd.Flags().StringArrayVar(&allocFlags, "alloc", nil, "allocation SYMBOL=PERCENT, applied in order (repeatable)")
	cmd.Flags().Float64Var(&targetUSD, "target", 0, "purchase target in USD (default: target_usd from config)")
	_ = cmd.MarkFlagRequired("alloc")
}

// parseAllocations parses SYMBOL=PERCENT pairs preserving their order
func parseAllocations(values []string) ([]checkout.Allocation, error) {
	allocs := make([]checkout.Allocation, 0, len(values))
	for _, v := range values {
		symbol, pct, ok := strings.Cut(v, "=")
		symbol = strings.TrimSpace(symbol)
		if !ok || symbol == "" {
			return nil, fmt.Errorf("invalid allocation %q: expected SYMBOL=PERCENT", v)
		}
		percent, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(pct), "%"), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid allocation %q: %w", v, err)
		}
		if percent < 0 || percent > 100 {
			return nil, fmt.Errorf("invalid allocation %q: percent must be between 0 and 100", v)
		}
		allocs = append(allocs, checkout.Allocation{Symbol: symbol, Percent: percent})
	}
	return allocs, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runPlan(cmd *cobra.Command, args []string) error {
	allocs, err := parseAllocations(allocFlags)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	a, err := newApp(ctx, cmd, appOptions{})
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
	return printJSON(cmd.OutOrStdout(), plan)
}
