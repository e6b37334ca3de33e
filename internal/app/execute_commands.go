package app

import (
	"context"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ggonzalez94/defi-custody/internal/amount"
	clierr "github.com/ggonzalez94/defi-custody/internal/errors"
	"github.com/ggonzalez94/defi-custody/internal/execution"
)

func (s *runtimeState) newExecuteCommand() *cobra.Command {
	var maxWait time.Duration
	cmd := &cobra.Command{
		Use:   "execute <trade-id>",
		Short: "Validate, sign and broadcast a built trade",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if maxWait < 0 {
				return clierr.New(clierr.CodeBadRequest, "--max-wait must not be negative")
			}
			ctx, cancel := s.commandContext(cmd.Context(), maxWait)
			defer cancel()
			lc, err := s.lifecycleFor(ctx)
			if err != nil {
				return err
			}
			result, err := lc.Execute(ctx, args[0], maxWait)
			if err != nil {
				return err
			}
			return s.emitSuccess(result)
		},
	}
	cmd.Flags().DurationVar(&maxWait, "max-wait", 0, "Wait up to this long for a receipt after broadcast")
	return cmd
}

func (s *runtimeState) newPollCommand() *cobra.Command {
	var maxWait time.Duration
	cmd := &cobra.Command{
		Use:   "poll <trade-id>",
		Short: "Poll the receipt of a submitted trade",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if maxWait < 0 {
				return clierr.New(clierr.CodeBadRequest, "--max-wait must not be negative")
			}
			ctx, cancel := s.commandContext(cmd.Context(), maxWait)
			defer cancel()
			lc, err := s.lifecycleFor(ctx)
			if err != nil {
				return err
			}
			result, err := lc.Poll(ctx, args[0], maxWait)
			if err != nil {
				return err
			}
			return s.emitSuccess(result)
		},
	}
	cmd.Flags().DurationVar(&maxWait, "max-wait", 0, "Poll budget (default uses the configured receipt attempts)")
	return cmd
}

func (s *runtimeState) newReconcileCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Poll every submitted trade once and record final outcomes",
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit <= 0 {
				return clierr.New(clierr.CodeBadRequest, "--limit must be > 0")
			}
			lc, err := s.lifecycleFor(cmd.Context())
			if err != nil {
				return err
			}
			result, err := lc.Reconcile(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return s.emitSuccess(result)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum submitted trades to check")
	return cmd
}

func (s *runtimeState) newWrapCommand() *cobra.Command {
	var owner, needed, neededWei string
	var planOnly bool
	cmd := &cobra.Command{
		Use:   "wrap",
		Short: "Wrap native ETH to cover a WETH shortfall",
		RunE: func(cmd *cobra.Command, args []string) error {
			wei, err := wrapAmount(needed, neededWei)
			if err != nil {
				return err
			}
			ctx, cancel := s.commandContext(cmd.Context(), 0)
			defer cancel()
			lc, err := s.lifecycleFor(ctx)
			if err != nil {
				return err
			}
			if strings.TrimSpace(owner) == "" {
				owner = lc.Config().Custodial.Hex()
			}
			result, err := lc.Wrap(ctx, execution.WrapRequest{Owner: owner, MinWethNeededWei: wei, PlanOnly: planOnly})
			if err != nil {
				return err
			}
			return s.emitSuccess(result)
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "Owner address (default custodial address)")
	cmd.Flags().StringVar(&needed, "min-weth-needed", "", "WETH needed, in decimal units (e.g. 0.5)")
	cmd.Flags().StringVar(&neededWei, "min-weth-needed-wei", "", "WETH needed, in wei")
	cmd.Flags().BoolVar(&planOnly, "plan", false, "Only plan, never sign or broadcast")
	return cmd
}

func wrapAmount(decimal, wei string) (string, error) {
	decimal, wei = strings.TrimSpace(decimal), strings.TrimSpace(wei)
	switch {
	case decimal != "" && wei != "":
		return "", clierr.New(clierr.CodeBadRequest, "use only one of --min-weth-needed and --min-weth-needed-wei")
	case wei != "":
		return wei, nil
	case decimal != "":
		base, err := amount.ToBaseUnits(decimal, 18)
		if err != nil {
			return "", clierr.Wrap(clierr.CodeBadRequest, "parse --min-weth-needed", err)
		}
		return base.String(), nil
	default:
		return "", clierr.New(clierr.CodeBadRequest, "--min-weth-needed or --min-weth-needed-wei is required")
	}
}

// commandContext bounds a one-shot command by the request timeout plus any
// receipt wait the caller asked for.
func (s *runtimeState) commandContext(parent context.Context, wait time.Duration) (context.Context, context.CancelFunc) {
	budget := s.settings.Timeout*4 + wait
	return context.WithTimeout(parent, budget)
}
