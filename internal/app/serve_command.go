package app

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/ggonzalez94/defi-custody/internal/execution"
	"github.com/ggonzalez94/defi-custody/internal/logging"
	"github.com/ggonzalez94/defi-custody/internal/server"
	"github.com/ggonzalez94/defi-custody/internal/version"
)

func (s *runtimeState) newServeCommand() *cobra.Command {
	var addr string
	var maxWait, reconcileEvery time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP execution service",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			lc, err := s.lifecycleFor(ctx)
			if err != nil {
				return err
			}
			if addr == "" {
				addr = s.settings.ListenAddr
			}
			if reconcileEvery > 0 {
				go runReconcileLoop(ctx, lc, reconcileEvery)
			}
			srv := server.New(server.Config{
				Addr:      addr,
				APIToken:  s.settings.APIToken,
				MaxWait:   maxWait,
				ChainID:   s.settings.ChainID,
				Custodial: lc.Config().Custodial.Hex(),
				Signer:    s.settings.SignerMode,
				DryRun:    s.settings.DryRun,
				Version:   version.CLIVersion,
			}, lc, s.deps.store)
			return srv.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default from config)")
	cmd.Flags().DurationVar(&maxWait, "max-wait", 2*time.Minute, "Upper bound for maxWaitMs on execute and receipt requests")
	cmd.Flags().DurationVar(&reconcileEvery, "reconcile-interval", 0, "Reconcile submitted trades on this interval (0 disables)")
	return cmd
}

func runReconcileLoop(ctx context.Context, lc *execution.Lifecycle, every time.Duration) {
	logger := logging.Component("reconcile")
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := lc.Reconcile(ctx, 50)
			if err != nil {
				logger.Error().Err(err).Msg("reconcile failed")
				continue
			}
			if res.Checked > 0 {
				logger.Info().Int("checked", res.Checked).Int("resolved", res.Resolved).Int("pending", res.Pending).Int("errors", res.Errors).Msg("reconciled submitted trades")
			}
		}
	}
}
