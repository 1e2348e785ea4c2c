// File: cmd/serve.go
package cmd

import (
	"context"
	"errors"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/spacegraph/internal/config"
	"github.com/xkilldash9x/spacegraph/internal/observability"
	"github.com/xkilldash9x/spacegraph/internal/server"
)

func newServeCmd() *cobra.Command {
	var noTicks bool

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the scene over HTTP",
		Long: `Loads the bootstrap scene and exposes it over the HTTP API: REST
endpoints for intents, questions and snapshots plus a server-sent event
stream. Unless --no-ticks is set, the agent tick loop keeps running in the
background on the configured interval.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()
			cfg := config.Get()

			c, err := buildComponents(logger)
			if err != nil {
				return err
			}
			defer c.Close()

			srv := server.New(c.Core, cfg.Server, logger)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return srv.Start(gctx)
			})
			if !noTicks {
				g.Go(func() error {
					if err := c.Core.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
						return err
					}
					return nil
				})
			}

			logger.Info("Serving scene", zap.String("addr", cfg.Server.Addr))
			return g.Wait()
		},
	}

	serveCmd.Flags().BoolVar(&noTicks, "no-ticks", false, "serve the current graph without running the tick loop")
	return serveCmd
}
