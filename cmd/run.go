// File: cmd/run.go
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/spacegraph/internal/observability"
)

func newRunCmd() *cobra.Command {
	var (
		ticks   int
		outPath string
	)

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the agent tick loop over the bootstrap scene",
		Long: `Loads the bootstrap scene, drives the negotiation tick loop and, when
done, optionally writes the full scene export to a file. With --ticks 0 the
loop runs on the configured interval until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			c, err := buildComponents(logger)
			if err != nil {
				return err
			}
			defer c.Close()

			if ticks > 0 {
				logger.Info("Running tick rounds", zap.Int("ticks", ticks))
				if err := c.Core.RunTicks(ctx, ticks); err != nil {
					return fmt.Errorf("tick loop failed: %w", err)
				}
			} else {
				logger.Info("Running until interrupted")
				if err := c.Core.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					return fmt.Errorf("tick loop failed: %w", err)
				}
			}

			if outPath != "" {
				if err := writeExport(c, outPath); err != nil {
					return err
				}
				logger.Info("Wrote scene export", zap.String("path", outPath))
			}
			return nil
		},
	}

	runCmd.Flags().IntVarP(&ticks, "ticks", "t", 0, "number of tick rounds to run (0 runs until interrupted)")
	runCmd.Flags().StringVarP(&outPath, "out", "o", "", "write the final scene export to this file")
	return runCmd
}

func writeExport(c *Components, path string) error {
	export := c.Core.Store().Snapshot()
	raw, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize scene export: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("failed to write scene export: %w", err)
	}
	return nil
}
