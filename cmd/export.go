// File: cmd/export.go
package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/spacegraph/internal/observability"
)

func newExportCmd() *cobra.Command {
	var (
		settle   int
		outPath  string
		snapshot bool
	)

	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Export the scene graph as JSON",
		Long: `Loads the bootstrap scene, runs a few settle ticks and prints the full
scene export: every node, every committed relation and the event log. With
--snapshot the structured spatial-context snapshot is printed instead.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			c, err := buildComponents(logger)
			if err != nil {
				return err
			}
			defer c.Close()

			if settle > 0 {
				if err := c.Core.RunTicks(ctx, settle); err != nil {
					return fmt.Errorf("settle ticks failed: %w", err)
				}
			}

			var payload any
			if snapshot {
				payload = c.Core.Snapshot()
			} else {
				payload = c.Core.Store().Snapshot()
			}

			raw, err := json.MarshalIndent(payload, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to serialize export: %w", err)
			}

			if outPath == "" {
				fmt.Fprintln(cmd.OutOrStdout(), string(raw))
				return nil
			}
			if err := os.WriteFile(outPath, raw, 0o644); err != nil {
				return fmt.Errorf("failed to write export: %w", err)
			}
			return nil
		},
	}

	exportCmd.Flags().IntVar(&settle, "settle", 2, "tick rounds to run before exporting")
	exportCmd.Flags().StringVarP(&outPath, "out", "o", "", "write the export to this file instead of stdout")
	exportCmd.Flags().BoolVar(&snapshot, "snapshot", false, "print the spatial-context snapshot instead of the raw export")
	return exportCmd
}
