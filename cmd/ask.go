// File: cmd/ask.go
package cmd

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/spacegraph/internal/observability"
)

func newAskCmd() *cobra.Command {
	var (
		settle  int
		asJSON  bool
	)

	askCmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask a spatial question about the bootstrap scene",
		Long: `Loads the bootstrap scene, runs a few settle ticks so the agents can
negotiate their relations, then answers the question from the committed
graph.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()
			question := strings.Join(args, " ")

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

			answer, err := c.Core.Ask(ctx, question)
			if err != nil {
				return fmt.Errorf("failed to answer question: %w", err)
			}

			if asJSON {
				raw, err := json.MarshalIndent(answer, "", "  ")
				if err != nil {
					return fmt.Errorf("failed to serialize answer: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(raw))
				return nil
			}

			if answer.AnswerText == "" {
				fmt.Fprintln(cmd.OutOrStdout(), "No direct answer; a full snapshot is attached for downstream reasoning.")
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), answer.AnswerText)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "(%s, confidence %.2f)\n", answer.QuestionType, answer.Confidence)
			return nil
		},
	}

	askCmd.Flags().IntVar(&settle, "settle", 2, "tick rounds to run before answering")
	askCmd.Flags().BoolVar(&asJSON, "json", false, "print the full answer object as JSON")
	return askCmd
}
