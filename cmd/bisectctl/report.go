package main

import (
	"context"

	"github.com/spf13/cobra"
)

// reportCmd implements `bisectctl report [--format text|json]`: the full
// session report, including every iteration.
func reportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Print the full session report",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			st, closeFn, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeFn()

			session, err := st.OpenSession(ctx, "")
			if err != nil {
				return err
			}
			summary, err := st.Summary(ctx, session.ID)
			if err != nil {
				return err
			}
			iterations, err := st.Iterations(ctx, session.ID)
			if err != nil {
				return err
			}

			return newPrinter().PrintSessionSummary(summaryView(summary, iterations))
		},
	}
	return cmd
}
