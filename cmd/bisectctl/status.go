package main

import (
	"context"

	"github.com/spf13/cobra"
)

// statusCmd implements `bisectctl status`: a read-only summary from the
// Store, without touching RemoteExec, PowerController, or the Coordinator.
func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show a read-only session summary",
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

			return newPrinter().PrintSessionSummary(summaryView(summary, nil))
		},
	}
	return cmd
}
