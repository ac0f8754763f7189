package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// metadataCmd implements `bisectctl metadata <metadata-id>`: prints a
// previously persisted collect_metadata payload verbatim (it is already a
// JSON document on the wire).
func metadataCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "metadata <metadata-id>",
		Short: "Print a stored metadata payload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			metadataID := args[0]
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

			payload, err := st.GetMetadata(ctx, metadataID)
			if err != nil {
				return fmt.Errorf("metadata %s: %w", metadataID, err)
			}
			_, err = os.Stdout.Write(payload)
			return err
		},
	}
	return cmd
}
