package main

import (
	"bufio"
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/kbisect/kbisect/internal/output"
)

// logsCmd implements `bisectctl logs <iteration-id> <host-id> <build|console>`:
// prints a previously persisted build or console log blob for one
// iteration/host pair.
func logsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs <iteration-id> <host-id> <build|console>",
		Short: "Print a stored build or console log",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			iterationID, hostID, kind := args[0], args[1], args[2]
			if kind != "build" && kind != "console" {
				return fmt.Errorf("kind must be build or console, got %q", kind)
			}
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

			outcomes, err := st.HostOutcomes(ctx, iterationID)
			if err != nil {
				return err
			}
			var blobID string
			for _, o := range outcomes {
				if o.HostID != hostID {
					continue
				}
				if kind == "build" {
					blobID = o.BuildLogBlobID
				} else {
					blobID = o.ConsoleLogBlobID
				}
			}
			if blobID == "" {
				return fmt.Errorf("no %s log recorded for host %s in iteration %s", kind, hostID, iterationID)
			}

			rc, _, err := st.GetLogBlob(ctx, blobID)
			if err != nil {
				return err
			}
			defer rc.Close()

			printer := newPrinter()
			scanner := bufio.NewScanner(rc)
			scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
			for scanner.Scan() {
				_ = printer.PrintLogEntry(output.LogEntry{
					Timestamp: time.Now().UTC().Format(timeLayout),
					HostID:    hostID,
					Kind:      kind,
					Message:   scanner.Text(),
				})
			}
			return scanner.Err()
		},
	}
	return cmd
}
