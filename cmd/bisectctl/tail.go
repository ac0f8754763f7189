package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kbisect/kbisect/internal/livelog"
	"github.com/kbisect/kbisect/internal/output"
)

// tailCmd implements `bisectctl tail <iteration-id> <host-id> <build|console>`:
// follows a still-running iteration's output live over the configured
// Redis livelog stream, as opposed to `logs`, which reads a completed
// blob back out of Store.
func tailCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tail <iteration-id> <host-id> <build|console>",
		Short: "Follow a running iteration's build or console output live",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			iterationID, hostID, kindArg := args[0], args[1], args[2]
			var kind livelog.Kind
			switch kindArg {
			case "build":
				kind = livelog.KindBuild
			case "console":
				kind = livelog.KindConsole
			default:
				return fmt.Errorf("kind must be build or console, got %q", kindArg)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			rdb := redisClient(cfg)
			if rdb == nil {
				return fmt.Errorf("no events.redis_addr configured; live tailing requires Redis")
			}
			defer rdb.Close()

			store := livelog.NewStore(rdb)
			lines, err := store.Tail(ctx, iterationID, hostID, kind)
			if err != nil {
				return err
			}

			printer := newPrinter()
			for line := range lines {
				_ = printer.PrintLogEntry(output.LogEntry{
					Timestamp: line.Timestamp.Format(timeLayout),
					HostID:    line.HostID,
					Kind:      string(line.Kind),
					Message:   line.Message,
				})
			}
			return nil
		},
	}
	return cmd
}
