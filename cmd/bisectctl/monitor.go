package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kbisect/kbisect/internal/queue"
)

// monitorCmd implements `bisectctl monitor`: watches a session's live
// progress. It subscribes to session/iteration notifications when a
// Notifier is configured, and always re-polls the Store on a fallback
// ticker so a NoopNotifier deployment still sees updates, just with more
// latency.
func monitorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Watch a session's live progress",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			st, closeFn, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeFn()

			notifier := buildNotifier(redisClient(cfg))
			defer notifier.Close()

			printer := newPrinter()
			sessionEvents := notifier.Subscribe(ctx, queue.QueueSessionEvents)
			iterEvents := notifier.Subscribe(ctx, queue.QueueIterationEvents)
			ticker := time.NewTicker(5 * time.Second)
			defer ticker.Stop()

			render := func() {
				session, err := st.OpenSession(ctx, "")
				if err != nil {
					printer.Warning("no active session: %v", err)
					return
				}
				summary, err := st.Summary(ctx, session.ID)
				if err != nil {
					printer.Warning("summary unavailable: %v", err)
					return
				}
				_ = printer.PrintSessionSummary(summaryView(summary, nil))
				if session.Status.Terminal() {
					stop()
				}
			}

			render()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-sessionEvents:
					render()
				case <-iterEvents:
					render()
				case <-ticker.C:
					render()
				}
			}
		},
	}
	return cmd
}
