package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kbisect/kbisect/internal/output"
)

// startCmd implements `bisectctl start`: enters the Coordinator loop,
// resuming a halted or dangling session if one exists. Exit codes follow
// the contract: 0 completed, 1 halted pending resume or unrecoverable
// error, 2 on user abort (SIGINT/SIGTERM).
func startCmd() *cobra.Command {
	var goodRef, badRef string

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Run (or resume) the bisection loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			shutdown, err := initObservability(ctx, cfg)
			if err != nil {
				return err
			}
			defer shutdown()

			rt, err := buildRuntime(ctx, cfg, repoDir())
			if err != nil {
				return err
			}
			defer rt.Close()

			printer := newPrinter()
			coord := coordinatorFor(rt)

			halt, err := coord.Run(ctx, goodRef, badRef, nil)
			if err != nil {
				if ctx.Err() != nil {
					printer.Warning("aborted by user")
					os.Exit(2)
				}
				printer.Error("bisection failed: %v", err)
				os.Exit(1)
			}

			if halt != nil {
				_ = printer.PrintHaltReport(output.HaltReport{
					SessionID:        halt.SessionID,
					CandidateSHA:     halt.IterationSHA,
					UnreachableHosts: halt.UnreachableHosts,
					ResumeSteps:      []string{halt.RecoveryInstructions},
				})
				os.Exit(1)
			}

			printer.Success("bisection completed")
			return nil
		},
	}
	cmd.Flags().StringVar(&goodRef, "good", "", "known-good ref (required when starting a new session)")
	cmd.Flags().StringVar(&badRef, "bad", "", "known-bad ref (required when starting a new session)")
	cmd.Flags().StringVar(&repoDirFlag, "repo", "", "path to the kernel git working copy (default: current directory)")
	return cmd
}
