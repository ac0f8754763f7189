package main

import (
	"bufio"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kbisect/kbisect/internal/domain"
	"github.com/kbisect/kbisect/internal/output"
	"github.com/kbisect/kbisect/internal/remoteexec"
)

// buildCmd implements `bisectctl build <ref>`: runs only the BUILD phase
// of §4.6 on every host, in parallel, streaming each host's build log to
// the terminal. It never installs for boot and never runs the test.
func buildCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "build <ref>",
		Short: "Build-only mode: compile and install a candidate on every host without booting it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sha := args[0]
			ctx := context.Background()

			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			rt, err := buildRuntime(ctx, cfg, repoDir())
			if err != nil {
				return err
			}
			defer rt.Close()

			printer := newPrinter()
			var mu sync.Mutex
			g, gctx := errgroup.WithContext(ctx)
			exitCodes := make([]int, len(rt.hosts))

			for i, host := range rt.hosts {
				i, host := i, host
				g.Go(func() error {
					code, err := streamBuild(gctx, rt, host, sha, &mu, printer)
					exitCodes[i] = code
					return err
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}

			failed := 0
			for i, code := range exitCodes {
				if code != 0 {
					failed++
					printer.Error("host %s: build_kernel exited %d", rt.hosts[i].ID, code)
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d hosts failed to build", failed, len(rt.hosts))
			}
			printer.Success("build succeeded on all %d hosts", len(rt.hosts))
			return nil
		},
	}
	cmd.Flags().StringVar(&repoDirFlag, "repo", "", "path to the kernel git working copy (default: current directory)")
	return cmd
}

func streamBuild(ctx context.Context, rt *runtime, host domain.Host, sha string, mu *sync.Mutex, printer interface {
	PrintLogEntry(output.LogEntry) error
}) (int, error) {
	res, err := rt.exec.Run(ctx, host, remoteexec.OpBuildKernel, []string{sha}, nil, rt.cfg.Timeouts.Build)
	if err != nil {
		return -1, err
	}

	scanner := bufio.NewScanner(res.Output)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		mu.Lock()
		_ = printer.PrintLogEntry(output.LogEntry{
			Timestamp: time.Now().UTC().Format(timeLayout),
			HostID:    host.ID,
			Kind:      "build",
			Message:   line,
		})
		mu.Unlock()
	}
	closeErr := res.Close()
	if closeErr != nil {
		return -1, closeErr
	}
	return res.ExitCode(), nil
}
