package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/kbisect/kbisect/internal/domain"
	"github.com/kbisect/kbisect/internal/logging"
	"github.com/kbisect/kbisect/internal/pkg/fsutil"
	"github.com/kbisect/kbisect/internal/remoteexec"
	"github.com/kbisect/kbisect/internal/store"
)

var repoDirFlag string

func repoDir() string {
	if repoDirFlag != "" {
		return repoDirFlag
	}
	if wd, err := os.Getwd(); err == nil {
		return wd
	}
	return "."
}

// initCmd implements `bisectctl init <good> <bad>`: create the session,
// deploy the remote script library (best-effort, handled by the host
// library itself), lock the current kernel as protected, and collect
// baseline metadata from every host.
func initCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init <good> <bad>",
		Short: "Create a bisection session between two refs",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			goodRef, badRef := args[0], args[1]
			ctx := context.Background()

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

			for _, host := range rt.hosts {
				logInputHash(host.ID, "base_config_path", host.BaseConfigPath)
				logInputHash(host.ID, "test_script_path", host.TestScriptPath)
			}

			for _, host := range rt.hosts {
				if err := lockProtection(ctx, rt, host); err != nil {
					printer.Warning("host %s: init_protection failed: %v", host.ID, err)
				}
			}

			session, err := rt.store.OpenSession(ctx, "")
			switch {
			case err == nil:
				printer.Info("session %s is already active for this working copy; run `bisectctl start` to continue it", session.ID)
				return nil
			case err != store.ErrNoActiveSession:
				return err
			}

			sessionID, err := rt.store.CreateSession(ctx, goodRef, badRef, nil)
			if err != nil {
				return fmt.Errorf("create session: %w", err)
			}

			for _, host := range rt.hosts {
				if err := collectBaseline(ctx, rt, sessionID, host); err != nil {
					printer.Warning("host %s: baseline metadata collection failed: %v", host.ID, err)
				}
			}

			printer.Success("session %s created for %s..%s; run `bisectctl start` to begin bisecting", sessionID, goodRef, badRef)
			return nil
		},
	}
	cmd.Flags().StringVar(&repoDirFlag, "repo", "", "path to the kernel git working copy (default: current directory)")
	return cmd
}

// logInputHash records a file's content hash at session-creation time, so
// an operator debugging a drifting bisection result can later tell
// whether a host's base config or custom test script changed underfoot.
func logInputHash(hostID, field, path string) {
	if path == "" {
		return
	}
	hash, err := fsutil.HashFile(path)
	if err != nil {
		logging.Op().Warn("could not hash host input file", "host_id", hostID, "field", field, "path", path, "error", err)
		return
	}
	logging.Op().Info("host input file recorded", "host_id", hostID, "field", field, "path", path, "sha256_16", hash)
}

func lockProtection(ctx context.Context, rt *runtime, host domain.Host) error {
	res, err := rt.exec.Run(ctx, host, remoteexec.OpInitProtection, nil, nil, 60*time.Second)
	if err != nil {
		return err
	}
	_, readErr := drain(res)
	closeErr := res.Close()
	if readErr != nil {
		return readErr
	}
	if closeErr != nil {
		return closeErr
	}
	if res.ExitCode() != 0 {
		return fmt.Errorf("exit code %d", res.ExitCode())
	}
	return nil
}

func collectBaseline(ctx context.Context, rt *runtime, sessionID string, host domain.Host) error {
	res, err := rt.exec.Run(ctx, host, remoteexec.OpCollectMetadata, []string{"baseline"}, nil, 60*time.Second)
	if err != nil {
		return err
	}
	payload, readErr := drain(res)
	closeErr := res.Close()
	if readErr != nil {
		return readErr
	}
	if closeErr != nil {
		return closeErr
	}
	if res.ExitCode() != 0 {
		return fmt.Errorf("exit code %d", res.ExitCode())
	}
	_, err = rt.store.PutMetadata(ctx, sessionID, "", payload)
	return err
}
