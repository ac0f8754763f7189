package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kbisect/kbisect/internal/domain"
)

// ipmiCmd implements `bisectctl ipmi <verb> <host>`: a direct dispatch
// into the PowerController registry, bypassing the Coordinator entirely —
// for an operator bringing a host back by hand.
func ipmiCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ipmi <status|on|off|reset|cycle> <host-id>",
		Short: "Query or drive a single host's power backend directly",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			verb, hostID := args[0], args[1]
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

			var host *domain.Host
			for i := range rt.hosts {
				if rt.hosts[i].ID == hostID {
					host = &rt.hosts[i]
					break
				}
			}
			if host == nil {
				return fmt.Errorf("no configured host %q", hostID)
			}

			printer := newPrinter()
			switch verb {
			case "status":
				status, err := rt.power.Status(ctx, *host)
				if err != nil {
					return err
				}
				printer.Info("host %s: %s", host.ID, status)
			case "on":
				err = rt.power.On(ctx, *host)
			case "off":
				err = rt.power.Off(ctx, *host)
			case "reset":
				err = rt.power.Reset(ctx, *host)
			case "cycle":
				err = rt.power.Cycle(ctx, *host, cfg.Recovery.Attempts, cfg.Recovery.Spacing)
			default:
				return fmt.Errorf("unknown verb %q (want status, on, off, reset, or cycle)", verb)
			}
			if err != nil {
				return err
			}
			if verb != "status" {
				printer.Success("host %s: %s succeeded", host.ID, verb)
			}
			return nil
		},
	}
	return cmd
}
