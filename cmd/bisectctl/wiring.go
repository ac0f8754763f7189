package main

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/kbisect/kbisect/internal/bisectdriver"
	"github.com/kbisect/kbisect/internal/bootmonitor"
	"github.com/kbisect/kbisect/internal/circuitbreaker"
	"github.com/kbisect/kbisect/internal/config"
	"github.com/kbisect/kbisect/internal/console"
	"github.com/kbisect/kbisect/internal/coordinator"
	"github.com/kbisect/kbisect/internal/domain"
	"github.com/kbisect/kbisect/internal/hostrunner"
	"github.com/kbisect/kbisect/internal/jobtracker"
	"github.com/kbisect/kbisect/internal/livelog"
	"github.com/kbisect/kbisect/internal/power"
	"github.com/kbisect/kbisect/internal/queue"
	"github.com/kbisect/kbisect/internal/remoteexec"
	"github.com/kbisect/kbisect/internal/secrets"
	"github.com/kbisect/kbisect/internal/store"
)

// runtime bundles every component graph a CLI verb might need, built once
// from the loaded config.
type runtime struct {
	cfg      *config.Config
	store    store.Store
	exec     remoteexec.RemoteExec
	power    *power.Registry
	console  *console.Collector
	boot     *bootmonitor.Monitor
	runner   *hostrunner.Runner
	driver   *bisectdriver.Driver
	notifier queue.Notifier
	hosts    []domain.Host
	tracker  *jobtracker.Tracker
	live     *livelog.Store
	rdb      *redis.Client
}

// loadConfig reads configFile (falling back to defaults) and applies
// environment overrides. "enc:"-prefixed host secrets are decrypted later,
// by buildRuntime.
func loadConfig(configFile string) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if configFile != "" {
		var err error
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}
	config.LoadFromEnv(cfg)
	return cfg, nil
}

// buildRuntime assembles the full component graph: Store, RemoteExec
// transport, PowerController registry, ConsoleCollector, BootMonitor,
// HostRunner, and BisectDriver, per §4's ownership rules.
func buildRuntime(ctx context.Context, cfg *config.Config, repoDir string) (*runtime, error) {
	hosts, err := cfg.ToDomainHosts()
	if err != nil {
		return nil, err
	}

	if cfg.Secrets.KeyFile != "" {
		cipher, err := secrets.NewCipherFromFile(cfg.Secrets.KeyFile)
		if err != nil {
			return nil, domain.NewError(domain.ErrConfigInvalid, fmt.Errorf("load secrets key: %w", err))
		}
		if err := config.DecryptHostSecrets(hosts, cipher); err != nil {
			return nil, err
		}
	}

	st, err := store.NewPostgresStore(ctx, cfg.Store.DSN)
	if err != nil {
		return nil, domain.NewError(domain.ErrStoreIO, err)
	}

	var ssh *remoteexec.SSHTransport
	var vsock *remoteexec.VsockTransport
	for _, h := range hosts {
		switch h.Transport {
		case domain.TransportVsock:
			if vsock == nil {
				vsock = remoteexec.NewVsockTransport(cfg.Remote.VsockPort)
			}
		default:
			if ssh == nil {
				ssh = remoteexec.NewSSHTransport(cfg.Remote.SSHKeyPath, cfg.Remote.SSHPort)
			}
		}
	}
	exec := remoteexec.NewMultiTransport(ssh, vsock)

	powerReg, err := buildPowerRegistry(ctx, hosts, exec)
	if err != nil {
		return nil, err
	}

	collector := console.NewCollector(console.NewSOLBackend(""))
	boot := bootmonitor.NewMonitor(exec, 15*time.Second)
	tracker := jobtracker.New(time.Hour)

	runner := hostrunner.New(exec, powerReg, collector, boot, st,
		hostrunner.Timeouts{Build: cfg.Timeouts.Build, Boot: cfg.Timeouts.Boot, Test: cfg.Timeouts.Test},
		hostrunner.RecoveryPolicy{Attempts: cfg.Recovery.Attempts, Spacing: cfg.Recovery.Spacing},
		tracker,
	)

	driver := bisectdriver.New(repoDir, "")

	rdb := redisClient(cfg)
	notifier := buildNotifier(rdb)
	var live *livelog.Store
	if rdb != nil {
		live = livelog.NewStore(rdb)
		runner.SetLiveLog(live)
	}

	return &runtime{
		cfg:      cfg,
		store:    st,
		exec:     exec,
		power:    powerReg,
		console:  collector,
		boot:     boot,
		runner:   runner,
		driver:   driver,
		notifier: notifier,
		hosts:    hosts,
		tracker:  tracker,
		live:     live,
		rdb:      rdb,
	}, nil
}

// buildPowerRegistry constructs exactly one controller per power backend
// variant actually referenced by the loaded hosts, per §4.3.
func buildPowerRegistry(ctx context.Context, hosts []domain.Host, exec remoteexec.RemoteExec) (*power.Registry, error) {
	backends := make(map[domain.PowerBackend]power.PowerController)
	for _, h := range hosts {
		if _, ok := backends[h.PowerBackend]; ok {
			continue
		}
		switch h.PowerBackend {
		case domain.PowerIPMI:
			backends[h.PowerBackend] = power.NewIPMIController("")
		case domain.PowerLabAuto:
			backends[h.PowerBackend] = power.NewLabAutoController(h.PowerConfig["base_url"], 30)
		case domain.PowerShell:
			backends[h.PowerBackend] = power.NewShellController(exec, 30*time.Second)
		case domain.PowerCloud:
			ctrl, err := power.NewCloudController(ctx)
			if err != nil {
				return nil, domain.NewError(domain.ErrConfigInvalid, fmt.Errorf("init cloud power controller: %w", err))
			}
			backends[h.PowerBackend] = ctrl
		case domain.PowerNone:
			backends[h.PowerBackend] = power.NewNoneController()
		default:
			return nil, domain.NewError(domain.ErrConfigInvalid, fmt.Errorf("host %s: unknown power backend %q", h.ID, h.PowerBackend))
		}
	}

	return power.NewRegistry(backends, circuitbreaker.Config{
		ErrorPct:       50,
		WindowDuration: 5 * time.Minute,
		OpenDuration:   2 * time.Minute,
		HalfOpenProbes: 1,
	}), nil
}

// redisClient returns a Redis client for cfg.Events.RedisAddr, or nil when
// no address is configured. Every component that wants Redis (the
// notifier, livelog) shares this one client rather than opening its own.
func redisClient(cfg *config.Config) *redis.Client {
	if cfg.Events.RedisAddr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{Addr: cfg.Events.RedisAddr})
}

// buildNotifier returns a Redis-backed session-lifecycle notifier over
// client, or a no-op one when no Redis address is configured (client is
// nil in that case — single-terminal use).
func buildNotifier(client *redis.Client) queue.Notifier {
	if client == nil {
		return queue.NewNoopNotifier()
	}
	return queue.NewRedisNotifier(client)
}

// coordinatorFor builds a Coordinator over rt's component graph.
func coordinatorFor(rt *runtime) *coordinator.Coordinator {
	c := coordinator.New(rt.store, rt.driver, rt.exec, rt.runner, rt.hosts)
	c.SetNotifier(rt.notifier)
	return c
}

func (rt *runtime) Close() {
	for _, h := range rt.hosts {
		_ = rt.exec.Close(h)
	}
	_ = rt.store.Close()
	_ = rt.notifier.Close()
	if rt.rdb != nil {
		_ = rt.rdb.Close()
	}
}
