package console

import (
	"context"
	"fmt"
	"io"
	"os/exec"

	"github.com/kbisect/kbisect/internal/domain"
)

// SOLBackend captures a host's IPMI serial-over-LAN session by running
// `ipmitool sol activate` and streaming its stdout — the same tool
// internal/power's IPMIController drives for power, for the same reason:
// no pack library speaks IPMI SOL framing.
type SOLBackend struct {
	binary string
}

// NewSOLBackend returns a backend invoking binary ("ipmitool" if empty).
func NewSOLBackend(binary string) *SOLBackend {
	if binary == "" {
		binary = "ipmitool"
	}
	return &SOLBackend{binary: binary}
}

func (b *SOLBackend) Name() domain.ConsoleBackend { return domain.ConsoleSerialOverLAN }

type solSession struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
}

func (s *solSession) Read(p []byte) (int, error) { return s.stdout.Read(p) }

func (s *solSession) Close() error {
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	return s.cmd.Wait()
}

func (b *SOLBackend) Open(ctx context.Context, host domain.Host) (io.ReadCloser, error) {
	cmd := exec.CommandContext(ctx, b.binary,
		"-I", "lanplus",
		"-H", host.PowerConfig["bmc_address"],
		"-U", host.PowerConfig["bmc_user"],
		"-P", host.PowerConfig["bmc_password"],
		"sol", "activate")

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("sol stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("sol activate: %w", err)
	}
	return &solSession{cmd: cmd, stdout: stdout}, nil
}
