package power

import (
	"context"
	"fmt"
	"time"

	"github.com/kbisect/kbisect/internal/domain"
	"github.com/kbisect/kbisect/internal/remoteexec"
)

// ShellController reboots a host by issuing a reboot command over the
// same RemoteExec channel used for build/install/test operations. It
// cannot recover a host whose OS has wedged or whose network is down —
// Status always reports StatusUnknown, and On is unsupported, since a
// shell command cannot run on a host that is not already up; Off issues a
// poweroff command over RemoteExec the same way Cycle issues a reboot.
type ShellController struct {
	exec    remoteexec.RemoteExec
	timeout time.Duration
}

// NewShellController returns a controller issuing its reboot command
// through exec, bounded by timeout.
func NewShellController(exec remoteexec.RemoteExec, timeout time.Duration) *ShellController {
	return &ShellController{exec: exec, timeout: timeout}
}

func (c *ShellController) Status(ctx context.Context, host domain.Host) (Status, error) {
	return StatusUnknown, nil
}

func (c *ShellController) Cycle(ctx context.Context, host domain.Host) error {
	res, err := c.exec.Run(ctx, host, "reboot", nil, nil, c.timeout)
	if err != nil {
		return err
	}
	return res.Close()
}

func (c *ShellController) On(ctx context.Context, host domain.Host) error {
	return fmt.Errorf("shell power backend cannot power on an unreachable host")
}

func (c *ShellController) Off(ctx context.Context, host domain.Host) error {
	res, err := c.exec.Run(ctx, host, "poweroff", nil, nil, c.timeout)
	if err != nil {
		return err
	}
	return res.Close()
}

func (c *ShellController) Reset(ctx context.Context, host domain.Host) error {
	return c.Cycle(ctx, host)
}
