package power

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/kbisect/kbisect/internal/domain"
)

// IPMIController drives a host's BMC through the ipmitool binary. No
// library in the example pack (or, to a first approximation, the wider Go
// ecosystem) speaks the raw IPMI v2.0 session/RMCP+ protocol with the
// completeness ipmitool has; shelling out to it is the same trade-off the
// BisectDriver makes for git: drive the one tool whose behavior defines
// correctness here, rather than a partial reimplementation.
type IPMIController struct {
	binary string
}

// NewIPMIController returns a controller invoking binary ("ipmitool" if
// empty) for every call.
func NewIPMIController(binary string) *IPMIController {
	if binary == "" {
		binary = "ipmitool"
	}
	return &IPMIController{binary: binary}
}

func (c *IPMIController) args(host domain.Host, verb ...string) []string {
	args := []string{
		"-I", "lanplus",
		"-H", host.PowerConfig["bmc_address"],
		"-U", host.PowerConfig["bmc_user"],
		"-P", host.PowerConfig["bmc_password"],
	}
	return append(args, verb...)
}

func (c *IPMIController) run(ctx context.Context, host domain.Host, verb ...string) (string, error) {
	cmd := exec.CommandContext(ctx, c.binary, c.args(host, verb...)...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("ipmitool %s: %w: %s", strings.Join(verb, " "), err, out.String())
	}
	return strings.TrimSpace(out.String()), nil
}

func (c *IPMIController) Status(ctx context.Context, host domain.Host) (Status, error) {
	out, err := c.run(ctx, host, "power", "status")
	if err != nil {
		return StatusUnknown, err
	}
	switch {
	case strings.Contains(out, "is on"):
		return StatusOn, nil
	case strings.Contains(out, "is off"):
		return StatusOff, nil
	default:
		return StatusUnknown, nil
	}
}

func (c *IPMIController) Cycle(ctx context.Context, host domain.Host) error {
	_, err := c.run(ctx, host, "power", "cycle")
	return err
}

func (c *IPMIController) On(ctx context.Context, host domain.Host) error {
	_, err := c.run(ctx, host, "power", "on")
	return err
}

func (c *IPMIController) Off(ctx context.Context, host domain.Host) error {
	_, err := c.run(ctx, host, "power", "off")
	return err
}

func (c *IPMIController) Reset(ctx context.Context, host domain.Host) error {
	_, err := c.run(ctx, host, "power", "reset")
	return err
}
