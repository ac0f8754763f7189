package power

import (
	"context"

	"github.com/kbisect/kbisect/internal/domain"
)

// NoneController backs domain.PowerNone: a host with no power control at
// all (e.g. an always-on CI runner reached only for build/test, never
// rebooted by the bisection itself). Cycle/On/Off/Reset are no-ops so the
// HostRunner's INSTALL+REBOOT phase degrades to "assume already booted"
// rather than failing outright.
type NoneController struct{}

// NewNoneController returns a controller that reports StatusOn and treats
// every power action as already satisfied.
func NewNoneController() *NoneController { return &NoneController{} }

func (c *NoneController) Status(ctx context.Context, host domain.Host) (Status, error) {
	return StatusOn, nil
}

func (c *NoneController) Cycle(ctx context.Context, host domain.Host) error { return nil }
func (c *NoneController) On(ctx context.Context, host domain.Host) error    { return nil }
func (c *NoneController) Off(ctx context.Context, host domain.Host) error   { return nil }
func (c *NoneController) Reset(ctx context.Context, host domain.Host) error { return nil }
