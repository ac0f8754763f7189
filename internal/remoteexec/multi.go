package remoteexec

import (
	"context"
	"io"
	"time"

	"github.com/kbisect/kbisect/internal/domain"
)

// MultiTransport dispatches to ssh or vsock per Host.Transport, so a
// single RemoteExec is wired into the rest of the system regardless of
// how individual hosts are reached.
type MultiTransport struct {
	ssh   *SSHTransport
	vsock *VsockTransport
}

// NewMultiTransport returns a RemoteExec that routes by host.Transport.
// Either argument may be nil if that transport is unused by any
// configured host.
func NewMultiTransport(ssh *SSHTransport, vsock *VsockTransport) *MultiTransport {
	return &MultiTransport{ssh: ssh, vsock: vsock}
}

func (m *MultiTransport) pick(host domain.Host) (RemoteExec, error) {
	switch host.Transport {
	case domain.TransportVsock:
		if m.vsock == nil {
			return nil, domain.NewError(domain.ErrConfigInvalid, errNoTransport(host.ID, "vsock"))
		}
		return m.vsock, nil
	default:
		if m.ssh == nil {
			return nil, domain.NewError(domain.ErrConfigInvalid, errNoTransport(host.ID, "ssh"))
		}
		return m.ssh, nil
	}
}

func (m *MultiTransport) Run(ctx context.Context, host domain.Host, opName string, args []string, stdin io.Reader, timeout time.Duration) (*Result, error) {
	t, err := m.pick(host)
	if err != nil {
		return nil, err
	}
	return t.Run(ctx, host, opName, args, stdin, timeout)
}

func (m *MultiTransport) Close(host domain.Host) error {
	t, err := m.pick(host)
	if err != nil {
		return nil
	}
	return t.Close(host)
}

type transportError struct {
	hostID, transport string
}

func (e transportError) Error() string {
	return "host " + e.hostID + " requires " + e.transport + " transport, which is not configured"
}

func errNoTransport(hostID, transport string) error {
	return transportError{hostID: hostID, transport: transport}
}
