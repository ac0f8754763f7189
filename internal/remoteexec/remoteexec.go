// Package remoteexec implements the RemoteExec contract of §4.2: a single
// opaque `Run` operation that invokes a named entry point in the on-host
// script library over a transport the caller never needs to see directly.
//
// Two transports are provided: ssh, for hosts reachable over a network,
// and vsock, for hosts reachable only through a hypervisor's AF_VSOCK
// channel (e.g. a nested-virt test host with no routable network). Both
// stream output incrementally; a 50 MB build log must never be held
// whole in memory on its way to the Store.
package remoteexec

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/kbisect/kbisect/internal/domain"
)

// Result streams the combined stdout/stderr of one remote operation.
// Close must be called once the caller is done reading Output (whether
// because it hit EOF or gave up early); it blocks until the remote side
// reports completion and records the exit code. Calling Close more than
// once is safe.
type Result struct {
	Output io.Reader

	closeFn func() (int, error)
	closed  bool
	code    int
	werr    error
}

// Close waits for the remote command to finish and returns any error the
// transport observed while doing so (for example a channel drop mid-wait).
func (r *Result) Close() error {
	if !r.closed {
		r.code, r.werr = r.closeFn()
		r.closed = true
	}
	return r.werr
}

// ExitCode returns the remote command's exit status. Only meaningful after
// Close has returned.
func (r *Result) ExitCode() int { return r.code }

// NewFakeResult builds a Result that streams output and reports code
// immediately on Close, for use by fake RemoteExec implementations in
// other packages' tests.
func NewFakeResult(output string, code int) *Result {
	return &Result{
		Output:  strings.NewReader(output),
		closeFn: func() (int, error) { return code, nil },
	}
}

// RemoteExec runs named operations against a host's on-host script
// library over an opaque channel.
type RemoteExec interface {
	// Run invokes opName with args and an optional stdin payload, honoring
	// timeout. The returned Result streams output as it arrives; the
	// caller must read Output to EOF (or give up) and then call Close to
	// learn the exit code. Run itself only fails to set up the channel or
	// start the operation — command failure is reported via ExitCode.
	Run(ctx context.Context, host domain.Host, opName string, args []string, stdin io.Reader, timeout time.Duration) (*Result, error)

	// Close releases any transport-level resources (connection pools,
	// cached clients) held for host.
	Close(host domain.Host) error
}

// Named entry points in the on-host script library, per §4.2.
const (
	OpBuildKernel     = "build_kernel"
	OpCollectMetadata = "collect_metadata"
	OpRunTest         = "run_test"

	// OpEcho is a liveness probe: the host script library echoes its
	// argument back and exits zero.
	OpEcho = "echo"

	// OpKernelVersion reports the running kernel's `uname -r`, used by
	// BootMonitor to classify a newly booted host.
	OpKernelVersion = "kernel_version"

	// OpInitProtection locks the currently running kernel as the
	// permanent firmware default. Idempotent; run once during init.
	OpInitProtection = "init_protection"

	// OpCleanupOldKernels deletes bisect-built kernels beyond a
	// keep-count, never touching the protected kernel. Run by hostrunner
	// after every successful build.
	OpCleanupOldKernels = "cleanup_old_kernels"

	// OpVerifyProtection exits zero iff all protected files still exist.
	// Run by hostrunner after every successful build, to catch a build
	// that clobbered the protected kernel before it reaches power-cycle.
	OpVerifyProtection = "verify_protection"
)
