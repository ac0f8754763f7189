package domain

// Phase is the furthest state-machine stage a HostRunner reached for one
// iteration on one host.
type Phase string

const (
	PhaseBuild   Phase = "build"
	PhaseInstall Phase = "install"
	PhaseBoot    Phase = "boot"
	PhaseTest    Phase = "test"
	PhaseDone    Phase = "done"
)

// ErrorKind is the closed taxonomy of §7. It is not a free-form string so
// that the Aggregator and the Coordinator's halt report can exhaustively
// switch over it.
type ErrorKind string

const (
	ErrConfigInvalid      ErrorKind = "config_invalid"
	ErrRemoteUnreachable  ErrorKind = "remote_unreachable"
	ErrRemoteAuth         ErrorKind = "remote_auth"
	ErrRemoteChannelLost  ErrorKind = "remote_channel_lost"
	ErrBuildFailed        ErrorKind = "build_failed"
	ErrInstallFailed      ErrorKind = "install_failed"
	ErrBootFallback       ErrorKind = "boot_fallback"
	ErrBootTimeout        ErrorKind = "boot_timeout"
	ErrPowerBackendFailure ErrorKind = "power_backend_failure"
	ErrTestFailed         ErrorKind = "test_failed"
	ErrTestTimeout        ErrorKind = "test_timeout"
	ErrStoreIO            ErrorKind = "store_io"
	ErrVCSMarkRejected    ErrorKind = "vcs_mark_rejected"
)

// HostOutcome is the per-host result of one iteration.
//
// Invariant: exactly one HostOutcome per (iteration, host). A verdict of
// HostUnreachable may become HostPass/HostFail/HostSkip only on session
// resume when the host is mark-forward-completed; otherwise it is terminal
// for that iteration.
type HostOutcome struct {
	IterationID     string
	HostID          string
	PhaseReached    Phase
	ObservedKernel  string
	Verdict         HostVerdict
	ErrorKind       ErrorKind
	BuildLogBlobID  string
	ConsoleLogBlobID string
}

// LogBlobKind distinguishes build output from console capture.
type LogBlobKind string

const (
	LogBlobBuild   LogBlobKind = "build"
	LogBlobConsole LogBlobKind = "console"
)

// LogBlob is a large compressed text artifact owned by one iteration+host.
type LogBlob struct {
	ID          string
	IterationID string
	HostID      string
	Kind        LogBlobKind
	Size        int64
	Checksum    string // content hash, used for dedup of identical payloads
	Compressed  []byte
	ExitCode    *int // set only for Kind == LogBlobBuild
}

// Metadata is an arbitrary JSON document describing host or kernel state,
// content-addressed so identical payloads share storage.
type Metadata struct {
	ID          string
	SessionID   string
	IterationID string // empty for the session-baseline metadata
	Checksum    string
	Payload     []byte
}
