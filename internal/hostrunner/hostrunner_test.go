package hostrunner

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kbisect/kbisect/internal/bootmonitor"
	"github.com/kbisect/kbisect/internal/circuitbreaker"
	"github.com/kbisect/kbisect/internal/console"
	"github.com/kbisect/kbisect/internal/domain"
	"github.com/kbisect/kbisect/internal/power"
	"github.com/kbisect/kbisect/internal/remoteexec"
	"github.com/kbisect/kbisect/internal/store"
)

// scriptedExec answers each RemoteExec op with a preprogrammed response,
// counting calls by op name.
type scriptedExec struct {
	mu        sync.Mutex
	responses map[string]scriptedResponse
	calls     map[string]int
}

type scriptedResponse struct {
	output string
	code   int
	err    error
}

func newScriptedExec() *scriptedExec {
	return &scriptedExec{responses: map[string]scriptedResponse{}, calls: map[string]int{}}
}

func (s *scriptedExec) on(op string, output string, code int, err error) {
	s.responses[op] = scriptedResponse{output: output, code: code, err: err}
}

func (s *scriptedExec) Run(ctx context.Context, host domain.Host, opName string, args []string, stdin io.Reader, timeout time.Duration) (*remoteexec.Result, error) {
	s.mu.Lock()
	s.calls[opName]++
	s.mu.Unlock()
	resp, ok := s.responses[opName]
	if !ok {
		resp = scriptedResponse{output: "", code: 0}
	}
	if resp.err != nil {
		return nil, resp.err
	}
	return remoteexec.NewFakeResult(resp.output, resp.code), nil
}

func (s *scriptedExec) Close(host domain.Host) error { return nil }

// memStore implements store.Store with no durability, enough to observe
// what a Runner would have persisted.
type memStore struct {
	mu       sync.Mutex
	blobs    []domain.LogBlob
	outcomes []domain.HostOutcome
}

func newMemStore() *memStore { return &memStore{} }

func (m *memStore) CreateSession(ctx context.Context, goodRef, badRef string, config []byte) (string, error) {
	return "sess1", nil
}
func (m *memStore) OpenSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	return nil, nil
}
func (m *memStore) UpdateSessionStatus(ctx context.Context, sessionID string, status domain.SessionStatus, resultCommit string) error {
	return nil
}
func (m *memStore) CreateIteration(ctx context.Context, sessionID string, index int, sha, message string) (string, error) {
	return "iter1", nil
}
func (m *memStore) MarkIteration(ctx context.Context, iterationID string, fn func() (domain.Verdict, string, error)) error {
	_, _, err := fn()
	return err
}
func (m *memStore) UpdateIteration(ctx context.Context, iterationID string, verdict domain.Verdict, errorSummary string) error {
	return nil
}
func (m *memStore) PutHostOutcome(ctx context.Context, outcome domain.HostOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, outcome)
	return nil
}
func (m *memStore) PutLogBlob(ctx context.Context, iterationID, hostID string, kind domain.LogBlobKind, r io.Reader, exitCode *int) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	id := string(kind) + "-blob"
	m.blobs = append(m.blobs, domain.LogBlob{ID: id, IterationID: iterationID, HostID: hostID, Kind: kind, Size: int64(len(data)), ExitCode: exitCode})
	return id, nil
}
func (m *memStore) PutMetadata(ctx context.Context, sessionID, iterationID string, payload []byte) (string, error) {
	return "meta1", nil
}
func (m *memStore) Summary(ctx context.Context, sessionID string) (*domain.SessionSummary, error) {
	return nil, nil
}
func (m *memStore) Iterations(ctx context.Context, sessionID string) ([]domain.Iteration, error) {
	return nil, nil
}
func (m *memStore) HostOutcomes(ctx context.Context, iterationID string) ([]domain.HostOutcome, error) {
	return nil, nil
}
func (m *memStore) GetLogBlob(ctx context.Context, blobID string) (io.ReadCloser, *domain.LogBlob, error) {
	return io.NopCloser(strings.NewReader("")), &domain.LogBlob{ID: blobID}, nil
}
func (m *memStore) GetMetadata(ctx context.Context, metadataID string) ([]byte, error) {
	return nil, nil
}
func (m *memStore) Close() error { return nil }

var _ store.Store = (*memStore)(nil)

type fakePowerController struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakePowerController) Status(ctx context.Context, host domain.Host) (power.Status, error) {
	return power.StatusOn, nil
}
func (f *fakePowerController) Cycle(ctx context.Context, host domain.Host) error {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.err
}
func (f *fakePowerController) On(ctx context.Context, host domain.Host) error  { return nil }
func (f *fakePowerController) Off(ctx context.Context, host domain.Host) error { return nil }
func (f *fakePowerController) Reset(ctx context.Context, host domain.Host) error {
	return f.Cycle(ctx, host)
}

func newTestRunner(exec *scriptedExec, pc *fakePowerController, st store.Store) *Runner {
	host := domain.Host{PowerBackend: domain.PowerNone}
	reg := power.NewRegistry(map[domain.PowerBackend]power.PowerController{host.PowerBackend: pc}, testBreakerConfig())
	collector := console.NewCollector()
	boot := bootmonitor.NewMonitor(exec, 20*time.Millisecond)
	boot.BaseDelay = time.Millisecond
	boot.MaxDelay = 5 * time.Millisecond
	return New(exec, reg, collector, boot, st, Timeouts{Build: time.Second, Boot: 20 * time.Millisecond, Test: time.Second}, RecoveryPolicy{Attempts: 2, Spacing: time.Millisecond}, nil)
}

func TestRunBuildFailureSkipsWithoutReboot(t *testing.T) {
	exec := newScriptedExec()
	exec.on(remoteexec.OpBuildKernel, "compile error\n", 1, nil)
	pc := &fakePowerController{}
	st := newMemStore()

	r := newTestRunner(exec, pc, st)
	outcome := r.Run(context.Background(), "iter1", domain.Host{ID: "h1", PowerBackend: domain.PowerNone}, "deadbeef", "")

	if outcome.Verdict != domain.HostSkip || outcome.ErrorKind != domain.ErrBuildFailed {
		t.Fatalf("expected build_failed skip, got %+v", outcome)
	}
	if outcome.BuildLogBlobID == "" {
		t.Fatal("expected build log to be persisted even on failure")
	}
	if pc.calls != 0 {
		t.Fatalf("expected no power cycle after build failure, got %d calls", pc.calls)
	}
}

func TestRunBootFallbackFailsUnderDefaultTestMode(t *testing.T) {
	exec := newScriptedExec()
	exec.on(remoteexec.OpBuildKernel, "building...\n6.2.0-new\n", 0, nil)
	exec.on(remoteexec.OpKernelVersion, "6.1.0-protected\n", 0, nil)
	pc := &fakePowerController{}
	st := newMemStore()

	r := newTestRunner(exec, pc, st)
	host := domain.Host{ID: "h1", PowerBackend: domain.PowerNone, TestMode: domain.TestModeDefault}
	outcome := r.Run(context.Background(), "iter1", host, "deadbeef", "")

	if outcome.Verdict != domain.HostFail || outcome.ErrorKind != domain.ErrBootFallback {
		t.Fatalf("expected boot_fallback -> fail, got %+v", outcome)
	}
	if pc.calls != 1 {
		t.Fatalf("expected exactly one power cycle, got %d", pc.calls)
	}
}

func TestRunBootFallbackSkipsUnderCustomTestMode(t *testing.T) {
	exec := newScriptedExec()
	exec.on(remoteexec.OpBuildKernel, "building...\n6.2.0-new\n", 0, nil)
	exec.on(remoteexec.OpKernelVersion, "6.1.0-protected\n", 0, nil)
	pc := &fakePowerController{}
	st := newMemStore()

	r := newTestRunner(exec, pc, st)
	host := domain.Host{ID: "h1", PowerBackend: domain.PowerNone, TestMode: domain.TestModeCustom, TestScriptPath: "/check-feature.sh"}
	outcome := r.Run(context.Background(), "iter1", host, "deadbeef", "")

	if outcome.Verdict != domain.HostSkip || outcome.ErrorKind != domain.ErrBootFallback {
		t.Fatalf("expected boot_fallback -> skip under custom test mode, got %+v", outcome)
	}
}

func TestRunHappyPathPass(t *testing.T) {
	exec := newScriptedExec()
	exec.on(remoteexec.OpBuildKernel, "building...\n6.2.0-new\n", 0, nil)
	exec.on(remoteexec.OpKernelVersion, "6.2.0-new\n", 0, nil)
	exec.on(remoteexec.OpRunTest, "ok\n", 0, nil)
	pc := &fakePowerController{}
	st := newMemStore()

	r := newTestRunner(exec, pc, st)
	host := domain.Host{ID: "h1", PowerBackend: domain.PowerNone, TestMode: domain.TestModeDefault}
	outcome := r.Run(context.Background(), "iter1", host, "deadbeef", "")

	if outcome.Verdict != domain.HostPass {
		t.Fatalf("expected pass, got %+v", outcome)
	}
	if outcome.ObservedKernel != "6.2.0-new" {
		t.Fatalf("expected observed kernel to match expected, got %q", outcome.ObservedKernel)
	}
}

func TestRunTestFailure(t *testing.T) {
	exec := newScriptedExec()
	exec.on(remoteexec.OpBuildKernel, "building...\n6.2.0-new\n", 0, nil)
	exec.on(remoteexec.OpKernelVersion, "6.2.0-new\n", 0, nil)
	exec.on(remoteexec.OpRunTest, "assertion failed\n", 1, nil)
	pc := &fakePowerController{}
	st := newMemStore()

	r := newTestRunner(exec, pc, st)
	host := domain.Host{ID: "h1", PowerBackend: domain.PowerNone, TestMode: domain.TestModeDefault}
	outcome := r.Run(context.Background(), "iter1", host, "deadbeef", "")

	if outcome.Verdict != domain.HostFail || outcome.ErrorKind != domain.ErrTestFailed {
		t.Fatalf("expected test_failed -> fail, got %+v", outcome)
	}
}

func TestRunUnreachableAfterRecoveryExhausted(t *testing.T) {
	exec := newScriptedExec()
	exec.on(remoteexec.OpBuildKernel, "building...\n6.2.0-new\n", 0, nil)
	exec.on(remoteexec.OpKernelVersion, "", 0, errUnreachable{})
	pc := &fakePowerController{}
	st := newMemStore()

	r := newTestRunner(exec, pc, st)
	r.timeouts.Boot = 5 * time.Millisecond
	host := domain.Host{ID: "h1", PowerBackend: domain.PowerNone, TestMode: domain.TestModeDefault}
	outcome := r.Run(context.Background(), "iter1", host, "deadbeef", "")

	if outcome.Verdict != domain.HostUnreachable {
		t.Fatalf("expected unreachable, got %+v", outcome)
	}
	// 1 initial cycle + RecoveryPolicy.Attempts cycles during RECOVER.
	if pc.calls != 1+r.recovery.Attempts {
		t.Fatalf("expected %d power cycles, got %d", 1+r.recovery.Attempts, pc.calls)
	}
}

type errUnreachable struct{}

func (errUnreachable) Error() string { return "connection refused" }

func testBreakerConfig() circuitbreaker.Config {
	return circuitbreaker.Config{ErrorPct: 100, WindowDuration: time.Minute, OpenDuration: 0, HalfOpenProbes: 1}
}
