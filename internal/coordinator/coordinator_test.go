package coordinator

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kbisect/kbisect/internal/domain"
	"github.com/kbisect/kbisect/internal/remoteexec"
	"github.com/kbisect/kbisect/internal/store"
)

// fakeStore is a minimal in-memory store.Store for exercising the loop
// without Postgres.
type fakeStore struct {
	mu sync.Mutex

	session    *domain.Session
	iterations []domain.Iteration
	outcomes   map[string][]domain.HostOutcome // iterationID -> outcomes
	metadata   []string

	nextIterIdx int
}

func newFakeStore() *fakeStore {
	return &fakeStore{outcomes: map[string][]domain.HostOutcome{}}
}

func (s *fakeStore) CreateSession(ctx context.Context, goodRef, badRef string, config []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session = &domain.Session{ID: "sess-1", GoodRef: goodRef, BadRef: badRef, Status: domain.SessionRunning}
	return s.session.ID, nil
}

func (s *fakeStore) OpenSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return nil, store.ErrNoActiveSession
	}
	return s.session, nil
}

func (s *fakeStore) UpdateSessionStatus(ctx context.Context, sessionID string, status domain.SessionStatus, resultCommit string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session.Status = status
	s.session.FirstBad = resultCommit
	return nil
}

func (s *fakeStore) CreateIteration(ctx context.Context, sessionID string, index int, sha, message string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := fmt.Sprintf("iter-%d", index)
	s.iterations = append(s.iterations, domain.Iteration{ID: id, SessionID: sessionID, Index: index, SHA: sha, Message: message, Verdict: domain.VerdictPending})
	return id, nil
}

func (s *fakeStore) MarkIteration(ctx context.Context, iterationID string, fn func() (domain.Verdict, string, error)) error {
	verdict, _, err := fn()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.iterations {
		if s.iterations[i].ID == iterationID {
			s.iterations[i].Verdict = verdict
		}
	}
	return nil
}

func (s *fakeStore) UpdateIteration(ctx context.Context, iterationID string, verdict domain.Verdict, errorSummary string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.iterations {
		if s.iterations[i].ID == iterationID {
			s.iterations[i].Verdict = verdict
			s.iterations[i].ErrorSummary = errorSummary
		}
	}
	return nil
}

func (s *fakeStore) PutHostOutcome(ctx context.Context, outcome domain.HostOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes[outcome.IterationID] = append(s.outcomes[outcome.IterationID], outcome)
	return nil
}

func (s *fakeStore) PutLogBlob(ctx context.Context, iterationID, hostID string, kind domain.LogBlobKind, r io.Reader, exitCode *int) (string, error) {
	return "blob", nil
}

func (s *fakeStore) PutMetadata(ctx context.Context, sessionID, iterationID string, payload []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metadata = append(s.metadata, string(payload))
	return "meta", nil
}

func (s *fakeStore) Summary(ctx context.Context, sessionID string) (*domain.SessionSummary, error) {
	return nil, nil
}

func (s *fakeStore) Iterations(ctx context.Context, sessionID string) ([]domain.Iteration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Iteration, len(s.iterations))
	copy(out, s.iterations)
	return out, nil
}

func (s *fakeStore) HostOutcomes(ctx context.Context, iterationID string) ([]domain.HostOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.HostOutcome(nil), s.outcomes[iterationID]...), nil
}

func (s *fakeStore) GetLogBlob(ctx context.Context, blobID string) (io.ReadCloser, *domain.LogBlob, error) {
	return io.NopCloser(strings.NewReader("")), &domain.LogBlob{ID: blobID}, nil
}

func (s *fakeStore) GetMetadata(ctx context.Context, metadataID string) ([]byte, error) {
	return nil, nil
}

func (s *fakeStore) Close() error { return nil }

var _ store.Store = (*fakeStore)(nil)

// fakeDriver is a scripted git-bisect stand-in: shas is the remaining
// candidate queue, convergeAt names the sha that marks firstBad once it
// receives a VerdictBad mark.
type fakeDriver struct {
	mu          sync.Mutex
	shas        []string
	convergeAt  string
	marks       []domain.Verdict
	done        bool
	startCalled bool
}

func (d *fakeDriver) Start(ctx context.Context, goodRef, badRef string) error {
	d.startCalled = true
	return nil
}

func (d *fakeDriver) Current(ctx context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.done || len(d.shas) == 0 {
		return "", nil
	}
	return d.shas[0], nil
}

func (d *fakeDriver) Message(ctx context.Context, sha string) (string, error) {
	return "commit " + sha, nil
}

func (d *fakeDriver) Mark(ctx context.Context, verdict domain.Verdict) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.marks = append(d.marks, verdict)
	current := d.shas[0]
	d.shas = d.shas[1:]
	if current == d.convergeAt && verdict == domain.VerdictBad {
		d.done = true
		return current, nil
	}
	if len(d.shas) == 0 {
		d.done = true
	}
	return "", nil
}

// fakeRunner returns a scripted verdict per host, regardless of sha.
type fakeRunner struct {
	verdicts map[string]domain.HostVerdict
}

func (r *fakeRunner) Run(ctx context.Context, iterationID string, host domain.Host, sha, baseConfig string) domain.HostOutcome {
	v := r.verdicts[host.ID]
	return domain.HostOutcome{IterationID: iterationID, HostID: host.ID, Verdict: v, PhaseReached: domain.PhaseDone}
}

// fakeExec answers echo/collect_metadata with a successful empty response.
type fakeExec struct{}

func (fakeExec) Run(ctx context.Context, host domain.Host, opName string, args []string, stdin io.Reader, timeout time.Duration) (*remoteexec.Result, error) {
	return remoteexec.NewFakeResult("", 0), nil
}
func (fakeExec) Close(host domain.Host) error { return nil }

func testHosts() []domain.Host {
	return []domain.Host{{ID: "h1", TestMode: domain.TestModeDefault}, {ID: "h2", TestMode: domain.TestModeDefault}}
}

func TestRunConvergesToFirstBad(t *testing.T) {
	st := newFakeStore()
	driver := &fakeDriver{shas: []string{"c1", "c2", "c3"}, convergeAt: "c2"}
	runner := &fakeRunner{verdicts: map[string]domain.HostVerdict{"h1": domain.HostPass, "h2": domain.HostPass}}
	co := New(st, driver, fakeExec{}, runner, testHosts())

	// c1 passes (good), c2 fails (bad, convergeAt), loop should stop there.
	runner.verdicts["h1"] = domain.HostPass
	report, err := runOneStep(t, co, st, driver, runner, "good", "bad")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report != nil {
		t.Fatalf("expected no halt report, got %+v", report)
	}
	if st.session.Status != domain.SessionCompleted {
		t.Fatalf("expected completed session, got %v", st.session.Status)
	}
	if st.session.FirstBad != "c2" {
		t.Fatalf("expected first bad c2, got %q", st.session.FirstBad)
	}
}

// runOneStep drives the full Run loop: since fakeRunner always returns
// HostPass for both hosts except when explicitly flipped to fail at c2, we
// toggle verdicts based on driver state via a small wrapper.
func runOneStep(t *testing.T, co *Coordinator, st *fakeStore, driver *fakeDriver, runner *fakeRunner, good, bad string) (*HaltReport, error) {
	t.Helper()
	// Wrap runner.Run to fail exactly at convergeAt.
	wrapped := &convergingRunner{driver: driver, convergeAt: driver.convergeAt}
	co.runner = wrapped
	return co.Run(context.Background(), good, bad, nil)
}

type convergingRunner struct {
	driver     *fakeDriver
	convergeAt string
}

func (r *convergingRunner) Run(ctx context.Context, iterationID string, host domain.Host, sha, baseConfig string) domain.HostOutcome {
	v := domain.HostPass
	if sha == r.convergeAt {
		v = domain.HostFail
	}
	return domain.HostOutcome{IterationID: iterationID, HostID: host.ID, Verdict: v, PhaseReached: domain.PhaseDone}
}

func TestRunHaltsOnUnreachableHost(t *testing.T) {
	st := newFakeStore()
	driver := &fakeDriver{shas: []string{"c1"}, convergeAt: "none"}
	runner := &fakeRunner{verdicts: map[string]domain.HostVerdict{"h1": domain.HostPass, "h2": domain.HostUnreachable}}
	co := New(st, driver, fakeExec{}, runner, testHosts())

	report, err := co.Run(context.Background(), "good", "bad", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report == nil {
		t.Fatal("expected a halt report")
	}
	if st.session.Status != domain.SessionHalted {
		t.Fatalf("expected halted session, got %v", st.session.Status)
	}
	if len(report.UnreachableHosts) != 1 || report.UnreachableHosts[0] != "h2" {
		t.Fatalf("unexpected unreachable hosts: %v", report.UnreachableHosts)
	}
}

func TestResumeFromHaltedReclassifiesByTestMode(t *testing.T) {
	st := newFakeStore()
	st.session = &domain.Session{ID: "sess-1", Status: domain.SessionHalted}
	st.iterations = []domain.Iteration{{ID: "iter-1", SessionID: "sess-1", Index: 1, SHA: "c1", Verdict: domain.VerdictPending}}
	st.outcomes["iter-1"] = []domain.HostOutcome{
		{IterationID: "iter-1", HostID: "h1", Verdict: domain.HostPass},
		{IterationID: "iter-1", HostID: "h2", Verdict: domain.HostUnreachable},
	}
	driver := &fakeDriver{shas: []string{"c1", "c2"}, convergeAt: "zzz"}
	hosts := []domain.Host{{ID: "h1", TestMode: domain.TestModeDefault}, {ID: "h2", TestMode: domain.TestModeCustom}}
	runner := &fakeRunner{verdicts: map[string]domain.HostVerdict{"h1": domain.HostPass, "h2": domain.HostPass}}
	co := New(st, driver, fakeExec{}, runner, hosts)

	if _, err := co.Run(context.Background(), "good", "bad", nil); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// h2 is TestModeCustom, so the unreachable outcome reclassifies to
	// skip; h1 passed; overall reduces to skip (no fail), which the
	// deferred mark hands to the BisectDriver. Inspect the mark the driver
	// recorded to check that the reclassification landed.
	if len(driver.marks) == 0 {
		t.Fatal("expected the reconciled pending iteration to be marked")
	}
	if driver.marks[0] != domain.VerdictSkip {
		t.Fatalf("expected reclassified verdict skip, got %v", driver.marks[0])
	}
}

func TestResumeFromRunningDiscardsDanglingIteration(t *testing.T) {
	st := newFakeStore()
	st.session = &domain.Session{ID: "sess-1", Status: domain.SessionRunning}
	st.iterations = []domain.Iteration{{ID: "iter-1", SessionID: "sess-1", Index: 1, SHA: "c1", Verdict: domain.VerdictPending}}
	// No outcomes recorded at all: the crash happened before any
	// HostRunner finished, and the VCS never advanced past c1 either.
	driver := &fakeDriver{shas: []string{"c1", "c2"}, convergeAt: "zzz"}
	runner := &fakeRunner{verdicts: map[string]domain.HostVerdict{"h1": domain.HostPass, "h2": domain.HostPass}}
	co := New(st, driver, fakeExec{}, runner, testHosts())

	if _, err := co.Run(context.Background(), "good", "bad", nil); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if st.iterations[0].Verdict != domain.VerdictDiscarded {
		t.Fatalf("expected dangling iteration closed as discarded, got %v", st.iterations[0].Verdict)
	}
}
