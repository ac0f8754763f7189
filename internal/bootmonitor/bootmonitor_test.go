package bootmonitor

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kbisect/kbisect/internal/domain"
	"github.com/kbisect/kbisect/internal/remoteexec"
)

type fakeExec struct {
	attempt  int32
	failN    int32
	response string
	failErr  error
}

func (f *fakeExec) Run(ctx context.Context, host domain.Host, opName string, args []string, stdin io.Reader, timeout time.Duration) (*remoteexec.Result, error) {
	n := atomic.AddInt32(&f.attempt, 1)
	if n <= f.failN {
		return nil, f.failErr
	}
	return remoteexec.NewFakeResult(f.response, 0), nil
}

func (f *fakeExec) Close(host domain.Host) error { return nil }

func TestWaitForBootExpectedMatch(t *testing.T) {
	exec := &fakeExec{response: "6.1.0-generic\n"}
	m := NewMonitor(exec, time.Second)
	m.BaseDelay = time.Millisecond
	m.MaxDelay = 5 * time.Millisecond

	res := m.WaitForBoot(context.Background(), domain.Host{ID: "h1"}, "6.1.0-generic", time.Second)
	if !res.Reachable || res.Outcome != OutcomeBootedExpected {
		t.Fatalf("expected booted_expected, got %+v", res)
	}
}

func TestWaitForBootFellBack(t *testing.T) {
	exec := &fakeExec{response: "5.15.0-previous\n"}
	m := NewMonitor(exec, time.Second)
	m.BaseDelay = time.Millisecond
	m.MaxDelay = 5 * time.Millisecond

	res := m.WaitForBoot(context.Background(), domain.Host{ID: "h1"}, "6.1.0-generic", time.Second)
	if !res.Reachable || res.Outcome != OutcomeFellBack {
		t.Fatalf("expected fell_back, got %+v", res)
	}
}

func TestWaitForBootRecoverAcceptsAnyKernel(t *testing.T) {
	exec := &fakeExec{failN: 2, failErr: errors.New("connection refused"), response: "6.1.0-generic\n"}
	m := NewMonitor(exec, time.Second)
	m.BaseDelay = time.Millisecond
	m.MaxDelay = 5 * time.Millisecond

	res := m.WaitForBoot(context.Background(), domain.Host{ID: "h1"}, "", time.Second)
	if !res.Reachable || res.Outcome != OutcomeBootedExpected {
		t.Fatalf("expected booted_expected with empty expectation, got %+v", res)
	}
}

func TestWaitForBootTimeout(t *testing.T) {
	exec := &fakeExec{failN: 1000, failErr: errors.New("connection refused")}
	m := NewMonitor(exec, time.Second)
	m.BaseDelay = time.Millisecond
	m.MaxDelay = 2 * time.Millisecond

	res := m.WaitForBoot(context.Background(), domain.Host{ID: "h1"}, "6.1.0-generic", 20*time.Millisecond)
	if res.Reachable || res.Outcome != OutcomeTimeout {
		t.Fatalf("expected timeout, got %+v", res)
	}
}

func TestBackoffCapped(t *testing.T) {
	m := NewMonitor(&fakeExec{}, time.Second)
	m.BaseDelay = time.Second
	m.MaxDelay = 8 * time.Second

	for attempt := 1; attempt <= 10; attempt++ {
		d := m.backoff(attempt)
		if d > m.MaxDelay+m.MaxDelay/4 {
			t.Fatalf("attempt %d: backoff %v exceeds cap+jitter", attempt, d)
		}
	}
}

func TestProbeTrimsWhitespace(t *testing.T) {
	exec := &fakeExec{response: "  6.1.0-generic  \n"}
	m := NewMonitor(exec, time.Second)
	observed, err := m.probe(context.Background(), domain.Host{ID: "h1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if observed != strings.TrimSpace("  6.1.0-generic  \n") {
		t.Fatalf("expected trimmed output, got %q", observed)
	}
}
