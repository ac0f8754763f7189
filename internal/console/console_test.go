package console

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/kbisect/kbisect/internal/domain"
)

type fakeBackend struct {
	name domain.ConsoleBackend
	data string
	err  error
}

func (f *fakeBackend) Name() domain.ConsoleBackend { return f.name }

func (f *fakeBackend) Open(ctx context.Context, host domain.Host) (io.ReadCloser, error) {
	if f.err != nil {
		return nil, f.err
	}
	return io.NopCloser(strings.NewReader(f.data)), nil
}

func TestCollectorFallsThroughToNextBackend(t *testing.T) {
	failing := &fakeBackend{name: "first", err: errors.New("unreachable")}
	working := &fakeBackend{name: "second", data: "panic: it's dead jim\n"}
	c := NewCollector(failing, working)

	host := domain.Host{ID: "h1", ConsoleBackends: []domain.ConsoleBackend{"first", "second"}}

	sess, err := c.Start(context.Background(), host)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sess == nil {
		t.Fatal("expected a session from the working backend")
	}

	time.Sleep(50 * time.Millisecond)
	captured, err := Stop(sess)
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !strings.Contains(string(captured), "panic") {
		t.Fatalf("expected captured output to contain the panic line, got %q", captured)
	}
}

func TestCollectorNoBackendsConfigured(t *testing.T) {
	c := NewCollector()
	host := domain.Host{ID: "h1"}

	sess, err := c.Start(context.Background(), host)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sess != nil {
		t.Fatal("expected nil session when no backends are configured")
	}

	if captured, err := Stop(sess); err != nil || captured != nil {
		t.Fatalf("Stop on nil session should be a no-op, got (%v, %v)", captured, err)
	}
}
