package livelog

import (
	"context"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
)

func newTestRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available, skipping: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestAppendAndTail(t *testing.T) {
	client := newTestRedisClient(t)
	store := NewStore(client)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := store.Tail(ctx, "iter1", "h1", KindBuild)
	if err != nil {
		t.Fatalf("Tail failed: %v", err)
	}

	time.Sleep(50 * time.Millisecond)

	if err := store.Append(context.Background(), Line{
		Timestamp:   time.Now().UTC(),
		IterationID: "iter1",
		HostID:      "h1",
		Kind:        KindBuild,
		Message:     "compiling vmlinux",
	}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	select {
	case line := <-ch:
		if line.Message != "compiling vmlinux" {
			t.Fatalf("unexpected line: %+v", line)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected a tailed line")
	}
}

func TestLineWriterSplitsOnNewline(t *testing.T) {
	client := newTestRedisClient(t)
	store := NewStore(client)
	ctx := context.Background()

	w := NewLineWriter(ctx, store, "iter2", "h2", KindConsole)
	if _, err := w.Write([]byte("first line\nsecond")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if _, err := w.Write([]byte(" line\n")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	tailCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ch, err := store.Tail(tailCtx, "iter2", "h2", KindConsole)
	if err != nil {
		t.Fatalf("Tail failed: %v", err)
	}

	var got []string
	for len(got) < 2 {
		select {
		case line := <-ch:
			got = append(got, line.Message)
		case <-tailCtx.Done():
			t.Fatalf("only received %d of 2 expected lines: %v", len(got), got)
		}
	}
	if got[0] != "first line" || got[1] != "second line" {
		t.Fatalf("unexpected split lines: %v", got)
	}
}

func TestLineWriterNilStoreIsNoop(t *testing.T) {
	w := NewLineWriter(context.Background(), nil, "iter3", "h3", KindBuild)
	n, err := w.Write([]byte("anything\n"))
	if err != nil || n != len("anything\n") {
		t.Fatalf("expected nil-store write to be a silent no-op, got n=%d err=%v", n, err)
	}
}
