// Package console implements the ConsoleCollector contract of §4.4:
// start/stop a background capture of a host's serial console into an
// in-memory byte buffer. The whole capture stays in that buffer until Stop
// returns it; there is no size threshold, and nothing is written to disk or
// to the Store while capture runs. Capture is
// optional — a bisection must never fail because a console backend is
// unavailable; the omission is logged and the iteration proceeds.
package console

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/joeycumines/go-microbatch"

	"github.com/kbisect/kbisect/internal/domain"
	"github.com/kbisect/kbisect/internal/logging"
)

// Backend opens a raw byte stream from one console transport (serial-
// over-LAN, a console concentrator). A Backend that cannot connect
// returns an error so Collector can fall through to the next one in
// declared order.
type Backend interface {
	Name() domain.ConsoleBackend
	Open(ctx context.Context, host domain.Host) (io.ReadCloser, error)
}

// Session is a live capture in progress for one host.
type Session struct {
	host     domain.Host
	backend  domain.ConsoleBackend
	stream   io.ReadCloser
	cancel   context.CancelFunc
	batcher  *microbatch.Batcher[chunkJob]
	mu       sync.Mutex
	captured []byte
	done     chan struct{}
}

type chunkJob struct {
	data []byte
}

// Collector tries each configured Backend, in order, until one starts
// successfully.
type Collector struct {
	backends []Backend
}

// NewCollector returns a Collector trying backends in the given order.
func NewCollector(backends ...Backend) *Collector {
	return &Collector{backends: backends}
}

// Start opens the first backend (in host.ConsoleBackends order) willing to
// start, and begins copying its output into an in-memory buffer batched
// via go-microbatch so frequent small console reads coalesce into fewer,
// larger appends. A nil Session with a nil error means every backend
// declined or none were configured — the caller logs the omission and
// proceeds without console capture.
func (c *Collector) Start(ctx context.Context, host domain.Host) (*Session, error) {
	if len(host.ConsoleBackends) == 0 {
		return nil, nil
	}

	byName := make(map[domain.ConsoleBackend]Backend, len(c.backends))
	for _, b := range c.backends {
		byName[b.Name()] = b
	}

	for _, name := range host.ConsoleBackends {
		b, ok := byName[name]
		if !ok {
			continue
		}
		stream, err := b.Open(ctx, host)
		if err != nil {
			logging.Op().Warn("console backend failed to start, trying next", "host_id", host.ID, "backend", name, "error", err)
			continue
		}

		sessCtx, cancel := context.WithCancel(ctx)
		sess := &Session{
			host:    host,
			backend: name,
			stream:  stream,
			cancel:  cancel,
			done:    make(chan struct{}),
		}
		sess.batcher = microbatch.NewBatcher(&microbatch.BatcherConfig{
			MaxSize:       64,
			FlushInterval: 250 * time.Millisecond,
		}, func(_ context.Context, jobs []chunkJob) error {
			sess.mu.Lock()
			for _, j := range jobs {
				sess.captured = append(sess.captured, j.data...)
			}
			sess.mu.Unlock()
			return nil
		})

		go sess.pump(sessCtx)
		return sess, nil
	}

	logging.Op().Warn("no console backend available for host, proceeding without capture", "host_id", host.ID)
	return nil, nil
}

func (s *Session) pump(ctx context.Context) {
	defer close(s.done)
	buf := make([]byte, 4096)
	for {
		n, err := s.stream.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if _, subErr := s.batcher.Submit(ctx, chunkJob{data: chunk}); subErr != nil {
				return
			}
		}
		if err != nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// Stop ends capture and returns whatever bytes were captured. It is safe
// to call on a nil Session (capture was never started) and always
// returns without error in that case.
func Stop(sess *Session) ([]byte, error) {
	if sess == nil {
		return nil, nil
	}
	sess.cancel()
	<-sess.done
	_ = sess.batcher.Close()
	if err := sess.stream.Close(); err != nil {
		return nil, fmt.Errorf("close console backend %s: %w", sess.backend, err)
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.captured, nil
}
