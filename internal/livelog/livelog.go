// Package livelog streams build and console output to Redis Streams as it
// is produced, so an operator can watch an in-progress iteration with
// `bisectctl tail` instead of waiting for the completed blob in Store.
// It is an auxiliary channel: the durable record stays in Store's
// PutLogBlob/GetLogBlob, and a livelog.Store holds only the last
// maxLineEntries lines per (iteration, host, kind) for a bounded window.
package livelog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	streamPrefix   = "kbisect:livelog:"
	streamTTL      = time.Hour
	maxLineEntries = 20000
)

// Kind distinguishes a build-phase line from a console-capture line.
type Kind string

const (
	KindBuild   Kind = "build"
	KindConsole Kind = "console"
)

// Line is one streamed line of output from a running iteration.
type Line struct {
	Timestamp   time.Time `json:"timestamp"`
	IterationID string    `json:"iteration_id"`
	HostID      string    `json:"host_id"`
	Kind        Kind      `json:"kind"`
	Message     string    `json:"message"`
}

// Store publishes and tails Line entries over Redis Streams.
type Store struct {
	redis *redis.Client
}

// NewStore builds a Store over an existing Redis client.
func NewStore(client *redis.Client) *Store {
	return &Store{redis: client}
}

func streamKey(iterationID, hostID string, kind Kind) string {
	return streamPrefix + iterationID + ":" + hostID + ":" + string(kind)
}

// Append publishes one line to its (iteration, host, kind) stream. It
// never blocks on a slow consumer: Redis Streams buffer independently of
// Tail readers.
func (s *Store) Append(ctx context.Context, line Line) error {
	key := streamKey(line.IterationID, line.HostID, line.Kind)

	data, err := json.Marshal(line)
	if err != nil {
		return err
	}

	_, err = s.redis.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: maxLineEntries,
		Approx: true,
		Values: map[string]interface{}{"data": string(data)},
	}).Result()
	if err != nil {
		return fmt.Errorf("xadd: %w", err)
	}

	s.redis.Expire(ctx, key, streamTTL)
	return nil
}

// Tail streams new lines for (iterationID, hostID, kind) as they are
// appended, starting from whatever is already on the stream. The
// returned channel is closed when ctx is done or the stream read fails.
func (s *Store) Tail(ctx context.Context, iterationID, hostID string, kind Kind) (<-chan Line, error) {
	key := streamKey(iterationID, hostID, kind)
	ch := make(chan Line, 256)

	go func() {
		defer close(ch)
		lastID := "0"

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			streams, err := s.redis.XRead(ctx, &redis.XReadArgs{
				Streams: []string{key, lastID},
				Count:   256,
				Block:   time.Second,
			}).Result()
			if err == redis.Nil {
				continue
			}
			if err != nil {
				return
			}

			for _, stream := range streams {
				for _, msg := range stream.Messages {
					lastID = msg.ID
					data, ok := msg.Values["data"].(string)
					if !ok {
						continue
					}
					var line Line
					if err := json.Unmarshal([]byte(data), &line); err != nil {
						continue
					}
					select {
					case ch <- line:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return ch, nil
}

// LineWriter splits a byte stream on newlines and publishes each complete
// line to a Store, so io.TeeReader can feed it alongside the durable blob
// write without either side buffering the whole stream.
type LineWriter struct {
	store       *Store
	ctx         context.Context
	iterationID string
	hostID      string
	kind        Kind
	buf         []byte
}

// NewLineWriter returns an io.Writer that publishes each newline-terminated
// chunk written to it as a livelog.Line. store may be nil, in which case
// every write is a no-op — callers can unconditionally tee into one
// without checking whether live streaming is configured.
func NewLineWriter(ctx context.Context, store *Store, iterationID, hostID string, kind Kind) *LineWriter {
	return &LineWriter{store: store, ctx: ctx, iterationID: iterationID, hostID: hostID, kind: kind}
}

func (w *LineWriter) Write(p []byte) (int, error) {
	if w.store == nil {
		return len(p), nil
	}
	w.buf = append(w.buf, p...)
	for {
		i := indexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		line := string(w.buf[:i])
		w.buf = w.buf[i+1:]
		_ = w.store.Append(w.ctx, Line{
			Timestamp:   time.Now().UTC(),
			IterationID: w.iterationID,
			HostID:      w.hostID,
			Kind:        w.kind,
			Message:     line,
		})
	}
	return len(p), nil
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}
