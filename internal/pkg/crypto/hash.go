package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
)

// HashString calculates SHA256 hash of a string.
func HashString(s string) string {
	h := sha256.New()
	h.Write([]byte(s))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// HashBytes calculates SHA256 hash of a byte slice, used for content
// addressing of log blobs and metadata payloads.
func HashBytes(b []byte) string {
	h := sha256.New()
	h.Write(b)
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// StreamHasher accumulates a SHA256 digest over a byte stream via io.Writer,
// for use as the sink of an io.TeeReader so a large log blob is hashed once
// while it is read, rather than buffered twice.
type StreamHasher struct {
	h hash.Hash
}

// NewStreamHasher returns a StreamHasher ready to be used as an io.Writer.
func NewStreamHasher() *StreamHasher {
	return &StreamHasher{h: sha256.New()}
}

func (s *StreamHasher) Write(p []byte) (int, error) {
	return s.h.Write(p)
}

// Sum returns the truncated hex digest of everything written so far, in the
// same format as HashString and HashBytes.
func (s *StreamHasher) Sum() string {
	return hex.EncodeToString(s.h.Sum(nil))[:16]
}
