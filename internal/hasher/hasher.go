// Package hasher computes content digests whose strength follows file priority.
package hasher

import (
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"errors"
	"fmt"
	"hash"
	"io"

	"cbak-go/internal/model"
)

// ErrUnknownAlgorithm is returned for an algorithm with no digest implementation.
var ErrUnknownAlgorithm = errors.New("unknown hash algorithm")

// DefaultAlgorithmFor picks the digest for a priority: 20 bytes for Low,
// 32 for Medium and Meta, 64 for High.
func DefaultAlgorithmFor(p model.Priority) model.HashAlgorithm {
	switch p {
	case model.PriorityLow:
		return model.HashSHA1
	case model.PriorityHigh:
		return model.HashSHA512
	default:
		return model.HashSHA256
	}
}

// New returns a fresh hash.Hash for the algorithm.
func New(alg model.HashAlgorithm) (hash.Hash, error) {
	switch alg {
	case model.HashSHA1:
		return sha1.New(), nil
	case model.HashSHA256:
		return sha256.New(), nil
	case model.HashSHA512:
		return sha512.New(), nil
	}
	return nil, fmt.Errorf("%w: %v", ErrUnknownAlgorithm, alg)
}

// Size returns the digest length in bytes, or 0 for an unknown algorithm.
func Size(alg model.HashAlgorithm) int {
	h, err := New(alg)
	if err != nil {
		return 0
	}
	return h.Size()
}

// Hash digests everything read from r.
// A zero-length source, a read failure, or an unknown algorithm yields an
// empty digest rather than an error, so callers treat it as a per-file failure.
func Hash(alg model.HashAlgorithm, r io.Reader) []byte {
	h, err := New(alg)
	if err != nil {
		return nil
	}
	n, err := io.Copy(h, r)
	if err != nil || n == 0 {
		return nil
	}
	return h.Sum(nil)
}

// HashBytes digests an in-memory block.
func HashBytes(alg model.HashAlgorithm, b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	h, err := New(alg)
	if err != nil {
		return nil
	}
	h.Write(b)
	return h.Sum(nil)
}

// Equal compares two digests by length and then element by element.
func Equal(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
