// Package strong provides the collision-resistant block digests used to
// confirm weak checksum hits.
package strong

import (
	"errors"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/blake2b"
)

// Algorithm identifies a strong hash function. The numeric value is stored in
// signature files.
type Algorithm uint8

const (
	BLAKE3  Algorithm = 1
	BLAKE2b Algorithm = 2
)

// MaxSize is the largest digest width of any supported algorithm.
const MaxSize = 32

var (
	ErrUnknownAlgorithm = errors.New("unknown strong hash algorithm")
	ErrInvalidLength    = errors.New("invalid strong hash length")
)

// String returns the lowercase algorithm name.
func (a Algorithm) String() string {
	switch a {
	case BLAKE3:
		return "blake3"
	case BLAKE2b:
		return "blake2b"
	default:
		return fmt.Sprintf("algorithm(%d)", uint8(a))
	}
}

// Valid reports whether a is a supported algorithm.
func (a Algorithm) Valid() bool {
	return a == BLAKE3 || a == BLAKE2b
}

// ParseAlgorithm maps a name such as "blake3" to its Algorithm.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "blake3":
		return BLAKE3, nil
	case "blake2b", "blake2b-256":
		return BLAKE2b, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, name)
	}
}

// Hasher computes strong digests of blocks.
type Hasher interface {
	Algorithm() Algorithm
	// Size is the digest width in bytes.
	Size() int
	// Sum returns the digest of p in a newly allocated slice.
	Sum(p []byte) []byte
}

type hasher struct {
	alg  Algorithm
	size int
	sum  func(p []byte) [32]byte
}

// New returns a Hasher for alg truncated to size bytes. A size of 0 selects
// the full width of the algorithm.
func New(alg Algorithm, size int) (Hasher, error) {
	if size == 0 {
		size = MaxSize
	}
	if size < 1 || size > MaxSize {
		return nil, fmt.Errorf("%w: %d not in [1,%d]", ErrInvalidLength, size, MaxSize)
	}

	h := &hasher{alg: alg, size: size}
	switch alg {
	case BLAKE3:
		h.sum = blake3.Sum256
	case BLAKE2b:
		h.sum = blake2b.Sum256
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownAlgorithm, uint8(alg))
	}
	return h, nil
}

func (h *hasher) Algorithm() Algorithm { return h.alg }

func (h *hasher) Size() int { return h.size }

func (h *hasher) Sum(p []byte) []byte {
	d := h.sum(p)
	out := make([]byte, h.size)
	copy(out, d[:h.size])
	return out
}
