package strong

import (
	"hash"
	"io"

	"github.com/zeebo/blake3"
)

// DigestSize is the width of whole-stream digests.
const DigestSize = 32

// NewDigest returns a streaming BLAKE3-256 hash for whole files.
func NewDigest() hash.Hash {
	return blake3.New()
}

// FileDigest streams r through BLAKE3-256 and returns the digest and the
// number of bytes read.
func FileDigest(r io.Reader) ([DigestSize]byte, int64, error) {
	var out [DigestSize]byte
	h := blake3.New()
	buf := make([]byte, 1<<20)
	n, err := io.CopyBuffer(h, r, buf)
	if err != nil {
		return out, n, err
	}
	copy(out[:], h.Sum(nil))
	return out, n, nil
}
