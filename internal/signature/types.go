package signature

import (
	"errors"
	"fmt"
	"math"

	"github.com/quantarax/rdiff/internal/strong"
)

const (
	// DefaultBlockSize is the rsync default block length.
	DefaultBlockSize = 700
	// MaxBlockSize bounds the per-block buffers held by builders and encoders.
	MaxBlockSize = 64 << 20
)

var (
	ErrInvalidBlockSize = errors.New("block size out of range")
	ErrMalformed        = errors.New("malformed signature")
)

// Block describes one fixed-size chunk of the basis file.
type Block struct {
	Index  int
	Offset int64
	Length int
	Weak   uint32
	Strong []byte
}

// Signature is the ordered block list of a basis file together with the
// parameters used to produce it.
type Signature struct {
	BlockSize int
	Algorithm strong.Algorithm
	StrongLen int
	FileSize  int64
	Blocks    []Block
}

// Len returns the number of blocks.
func (s *Signature) Len() int {
	return len(s.Blocks)
}

// Block returns the block with the given index.
func (s *Signature) Block(index int) (Block, bool) {
	if index < 0 || index >= len(s.Blocks) {
		return Block{}, false
	}
	return s.Blocks[index], true
}

// Hasher returns a strong hasher matching the signature parameters.
func (s *Signature) Hasher() (strong.Hasher, error) {
	return strong.New(s.Algorithm, s.StrongLen)
}

// ChooseBlockSize picks a block size for a file of the given length: the
// default for files up to DefaultBlockSize² bytes, otherwise the square root
// of the length rounded to a multiple of eight.
func ChooseBlockSize(fileSize int64) int {
	if fileSize <= DefaultBlockSize*DefaultBlockSize {
		return DefaultBlockSize
	}
	bs := int(math.Round(math.Sqrt(float64(fileSize))/8) * 8)
	if bs > MaxBlockSize {
		bs = MaxBlockSize
	}
	return bs
}

// ValidateBlockSize checks that bs can be used to build a signature.
func ValidateBlockSize(bs int) error {
	if bs <= 0 || bs > MaxBlockSize {
		return fmt.Errorf("%w: %d not in [1,%d]", ErrInvalidBlockSize, bs, MaxBlockSize)
	}
	return nil
}

// blockCount returns the number of blocks a file of the given size splits into.
func blockCount(fileSize int64, blockSize int) int64 {
	if fileSize == 0 {
		return 0
	}
	bs := int64(blockSize)
	return (fileSize + bs - 1) / bs
}
