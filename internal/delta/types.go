package delta

import (
	"errors"
	"fmt"
	"io"

	"github.com/quantarax/rdiff/internal/strong"
)

// Kind tags an Instruction. The numeric values are the record tags of the
// delta file format.
type Kind uint8

const (
	KindCopy    Kind = 1
	KindLiteral Kind = 2
)

func (k Kind) String() string {
	switch k {
	case KindCopy:
		return "copy"
	case KindLiteral:
		return "literal"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

var ErrMalformed = errors.New("malformed delta")

// Instruction is either a copy of one basis block or a run of literal bytes.
type Instruction struct {
	Kind Kind
	// Block is the basis block index of a copy.
	Block int
	// Length is the number of output bytes of a copy.
	Length int
	// Data holds the bytes of a literal.
	Data []byte
}

// Copy returns an instruction copying length bytes of the given basis block.
func Copy(block, length int) Instruction {
	return Instruction{Kind: KindCopy, Block: block, Length: length}
}

// Literal returns an instruction emitting data verbatim.
func Literal(data []byte) Instruction {
	return Instruction{Kind: KindLiteral, Length: len(data), Data: data}
}

// Len returns the number of output bytes the instruction produces.
func (in Instruction) Len() int {
	if in.Kind == KindLiteral {
		return len(in.Data)
	}
	return in.Length
}

func (in Instruction) String() string {
	if in.Kind == KindLiteral {
		return fmt.Sprintf("Literal(%q)", in.Data)
	}
	return fmt.Sprintf("Copy(block=%d, length=%d)", in.Block, in.Length)
}

// Sink consumes instructions in order. End is called once after the last
// instruction with the size and BLAKE3 digest of the reconstructed file.
type Sink interface {
	WriteInstruction(in Instruction) error
	End(size int64, checksum [strong.DigestSize]byte) error
}

// Source yields instructions in order. Next returns io.EOF after the last
// instruction; Trailer is valid from then on.
type Source interface {
	BlockSize() int
	Next() (Instruction, error)
	Trailer() (size int64, checksum [strong.DigestSize]byte)
}

// Delta is an in-memory instruction list that reconstructs a new file from a
// basis file.
type Delta struct {
	BlockSize    int
	Instructions []Instruction
	Size         int64
	Checksum     [strong.DigestSize]byte
}

// WriteInstruction appends in to the delta.
func (d *Delta) WriteInstruction(in Instruction) error {
	d.Instructions = append(d.Instructions, in)
	return nil
}

// End records the trailer of the delta.
func (d *Delta) End(size int64, checksum [strong.DigestSize]byte) error {
	d.Size = size
	d.Checksum = checksum
	return nil
}

// LiteralBytes returns the total number of literal bytes.
func (d *Delta) LiteralBytes() int64 {
	var n int64
	for _, in := range d.Instructions {
		if in.Kind == KindLiteral {
			n += int64(len(in.Data))
		}
	}
	return n
}

// Source returns a Source replaying the delta.
func (d *Delta) Source() Source {
	return &sliceSource{d: d}
}

type sliceSource struct {
	d   *Delta
	pos int
}

func (s *sliceSource) BlockSize() int { return s.d.BlockSize }

func (s *sliceSource) Next() (Instruction, error) {
	if s.pos >= len(s.d.Instructions) {
		return Instruction{}, io.EOF
	}
	in := s.d.Instructions[s.pos]
	s.pos++
	return in, nil
}

func (s *sliceSource) Trailer() (int64, [strong.DigestSize]byte) {
	return s.d.Size, s.d.Checksum
}

// Stats summarizes an encoding pass.
type Stats struct {
	Copies       int
	CopiedBytes  int64
	Literals     int
	LiteralBytes int64
	// WeakHits counts window positions with at least one weak candidate.
	WeakHits int
	// StrongMisses counts weak hits rejected by the strong hash.
	StrongMisses int
	Size         int64
	Checksum     [strong.DigestSize]byte
}
