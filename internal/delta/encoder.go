// Package delta computes, serializes and parses copy/literal deltas against
// block signatures.
package delta

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/quantarax/rdiff/internal/blockindex"
	"github.com/quantarax/rdiff/internal/rollsum"
	"github.com/quantarax/rdiff/internal/signature"
	"github.com/quantarax/rdiff/internal/strong"
)

// Options configures an Encoder.
type Options struct {
	// MaxLiteral caps the size of a single literal instruction. Zero means no
	// cap: consecutive unmatched bytes always form one literal.
	MaxLiteral int
	// Hasher overrides the strong hasher derived from the signature.
	Hasher strong.Hasher
}

// Encoder matches new file content against an indexed signature. An Encoder
// holds no per-scan state and may be used by several goroutines at once.
type Encoder struct {
	idx        *blockindex.Index
	hasher     strong.Hasher
	blockSize  int
	maxLiteral int
}

// NewEncoder returns an encoder over idx.
func NewEncoder(idx *blockindex.Index, opts Options) (*Encoder, error) {
	sig := idx.Signature()
	if err := signature.ValidateBlockSize(sig.BlockSize); err != nil {
		return nil, err
	}
	if opts.MaxLiteral < 0 {
		return nil, fmt.Errorf("max literal must not be negative, got %d", opts.MaxLiteral)
	}

	h := opts.Hasher
	if h == nil {
		var err error
		if h, err = sig.Hasher(); err != nil {
			return nil, err
		}
	}
	if h.Size() != sig.StrongLen && sig.Len() > 0 {
		return nil, fmt.Errorf("hasher width %d does not match signature strong length %d", h.Size(), sig.StrongLen)
	}

	return &Encoder{
		idx:        idx,
		hasher:     h,
		blockSize:  sig.BlockSize,
		maxLiteral: opts.MaxLiteral,
	}, nil
}

// BlockSize returns the block size of the underlying signature.
func (e *Encoder) BlockSize() int {
	return e.blockSize
}

// Encode scans r and returns the complete delta in memory.
func (e *Encoder) Encode(ctx context.Context, r io.Reader) (*Delta, *Stats, error) {
	d := &Delta{BlockSize: e.blockSize}
	stats, err := e.EncodeTo(ctx, r, d)
	if err != nil {
		return nil, nil, err
	}
	return d, stats, nil
}

// Encode builds an index over sig and encodes r with default options.
func Encode(ctx context.Context, sig *signature.Signature, r io.Reader) (*Delta, error) {
	enc, err := NewEncoder(blockindex.New(sig), Options{})
	if err != nil {
		return nil, err
	}
	d, _, err := enc.Encode(ctx, r)
	return d, err
}

// EncodeTo scans r in a single forward pass and streams instructions to sink.
//
// A window of up to BlockSize bytes slides over r one byte at a time. When its
// weak checksum and strong digest match a block, pending literal bytes are
// flushed, a copy is emitted and the window restarts after the match. At the
// end of input the window shrinks from the front so the tail is still matched
// against the short final block. Cancellation is observed between
// instructions; no partial instruction is ever emitted.
func (e *Encoder) EncodeTo(ctx context.Context, r io.Reader, sink Sink) (*Stats, error) {
	bs := e.blockSize
	digest := strong.NewDigest()
	br := bufio.NewReaderSize(io.TeeReader(r, digest), bs+4096)

	s := &scan{
		enc:  e,
		sink: sink,
		br:   br,
		buf:  make([]byte, 2*bs),
		rs:   rollsum.New(),
	}

	if err := s.fill(); err != nil {
		return nil, err
	}

	for s.hi > s.lo {
		window := s.buf[s.lo:s.hi]
		blk, hit, ok := e.idx.Match(s.rs.Digest(), window, e.hasher.Sum)
		if hit {
			s.stats.WeakHits++
		}
		if ok {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if err := s.flush(); err != nil {
				return nil, err
			}
			if err := s.emitCopy(blk.Index, len(window)); err != nil {
				return nil, err
			}
			if err := s.fill(); err != nil {
				return nil, err
			}
			continue
		}
		if hit {
			s.stats.StrongMisses++
		}

		out := s.buf[s.lo]
		s.literal = append(s.literal, out)
		s.lo++
		if e.maxLiteral > 0 && len(s.literal) >= e.maxLiteral {
			if err := s.flush(); err != nil {
				return nil, err
			}
		}

		if !s.eof {
			c, err := br.ReadByte()
			switch {
			case err == io.EOF:
				s.eof = true
			case err != nil:
				return nil, fmt.Errorf("failed to read input: %w", err)
			default:
				if s.hi == len(s.buf) {
					if err := ctx.Err(); err != nil {
						return nil, err
					}
					s.compact()
				}
				s.buf[s.hi] = c
				s.hi++
				s.rs.Roll(out, c)
				continue
			}
		}
		s.rs.RollOut(out)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.flush(); err != nil {
		return nil, err
	}

	copy(s.stats.Checksum[:], digest.Sum(nil))
	if err := sink.End(s.stats.Size, s.stats.Checksum); err != nil {
		return nil, err
	}
	return &s.stats, nil
}

// scan is the state of one EncodeTo pass. The window is buf[lo:hi].
type scan struct {
	enc     *Encoder
	sink    Sink
	br      *bufio.Reader
	buf     []byte
	lo, hi  int
	eof     bool
	rs      *rollsum.Rollsum
	literal []byte
	stats   Stats
}

// fill starts a fresh window of up to one block at the current position.
func (s *scan) fill() error {
	s.lo, s.hi = 0, 0
	s.rs.Reset()
	if s.eof {
		return nil
	}
	n, err := io.ReadFull(s.br, s.buf[:s.enc.blockSize])
	s.hi = n
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		s.eof = true
	} else if err != nil {
		return fmt.Errorf("failed to read input: %w", err)
	}
	s.rs.Update(s.buf[:n])
	return nil
}

// compact moves the window to the front of buf.
func (s *scan) compact() {
	n := copy(s.buf, s.buf[s.lo:s.hi])
	s.lo, s.hi = 0, n
}

func (s *scan) flush() error {
	if len(s.literal) == 0 {
		return nil
	}
	data := s.literal
	s.literal = nil
	s.stats.Literals++
	s.stats.LiteralBytes += int64(len(data))
	s.stats.Size += int64(len(data))
	return s.sink.WriteInstruction(Literal(data))
}

func (s *scan) emitCopy(block, length int) error {
	s.stats.Copies++
	s.stats.CopiedBytes += int64(length)
	s.stats.Size += int64(length)
	return s.sink.WriteInstruction(Copy(block, length))
}

// Equal reports whether two deltas contain the same instructions.
func Equal(a, b *Delta) bool {
	if a.BlockSize != b.BlockSize || len(a.Instructions) != len(b.Instructions) {
		return false
	}
	for i := range a.Instructions {
		x, y := a.Instructions[i], b.Instructions[i]
		if x.Kind != y.Kind || x.Len() != y.Len() {
			return false
		}
		if x.Kind == KindCopy && x.Block != y.Block {
			return false
		}
		if x.Kind == KindLiteral && !bytes.Equal(x.Data, y.Data) {
			return false
		}
	}
	return a.Size == b.Size && a.Checksum == b.Checksum
}
