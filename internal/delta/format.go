package delta

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/quantarax/rdiff/internal/signature"
	"github.com/quantarax/rdiff/internal/strong"
)

// Delta file layout (big-endian):
//
//	magic      [4]byte "RDDL"
//	version    uint16
//	block_size uint32
//	records, each starting with a one-byte tag:
//	  0x01 copy    {block uint32, length uint32}
//	  0x02 literal {length uint32, data [length]byte}
//	  0x00 end     {size uint64, checksum [32]byte}
const (
	FormatVersion = 1
	headerSize    = 4 + 2 + 4
	tagEnd        = 0x00
)

var magic = [4]byte{'R', 'D', 'D', 'L'}

// Writer serializes instructions to a delta stream. It implements Sink.
type Writer struct {
	bw        *bufio.Writer
	blockSize int
	ended     bool
	scratch   [1 + 8 + strong.DigestSize]byte
}

// NewWriter writes the delta header for the given block size to w.
func NewWriter(w io.Writer, blockSize int) (*Writer, error) {
	if err := signature.ValidateBlockSize(blockSize); err != nil {
		return nil, err
	}
	dw := &Writer{bw: bufio.NewWriterSize(w, 64<<10), blockSize: blockSize}

	var hdr [headerSize]byte
	copy(hdr[0:4], magic[:])
	binary.BigEndian.PutUint16(hdr[4:6], FormatVersion)
	binary.BigEndian.PutUint32(hdr[6:10], uint32(blockSize))
	if _, err := dw.bw.Write(hdr[:]); err != nil {
		return nil, err
	}
	return dw, nil
}

// WriteInstruction appends one instruction record.
func (w *Writer) WriteInstruction(in Instruction) error {
	if w.ended {
		return fmt.Errorf("delta writer: instruction after end record")
	}
	rec := w.scratch[:9]
	switch in.Kind {
	case KindCopy:
		if in.Block < 0 || uint64(in.Block) > math.MaxUint32 || in.Length <= 0 || in.Length > w.blockSize {
			return fmt.Errorf("delta writer: invalid %s", in)
		}
		rec[0] = byte(KindCopy)
		binary.BigEndian.PutUint32(rec[1:5], uint32(in.Block))
		binary.BigEndian.PutUint32(rec[5:9], uint32(in.Length))
		_, err := w.bw.Write(rec)
		return err
	case KindLiteral:
		if len(in.Data) == 0 || uint64(len(in.Data)) > math.MaxUint32 {
			return fmt.Errorf("delta writer: invalid literal length %d", len(in.Data))
		}
		rec = rec[:5]
		rec[0] = byte(KindLiteral)
		binary.BigEndian.PutUint32(rec[1:5], uint32(len(in.Data)))
		if _, err := w.bw.Write(rec); err != nil {
			return err
		}
		_, err := w.bw.Write(in.Data)
		return err
	default:
		return fmt.Errorf("delta writer: unknown instruction %s", in.Kind)
	}
}

// End writes the end record and flushes the stream.
func (w *Writer) End(size int64, checksum [strong.DigestSize]byte) error {
	if w.ended {
		return fmt.Errorf("delta writer: end record already written")
	}
	w.ended = true
	rec := w.scratch[:]
	rec[0] = tagEnd
	binary.BigEndian.PutUint64(rec[1:9], uint64(size))
	copy(rec[9:], checksum[:])
	if _, err := w.bw.Write(rec); err != nil {
		return err
	}
	return w.bw.Flush()
}

// WriteTo serializes the delta to w.
func (d *Delta) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}
	dw, err := NewWriter(cw, d.BlockSize)
	if err != nil {
		return cw.n, err
	}
	for _, in := range d.Instructions {
		if err := dw.WriteInstruction(in); err != nil {
			return cw.n, err
		}
	}
	err = dw.End(d.Size, d.Checksum)
	return cw.n, err
}

// MarshalBinary returns the serialized delta.
func (d *Delta) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	if _, err := d.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Reader parses a delta stream one instruction at a time. It implements
// Source.
type Reader struct {
	br        *bufio.Reader
	blockSize int
	done      bool
	size      int64
	checksum  [strong.DigestSize]byte
	scratch   [8 + strong.DigestSize]byte
}

// NewReader reads and validates the delta header.
func NewReader(r io.Reader) (*Reader, error) {
	br := bufio.NewReaderSize(r, 64<<10)
	var hdr [headerSize]byte
	if _, err := io.ReadFull(br, hdr[:]); err != nil {
		return nil, malformed("header", err)
	}
	if !bytes.Equal(hdr[0:4], magic[:]) {
		return nil, fmt.Errorf("%w: bad magic %q", ErrMalformed, hdr[0:4])
	}
	if v := binary.BigEndian.Uint16(hdr[4:6]); v != FormatVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrMalformed, v)
	}
	bs := int(binary.BigEndian.Uint32(hdr[6:10]))
	if err := signature.ValidateBlockSize(bs); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &Reader{br: br, blockSize: bs}, nil
}

// BlockSize returns the basis block size recorded in the header.
func (r *Reader) BlockSize() int {
	return r.blockSize
}

// Next returns the next instruction, or io.EOF after the end record.
func (r *Reader) Next() (Instruction, error) {
	if r.done {
		return Instruction{}, io.EOF
	}

	tag, err := r.br.ReadByte()
	if err != nil {
		return Instruction{}, malformed("record tag", err)
	}

	switch tag {
	case byte(KindCopy):
		rec := r.scratch[:8]
		if _, err := io.ReadFull(r.br, rec); err != nil {
			return Instruction{}, malformed("copy record", err)
		}
		block := int(binary.BigEndian.Uint32(rec[0:4]))
		length := int(binary.BigEndian.Uint32(rec[4:8]))
		if length == 0 || length > r.blockSize {
			return Instruction{}, fmt.Errorf("%w: copy of block %d has length %d (block size %d)", ErrMalformed, block, length, r.blockSize)
		}
		return Copy(block, length), nil

	case byte(KindLiteral):
		rec := r.scratch[:4]
		if _, err := io.ReadFull(r.br, rec); err != nil {
			return Instruction{}, malformed("literal length", err)
		}
		n := int64(binary.BigEndian.Uint32(rec))
		if n == 0 {
			return Instruction{}, fmt.Errorf("%w: empty literal", ErrMalformed)
		}
		data, err := io.ReadAll(io.LimitReader(r.br, n))
		if err != nil {
			return Instruction{}, fmt.Errorf("failed to read literal: %w", err)
		}
		if int64(len(data)) != n {
			return Instruction{}, fmt.Errorf("%w: truncated literal (%d of %d bytes)", ErrMalformed, len(data), n)
		}
		return Literal(data), nil

	case tagEnd:
		rec := r.scratch[:]
		if _, err := io.ReadFull(r.br, rec); err != nil {
			return Instruction{}, malformed("end record", err)
		}
		r.size = int64(binary.BigEndian.Uint64(rec[0:8]))
		copy(r.checksum[:], rec[8:])
		if r.size < 0 {
			return Instruction{}, fmt.Errorf("%w: negative output size", ErrMalformed)
		}
		if _, err := r.br.ReadByte(); err != io.EOF {
			return Instruction{}, fmt.Errorf("%w: trailing data after end record", ErrMalformed)
		}
		r.done = true
		return Instruction{}, io.EOF

	default:
		return Instruction{}, fmt.Errorf("%w: unknown record tag 0x%02x", ErrMalformed, tag)
	}
}

// Trailer returns the output size and checksum from the end record.
func (r *Reader) Trailer() (int64, [strong.DigestSize]byte) {
	return r.size, r.checksum
}

// Read parses a complete delta into memory.
func Read(r io.Reader) (*Delta, error) {
	dr, err := NewReader(r)
	if err != nil {
		return nil, err
	}
	d := &Delta{BlockSize: dr.BlockSize()}
	for {
		in, err := dr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		d.Instructions = append(d.Instructions, in)
	}
	d.Size, d.Checksum = dr.Trailer()
	return d, nil
}

func malformed(what string, err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return fmt.Errorf("%w: truncated %s", ErrMalformed, what)
	}
	return fmt.Errorf("failed to read %s: %w", what, err)
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
