package signature

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/quantarax/rdiff/internal/strong"
)

// Signature file layout (big-endian):
//
//	magic      [4]byte "RDSG"
//	version    uint16
//	algorithm  uint8
//	strong_len uint8
//	block_size uint32
//	file_size  uint64
//	count      uint64
//	records    count × {weak uint32, strong [strong_len]byte}
//	checksum   [32]byte BLAKE3 of all preceding bytes
const (
	FormatVersion = 1
	headerSize    = 4 + 2 + 1 + 1 + 4 + 8 + 8
)

var magic = [4]byte{'R', 'D', 'S', 'G'}

// WriteTo serializes the signature to w.
func (s *Signature) WriteTo(w io.Writer) (int64, error) {
	if err := ValidateBlockSize(s.BlockSize); err != nil {
		return 0, err
	}
	if s.StrongLen < 1 || s.StrongLen > strong.MaxSize {
		return 0, fmt.Errorf("%w: %d", strong.ErrInvalidLength, s.StrongLen)
	}

	sum := strong.NewDigest()
	cw := &countingWriter{w: io.MultiWriter(w, sum)}
	bw := bufio.NewWriter(cw)

	var hdr [headerSize]byte
	copy(hdr[0:4], magic[:])
	binary.BigEndian.PutUint16(hdr[4:6], FormatVersion)
	hdr[6] = byte(s.Algorithm)
	hdr[7] = byte(s.StrongLen)
	binary.BigEndian.PutUint32(hdr[8:12], uint32(s.BlockSize))
	binary.BigEndian.PutUint64(hdr[12:20], uint64(s.FileSize))
	binary.BigEndian.PutUint64(hdr[20:28], uint64(len(s.Blocks)))
	if _, err := bw.Write(hdr[:]); err != nil {
		return cw.n, err
	}

	rec := make([]byte, 4+s.StrongLen)
	for _, b := range s.Blocks {
		if len(b.Strong) != s.StrongLen {
			return cw.n, fmt.Errorf("block %d: strong hash is %d bytes, expected %d", b.Index, len(b.Strong), s.StrongLen)
		}
		binary.BigEndian.PutUint32(rec[0:4], b.Weak)
		copy(rec[4:], b.Strong)
		if _, err := bw.Write(rec); err != nil {
			return cw.n, err
		}
	}
	if err := bw.Flush(); err != nil {
		return cw.n, err
	}

	n, err := w.Write(sum.Sum(nil))
	return cw.n + int64(n), err
}

// MarshalBinary returns the serialized signature.
func (s *Signature) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	if _, err := s.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Read parses a serialized signature. Any structural problem is reported as
// ErrMalformed.
func Read(r io.Reader) (*Signature, error) {
	br := bufio.NewReader(r)
	sum := strong.NewDigest()
	tr := io.TeeReader(br, sum)

	var hdr [headerSize]byte
	if _, err := io.ReadFull(tr, hdr[:]); err != nil {
		return nil, malformed("header", err)
	}
	if !bytes.Equal(hdr[0:4], magic[:]) {
		return nil, fmt.Errorf("%w: bad magic %q", ErrMalformed, hdr[0:4])
	}
	if v := binary.BigEndian.Uint16(hdr[4:6]); v != FormatVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrMalformed, v)
	}

	sig := &Signature{
		Algorithm: strong.Algorithm(hdr[6]),
		StrongLen: int(hdr[7]),
		BlockSize: int(binary.BigEndian.Uint32(hdr[8:12])),
		FileSize:  int64(binary.BigEndian.Uint64(hdr[12:20])),
	}
	count := binary.BigEndian.Uint64(hdr[20:28])

	if !sig.Algorithm.Valid() {
		return nil, fmt.Errorf("%w: unknown strong hash algorithm %d", ErrMalformed, hdr[6])
	}
	if sig.StrongLen < 1 || sig.StrongLen > strong.MaxSize {
		return nil, fmt.Errorf("%w: strong hash length %d", ErrMalformed, sig.StrongLen)
	}
	if err := ValidateBlockSize(sig.BlockSize); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if sig.FileSize < 0 || uint64(blockCount(sig.FileSize, sig.BlockSize)) != count {
		return nil, fmt.Errorf("%w: %d blocks do not cover %d bytes", ErrMalformed, count, sig.FileSize)
	}

	prealloc := count
	if prealloc > 1<<20 {
		prealloc = 1 << 20
	}
	sig.Blocks = make([]Block, 0, prealloc)

	rec := make([]byte, 4+sig.StrongLen)
	for i := uint64(0); i < count; i++ {
		if _, err := io.ReadFull(tr, rec); err != nil {
			return nil, malformed(fmt.Sprintf("block record %d", i), err)
		}
		offset := int64(i) * int64(sig.BlockSize)
		length := sig.BlockSize
		if rest := sig.FileSize - offset; rest < int64(length) {
			length = int(rest)
		}
		sig.Blocks = append(sig.Blocks, Block{
			Index:  int(i),
			Offset: offset,
			Length: length,
			Weak:   binary.BigEndian.Uint32(rec[0:4]),
			Strong: append([]byte(nil), rec[4:]...),
		})
	}

	want := sum.Sum(nil)
	got := make([]byte, len(want))
	if _, err := io.ReadFull(br, got); err != nil {
		return nil, malformed("checksum", err)
	}
	if !bytes.Equal(got, want) {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrMalformed)
	}
	if _, err := br.ReadByte(); err != io.EOF {
		return nil, fmt.Errorf("%w: trailing data after checksum", ErrMalformed)
	}

	return sig, nil
}

// UnmarshalBinary parses a serialized signature into s.
func (s *Signature) UnmarshalBinary(data []byte) error {
	parsed, err := Read(bytes.NewReader(data))
	if err != nil {
		return err
	}
	*s = *parsed
	return nil
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
