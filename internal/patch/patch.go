// Package patch reconstructs a new file by replaying a delta against its
// basis file.
package patch

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/quantarax/rdiff/internal/delta"
	"github.com/quantarax/rdiff/internal/fsutil"
	"github.com/quantarax/rdiff/internal/strong"
)

var (
	ErrBlockOutOfRange  = errors.New("block reference out of range")
	ErrChecksumMismatch = errors.New("reconstructed file does not match delta checksum")
)

// Result describes a completed patch.
type Result struct {
	Copies       int
	Literals     int
	BytesWritten int64
}

// Apply replays src against basis and writes the reconstructed file to w.
// Instructions are processed strictly in order. The output size and BLAKE3
// digest are checked against the delta trailer after the last instruction.
func Apply(ctx context.Context, basis io.ReaderAt, basisSize int64, src delta.Source, w io.Writer) (*Result, error) {
	bs := int64(src.BlockSize())
	if bs <= 0 {
		return nil, fmt.Errorf("%w: block size %d", delta.ErrMalformed, bs)
	}

	digest := strong.NewDigest()
	bw := bufio.NewWriterSize(io.MultiWriter(w, digest), 64<<10)
	buf := make([]byte, bs)
	res := &Result{}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		in, err := src.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		switch in.Kind {
		case delta.KindCopy:
			offset := int64(in.Block) * bs
			length := int64(in.Length)
			if in.Block < 0 || offset >= basisSize || length <= 0 || length > bs ||
				offset+length > basisSize || (length < bs && offset+length != basisSize) {
				return nil, fmt.Errorf("%w: copy of block %d (%d bytes) from %d-byte basis", ErrBlockOutOfRange, in.Block, in.Length, basisSize)
			}
			chunk := buf[:length]
			if n, err := basis.ReadAt(chunk, offset); n < len(chunk) {
				if err == nil || errors.Is(err, io.EOF) {
					err = io.ErrUnexpectedEOF
				}
				return nil, fmt.Errorf("failed to read basis block %d: %w", in.Block, err)
			}
			if _, err := bw.Write(chunk); err != nil {
				return nil, fmt.Errorf("failed to write output: %w", err)
			}
			res.Copies++
			res.BytesWritten += length

		case delta.KindLiteral:
			if _, err := bw.Write(in.Data); err != nil {
				return nil, fmt.Errorf("failed to write output: %w", err)
			}
			res.Literals++
			res.BytesWritten += int64(len(in.Data))

		default:
			return nil, fmt.Errorf("%w: unknown instruction %s", delta.ErrMalformed, in.Kind)
		}
	}

	if err := bw.Flush(); err != nil {
		return nil, fmt.Errorf("failed to write output: %w", err)
	}

	size, checksum := src.Trailer()
	if size != res.BytesWritten {
		return nil, fmt.Errorf("%w: wrote %d bytes, delta declares %d", ErrChecksumMismatch, res.BytesWritten, size)
	}
	var got [strong.DigestSize]byte
	copy(got[:], digest.Sum(nil))
	if got != checksum {
		return nil, ErrChecksumMismatch
	}
	return res, nil
}

// ApplyFile patches basisPath with the delta file at deltaPath and writes the
// result atomically to outputPath. On failure no output file is left behind.
func ApplyFile(ctx context.Context, basisPath, deltaPath, outputPath string) (*Result, error) {
	basis, err := os.Open(basisPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open basis file: %w", err)
	}
	defer basis.Close()

	info, err := basis.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat basis file: %w", err)
	}

	df, err := os.Open(deltaPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open delta file: %w", err)
	}
	defer df.Close()

	src, err := delta.NewReader(df)
	if err != nil {
		return nil, err
	}

	var res *Result
	err = fsutil.WriteFileAtomic(outputPath, 0644, func(w io.Writer) error {
		var err error
		res, err = Apply(ctx, basis, info.Size(), src, w)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}
