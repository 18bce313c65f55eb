// Package signature builds and serializes block signatures of basis files.
package signature

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/quantarax/rdiff/internal/rollsum"
	"github.com/quantarax/rdiff/internal/strong"
)

// Options configures signature generation.
type Options struct {
	// BlockSize in bytes. Zero selects ChooseBlockSize for files of known size
	// and DefaultBlockSize otherwise.
	BlockSize int
	Algorithm strong.Algorithm
	// StrongLen truncates strong digests; zero keeps the full width.
	StrongLen int
	// Workers hashing blocks concurrently (default: GOMAXPROCS).
	Workers int
	// Hasher overrides Algorithm and StrongLen when set.
	Hasher strong.Hasher
}

// DefaultOptions returns default signature options.
func DefaultOptions() Options {
	return Options{
		BlockSize: DefaultBlockSize,
		Algorithm: strong.BLAKE3,
	}
}

type job struct {
	block *Block
	data  []byte
}

// Build reads r sequentially in BlockSize chunks and returns its signature.
// Blocks are hashed by a bounded worker pool and kept in file order.
func Build(ctx context.Context, r io.Reader, opts Options) (*Signature, error) {
	if opts.BlockSize == 0 {
		opts.BlockSize = DefaultBlockSize
	}
	if err := ValidateBlockSize(opts.BlockSize); err != nil {
		return nil, err
	}
	h := opts.Hasher
	if h == nil {
		var err error
		if h, err = strong.New(opts.Algorithm, opts.StrongLen); err != nil {
			return nil, err
		}
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	bs := opts.BlockSize
	free := make(chan []byte, 2*workers)
	for i := 0; i < cap(free); i++ {
		free <- make([]byte, bs)
	}
	jobs := make(chan job, workers)

	var blocks []*Block
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(jobs)
		for index := 0; ; index++ {
			if err := gctx.Err(); err != nil {
				return err
			}
			var buf []byte
			select {
			case buf = <-free:
			case <-gctx.Done():
				return gctx.Err()
			}

			n, err := io.ReadFull(r, buf)
			if n > 0 {
				blk := &Block{Index: index, Offset: int64(index) * int64(bs), Length: n}
				blocks = append(blocks, blk)
				select {
				case jobs <- job{block: blk, data: buf[:n]}:
				case <-gctx.Done():
					return gctx.Err()
				}
			} else {
				free <- buf
			}

			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return nil
			}
			if err != nil {
				return fmt.Errorf("failed to read block %d: %w", index, err)
			}
		}
	})

	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for j := range jobs {
				j.block.Weak = rollsum.Checksum(j.data)
				j.block.Strong = h.Sum(j.data)
				free <- j.data[:cap(j.data)]
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	sig := &Signature{
		BlockSize: bs,
		Algorithm: h.Algorithm(),
		StrongLen: h.Size(),
		Blocks:    make([]Block, len(blocks)),
	}
	for i, b := range blocks {
		sig.Blocks[i] = *b
		sig.FileSize += int64(b.Length)
	}
	return sig, nil
}

// BuildFile builds the signature of the file at path. A zero BlockSize is
// chosen from the file length.
func BuildFile(ctx context.Context, path string, opts Options) (*Signature, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	if opts.BlockSize == 0 {
		info, err := file.Stat()
		if err != nil {
			return nil, fmt.Errorf("failed to stat file: %w", err)
		}
		opts.BlockSize = ChooseBlockSize(info.Size())
	}

	return Build(ctx, file, opts)
}
