package cli

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/quantarax/rdiff/internal/blockindex"
	"github.com/quantarax/rdiff/internal/delta"
	"github.com/quantarax/rdiff/internal/fsutil"
	"github.com/quantarax/rdiff/internal/observability"
	"github.com/quantarax/rdiff/internal/patch"
	"github.com/quantarax/rdiff/internal/sigcache"
	"github.com/quantarax/rdiff/internal/signature"
	"github.com/quantarax/rdiff/internal/strong"
	"github.com/quantarax/rdiff/internal/validation"
)

// Version is reported in logs and traces.
var Version = "dev"

// Exit codes.
const (
	ExitOK        = 0
	ExitUsage     = 1
	ExitIO        = 2
	ExitMalformed = 3
	ExitCorrupt   = 4
)

type runEnv struct {
	log     *observability.Logger
	metrics *observability.Metrics
	stdout  io.Writer
}

// ExitCode classifies err into a process exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, ErrUsage),
		errors.Is(err, validation.ErrInvalidPath),
		errors.Is(err, validation.ErrSamePath),
		errors.Is(err, validation.ErrOutOfRange),
		errors.Is(err, validation.ErrNotAllowed),
		errors.Is(err, validation.ErrEmptyString):
		return ExitUsage
	case errors.Is(err, signature.ErrMalformed), errors.Is(err, delta.ErrMalformed):
		return ExitMalformed
	case errors.Is(err, patch.ErrBlockOutOfRange), errors.Is(err, patch.ErrChecksumMismatch):
		return ExitCorrupt
	default:
		return ExitIO
	}
}

// Run parses args, executes the command and returns the exit code.
func Run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	inv, err := Parse(args, stderr)
	if errors.Is(err, flag.ErrHelp) {
		return ExitOK
	}
	if err != nil {
		fmt.Fprintf(stderr, "rdiff: %v\n", err)
		return ExitCode(err)
	}
	cfg, cmd := inv.Config, inv.Command

	logger, err := observability.NewLoggerWithOptions("rdiff", Version, stderr, cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(stderr, "rdiff: %v\n", err)
		return ExitUsage
	}
	logger = logger.WithRun(uuid.NewString()).WithCommand(cmd.Name())
	metrics := observability.NewMetrics()

	shutdown, err := observability.InitTracing(ctx, "rdiff", Version)
	if err != nil {
		logger.Error(err, "tracing disabled")
		shutdown = func(context.Context) error { return nil }
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdown(sctx)
	}()

	ctx, span := observability.StartSpan(ctx, "rdiff."+cmd.Name())
	start := time.Now()
	err = cmd.execute(ctx, &runEnv{log: logger, metrics: metrics, stdout: stdout})
	observability.EndSpan(span, err)
	metrics.RecordOperation(cmd.Name(), err == nil, time.Since(start).Seconds())

	if cfg.MetricsFile != "" {
		if werr := metrics.WriteToTextfile(cfg.MetricsFile); werr != nil {
			logger.Error(werr, "failed to write metrics file")
		}
	}

	if err != nil {
		code := ExitCode(err)
		logger.CommandFailed(err, code)
		fmt.Fprintf(stderr, "rdiff %s: %v\n", cmd.Name(), err)
		return code
	}
	return ExitOK
}

func (c *SignatureCommand) execute(ctx context.Context, env *runEnv) error {
	if err := validation.ValidateFilePath(c.BasisPath, true); err != nil {
		return err
	}
	if err := validation.ValidateOutputPath(c.SignaturePath, c.BasisPath); err != nil {
		return err
	}

	file, err := os.Open(c.BasisPath)
	if err != nil {
		return fmt.Errorf("failed to open basis file: %w", err)
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat basis file: %w", err)
	}

	blockSize := c.BlockSize
	if blockSize == 0 {
		blockSize = signature.ChooseBlockSize(info.Size())
	}
	hasher, err := strong.New(c.Algorithm, c.StrongLen)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUsage, err)
	}
	opts := signature.Options{
		BlockSize: blockSize,
		Workers:   c.Workers,
		Hasher:    hasher,
	}

	var cache *sigcache.Cache
	var key sigcache.Key
	if c.CachePath != "" {
		if cache, err = sigcache.Open(c.CachePath); err != nil {
			return err
		}
		defer cache.Close()
		key = sigcache.Key{
			Path:      c.BasisPath,
			Size:      info.Size(),
			ModTime:   info.ModTime(),
			BlockSize: blockSize,
			Algorithm: hasher.Algorithm(),
			StrongLen: hasher.Size(),
		}
	}

	ctx, span := observability.StartSpan(ctx, "signature.build",
		attribute.String("file_path", c.BasisPath),
		attribute.Int64("file_size", info.Size()),
		attribute.Int("block_size", blockSize))
	start := time.Now()
	sig, cached, err := c.build(ctx, env, file, opts, cache, key)
	observability.EndSpan(span, err)
	if err != nil {
		return err
	}

	err = fsutil.WriteFileAtomic(c.SignaturePath, 0644, func(w io.Writer) error {
		_, err := sig.WriteTo(w)
		return err
	})
	if err != nil {
		return err
	}

	if !cached {
		env.metrics.RecordSignature(sig.Len())
		env.log.SignatureBuilt(c.BasisPath, sig.FileSize, sig.BlockSize, sig.Len(), sig.Algorithm.String(), sig.StrongLen, time.Since(start))
	}
	fmt.Fprintf(env.stdout, "signature: %d blocks of %s covering %s\n",
		sig.Len(), humanize.IBytes(uint64(sig.BlockSize)), humanize.IBytes(uint64(sig.FileSize)))
	return nil
}

// build returns the signature of file, consulting cache when it is non-nil.
// A fresh signature is only cached if the file did not change while it was
// being read.
func (c *SignatureCommand) build(ctx context.Context, env *runEnv, file *os.File, opts signature.Options, cache *sigcache.Cache, key sigcache.Key) (*signature.Signature, bool, error) {
	if cache != nil {
		sig, ok, err := cache.Get(key)
		if err != nil {
			env.log.Error(err, "signature cache lookup failed")
		}
		env.metrics.RecordCacheLookup(ok)
		if ok {
			env.log.CacheHit(c.BasisPath, sig.Len())
			return sig, true, nil
		}
	}

	sig, err := signature.Build(ctx, bufio.NewReaderSize(file, 256<<10), opts)
	if err != nil {
		return nil, false, err
	}

	if cache != nil {
		after, err := file.Stat()
		if err == nil && after.Size() == key.Size && after.ModTime().Equal(key.ModTime) && sig.FileSize == key.Size {
			if err := cache.Put(key, sig); err != nil {
				env.log.Error(err, "failed to store signature in cache")
			}
		} else {
			env.log.Warn("basis file changed while signing; not caching")
		}
	}
	return sig, false, nil
}

func (c *DeltaCommand) execute(ctx context.Context, env *runEnv) error {
	for _, p := range []string{c.SignaturePath, c.NewPath} {
		if err := validation.ValidateFilePath(p, true); err != nil {
			return err
		}
	}
	if err := validation.ValidateOutputPath(c.DeltaPath, c.SignaturePath, c.NewPath); err != nil {
		return err
	}

	sigFile, err := os.Open(c.SignaturePath)
	if err != nil {
		return fmt.Errorf("failed to open signature file: %w", err)
	}
	sig, err := signature.Read(sigFile)
	sigFile.Close()
	if err != nil {
		return err
	}

	enc, err := delta.NewEncoder(blockindex.New(sig), delta.Options{MaxLiteral: c.MaxLiteral})
	if err != nil {
		return err
	}

	newFile, err := os.Open(c.NewPath)
	if err != nil {
		return fmt.Errorf("failed to open modified file: %w", err)
	}
	defer newFile.Close()

	ctx, span := observability.StartSpan(ctx, "delta.encode",
		attribute.String("file_path", c.NewPath),
		attribute.Int("block_size", sig.BlockSize),
		attribute.Int("blocks", sig.Len()))
	start := time.Now()
	var stats *delta.Stats
	err = fsutil.WriteFileAtomic(c.DeltaPath, 0644, func(w io.Writer) error {
		dw, err := delta.NewWriter(w, enc.BlockSize())
		if err != nil {
			return err
		}
		stats, err = enc.EncodeTo(ctx, newFile, dw)
		return err
	})
	if stats != nil {
		span.SetAttributes(
			attribute.Int64("copied_bytes", stats.CopiedBytes),
			attribute.Int64("literal_bytes", stats.LiteralBytes))
	}
	observability.EndSpan(span, err)
	if err != nil {
		return err
	}

	env.metrics.RecordDelta(stats.Copies, stats.CopiedBytes, stats.Literals, stats.LiteralBytes, stats.WeakHits, stats.StrongMisses)
	env.log.DeltaEncoded(c.NewPath, stats.Size, stats.Copies, stats.CopiedBytes, stats.Literals, stats.LiteralBytes, stats.WeakHits, stats.StrongMisses, time.Since(start))
	fmt.Fprintf(env.stdout, "delta: %d copies (%s), %d literals (%s)\n",
		stats.Copies, humanize.IBytes(uint64(stats.CopiedBytes)),
		stats.Literals, humanize.IBytes(uint64(stats.LiteralBytes)))
	return nil
}

func (c *PatchCommand) execute(ctx context.Context, env *runEnv) error {
	for _, p := range []string{c.BasisPath, c.DeltaPath} {
		if err := validation.ValidateFilePath(p, true); err != nil {
			return err
		}
	}
	if err := validation.ValidateOutputPath(c.OutputPath, c.BasisPath, c.DeltaPath); err != nil {
		return err
	}

	ctx, span := observability.StartSpan(ctx, "patch.apply",
		attribute.String("basis_path", c.BasisPath),
		attribute.String("output_path", c.OutputPath))
	start := time.Now()
	res, err := patch.ApplyFile(ctx, c.BasisPath, c.DeltaPath, c.OutputPath)
	if res != nil {
		span.SetAttributes(attribute.Int64("bytes_written", res.BytesWritten))
	}
	observability.EndSpan(span, err)
	if err != nil {
		return err
	}

	env.metrics.RecordPatch(res.BytesWritten)
	env.log.PatchApplied(c.BasisPath, c.OutputPath, res.BytesWritten, res.Copies, res.Literals, time.Since(start))
	fmt.Fprintf(env.stdout, "patch: wrote %s (%d copies, %d literals)\n",
		humanize.IBytes(uint64(res.BytesWritten)), res.Copies, res.Literals)
	return nil
}

func (c *CacheGCCommand) execute(ctx context.Context, env *runEnv) error {
	if err := validation.ValidatePositiveDuration(c.MaxAge); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	cache, err := sigcache.Open(c.CachePath)
	if err != nil {
		return err
	}
	defer cache.Close()

	removed, err := cache.GC(c.MaxAge)
	if err != nil {
		return fmt.Errorf("failed to collect signature cache: %w", err)
	}
	remaining, err := cache.Len()
	if err != nil {
		return err
	}
	env.log.CacheCollected(c.CachePath, removed, remaining, c.MaxAge)
	fmt.Fprintf(env.stdout, "cache-gc: removed %d entries, %d remain\n", removed, remaining)
	return nil
}
