// Package cli parses rdiff command lines and runs the signature, delta, patch
// and cache-gc commands.
package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/quantarax/rdiff/internal/config"
	"github.com/quantarax/rdiff/internal/strong"
)

// ErrUsage marks command-line mistakes. It maps to exit code 1.
var ErrUsage = errors.New("usage error")

// Command is one parsed rdiff subcommand. The concrete types are
// *SignatureCommand, *DeltaCommand, *PatchCommand and *CacheGCCommand.
type Command interface {
	Name() string
	execute(ctx context.Context, env *runEnv) error
}

// SignatureCommand writes the signature of an unchanged file.
type SignatureCommand struct {
	BasisPath     string
	SignaturePath string
	BlockSize     int // 0 picks a size from the file length
	Algorithm     strong.Algorithm
	StrongLen     int
	Workers       int
	CachePath     string
}

// DeltaCommand encodes a modified file against a signature.
type DeltaCommand struct {
	SignaturePath string
	NewPath       string
	DeltaPath     string
	MaxLiteral    int
}

// PatchCommand rebuilds the modified file from its basis and a delta.
type PatchCommand struct {
	BasisPath  string
	DeltaPath  string
	OutputPath string
}

// CacheGCCommand prunes old signature cache entries.
type CacheGCCommand struct {
	CachePath string
	MaxAge    time.Duration
}

func (*SignatureCommand) Name() string { return "signature" }
func (*DeltaCommand) Name() string     { return "delta" }
func (*PatchCommand) Name() string     { return "patch" }
func (*CacheGCCommand) Name() string   { return "cache-gc" }

// Invocation is a fully parsed command line.
type Invocation struct {
	Config  *config.Config
	Command Command
}

func usagef(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUsage, fmt.Sprintf(format, args...))
}

// Parse parses args (without the program name). Configuration is layered as
// defaults, then the -config file, then RDIFF_* variables, then flags.
func Parse(args []string, stderr io.Writer) (*Invocation, error) {
	global := flag.NewFlagSet("rdiff", flag.ContinueOnError)
	global.SetOutput(stderr)
	global.Usage = func() { printUsage(stderr) }
	configPath := global.String("config", os.Getenv(config.EnvPrefix+"CONFIG"), "YAML configuration file")
	logLevel := global.String("log-level", "", "Log level (debug, info, warn, error)")
	logFormat := global.String("log-format", "", "Log format (json, console, auto)")
	metricsFile := global.String("metrics-file", "", "Write Prometheus metrics to this file on exit")
	if err := global.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil, err
		}
		return nil, usagef("%v", err)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return nil, usagef("%v", err)
	}
	global.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "log-level":
			cfg.LogLevel = *logLevel
		case "log-format":
			cfg.LogFormat = *logFormat
		case "metrics-file":
			cfg.MetricsFile = *metricsFile
		}
	})

	rest := global.Args()
	if len(rest) == 0 {
		printUsage(stderr)
		return nil, usagef("missing command")
	}

	var cmd Command
	switch name, sub := rest[0], rest[1:]; name {
	case "signature":
		cmd, err = parseSignature(cfg, sub, stderr)
	case "delta":
		cmd, err = parseDelta(cfg, sub, stderr)
	case "patch":
		cmd, err = parsePatch(sub, stderr)
	case "cache-gc":
		cmd, err = parseCacheGC(cfg, sub, stderr)
	default:
		printUsage(stderr)
		return nil, usagef("unknown command %q", name)
	}
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, usagef("%v", err)
	}
	return &Invocation{Config: cfg, Command: cmd}, nil
}

func newFlagSet(name, args string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: rdiff %s [flags] %s\n", name, args)
		fs.PrintDefaults()
	}
	return fs
}

func parseFlags(fs *flag.FlagSet, args []string, positional int) ([]string, error) {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil, err
		}
		return nil, usagef("%s: %v", fs.Name(), err)
	}
	if fs.NArg() != positional {
		fs.Usage()
		return nil, usagef("%s: expected %d arguments, got %d", fs.Name(), positional, fs.NArg())
	}
	return fs.Args(), nil
}

func parseSignature(cfg *config.Config, args []string, stderr io.Writer) (Command, error) {
	fs := newFlagSet("signature", "<unchanged_file> <signature_file>", stderr)
	fs.IntVar(&cfg.BlockSize, "block-size", cfg.BlockSize, "Block size in bytes (0 = choose from file size)")
	fs.StringVar(&cfg.Hash, "hash", cfg.Hash, "Strong hash algorithm (blake3, blake2b)")
	fs.IntVar(&cfg.StrongLen, "strong-len", cfg.StrongLen, "Strong hash bytes kept per block (0 = full digest)")
	fs.IntVar(&cfg.Workers, "workers", cfg.Workers, "Concurrent hashing workers")
	fs.StringVar(&cfg.CachePath, "cache", cfg.CachePath, "Signature cache database")
	pos, err := parseFlags(fs, args, 2)
	if err != nil {
		return nil, err
	}
	alg, err := cfg.Algorithm()
	if err != nil {
		return nil, usagef("hash: %v", err)
	}
	return &SignatureCommand{
		BasisPath:     pos[0],
		SignaturePath: pos[1],
		BlockSize:     cfg.BlockSize,
		Algorithm:     alg,
		StrongLen:     cfg.StrongLen,
		Workers:       cfg.Workers,
		CachePath:     cfg.CachePath,
	}, nil
}

func parseDelta(cfg *config.Config, args []string, stderr io.Writer) (Command, error) {
	fs := newFlagSet("delta", "<signature_file> <modified_file> <delta_file>", stderr)
	fs.IntVar(&cfg.MaxLiteral, "max-literal", cfg.MaxLiteral, "Largest literal instruction in bytes (0 = unlimited)")
	pos, err := parseFlags(fs, args, 3)
	if err != nil {
		return nil, err
	}
	return &DeltaCommand{
		SignaturePath: pos[0],
		NewPath:       pos[1],
		DeltaPath:     pos[2],
		MaxLiteral:    cfg.MaxLiteral,
	}, nil
}

func parsePatch(args []string, stderr io.Writer) (Command, error) {
	fs := newFlagSet("patch", "<basis_file> <delta_file> <output_file>", stderr)
	pos, err := parseFlags(fs, args, 3)
	if err != nil {
		return nil, err
	}
	return &PatchCommand{
		BasisPath:  pos[0],
		DeltaPath:  pos[1],
		OutputPath: pos[2],
	}, nil
}

func parseCacheGC(cfg *config.Config, args []string, stderr io.Writer) (Command, error) {
	fs := newFlagSet("cache-gc", "", stderr)
	fs.StringVar(&cfg.CachePath, "cache", cfg.CachePath, "Signature cache database")
	fs.DurationVar(&cfg.CacheMaxAge, "max-age", cfg.CacheMaxAge, "Remove entries older than this")
	if _, err := parseFlags(fs, args, 0); err != nil {
		return nil, err
	}
	if cfg.CachePath == "" {
		return nil, usagef("cache-gc: -cache is required")
	}
	return &CacheGCCommand{
		CachePath: cfg.CachePath,
		MaxAge:    cfg.CacheMaxAge,
	}, nil
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "rdiff - signature, delta and patch for remote file synchronization")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  rdiff [global flags] signature [flags] <unchanged_file> <signature_file>")
	fmt.Fprintln(w, "  rdiff [global flags] delta [flags] <signature_file> <modified_file> <delta_file>")
	fmt.Fprintln(w, "  rdiff [global flags] patch <basis_file> <delta_file> <output_file>")
	fmt.Fprintln(w, "  rdiff [global flags] cache-gc -cache <db> [-max-age 720h]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Global flags: -config <yaml>, -log-level, -log-format, -metrics-file")
	fmt.Fprintln(w, "Run 'rdiff <command> -h' for command-specific help")
}
