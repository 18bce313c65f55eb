package observability

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/term"
)

// Log output formats.
const (
	FormatAuto    = "auto"
	FormatJSON    = "json"
	FormatConsole = "console"
)

// Logger wraps zerolog for structured logging.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a JSON logger at info level.
func NewLogger(service, version string, output io.Writer) *Logger {
	l, _ := NewLoggerWithOptions(service, version, output, FormatJSON, "info")
	return l
}

// NewLoggerWithOptions creates a logger with the given format and level.
// FormatAuto selects the console writer when output is a terminal.
func NewLoggerWithOptions(service, version string, output io.Writer, format, level string) (*Logger, error) {
	if output == nil {
		output = os.Stderr
	}

	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	if lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	switch strings.ToLower(format) {
	case FormatJSON, "":
	case FormatConsole:
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.TimeOnly}
	case FormatAuto:
		if isTerminal(output) {
			output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.TimeOnly}
		}
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}

	zerolog.TimeFieldFormat = time.RFC3339

	logger := zerolog.New(output).Level(lvl).With().
		Timestamp().
		Str("service", service).
		Str("version", version).
		Str("host", getHostname()).
		Logger()

	return &Logger{
		logger: logger,
	}, nil
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{logger: zerolog.Nop()}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// WithRun adds run_id context to logger.
func (l *Logger) WithRun(runID string) *Logger {
	return &Logger{
		logger: l.logger.With().Str("run_id", runID).Logger(),
	}
}

// WithCommand adds command context to logger.
func (l *Logger) WithCommand(command string) *Logger {
	return &Logger{
		logger: l.logger.With().Str("command", command).Logger(),
	}
}

// WithFile adds file context to logger.
func (l *Logger) WithFile(filePath string, fileSize int64) *Logger {
	return &Logger{
		logger: l.logger.With().
			Str("file_path", filePath).
			Int64("file_size", fileSize).
			Logger(),
	}
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string) {
	l.logger.Debug().Msg(msg)
}

// Info logs an info message.
func (l *Logger) Info(msg string) {
	l.logger.Info().Msg(msg)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string) {
	l.logger.Warn().Msg(msg)
}

// Error logs an error message.
func (l *Logger) Error(err error, msg string) {
	l.logger.Error().Err(err).Msg(msg)
}

// SignatureBuilt logs a completed signature.
func (l *Logger) SignatureBuilt(filePath string, fileSize int64, blockSize, blocks int, algorithm string, strongLen int, duration time.Duration) {
	l.logger.Info().
		Str("file_path", filePath).
		Int64("file_size", fileSize).
		Int("block_size", blockSize).
		Int("blocks", blocks).
		Str("algorithm", algorithm).
		Int("strong_len", strongLen).
		Float64("duration_seconds", duration.Seconds()).
		Msg("signature built")
}

// DeltaEncoded logs a completed delta.
func (l *Logger) DeltaEncoded(filePath string, fileSize int64, copies int, copiedBytes int64, literals int, literalBytes int64, weakHits, strongMisses int, duration time.Duration) {
	l.logger.Info().
		Str("file_path", filePath).
		Int64("file_size", fileSize).
		Int("copies", copies).
		Int64("copied_bytes", copiedBytes).
		Int("literals", literals).
		Int64("literal_bytes", literalBytes).
		Int("weak_hits", weakHits).
		Int("strong_misses", strongMisses).
		Float64("duration_seconds", duration.Seconds()).
		Msg("delta encoded")
}

// PatchApplied logs a reconstructed file.
func (l *Logger) PatchApplied(basisPath, outputPath string, bytesWritten int64, copies, literals int, duration time.Duration) {
	l.logger.Info().
		Str("basis_path", basisPath).
		Str("output_path", outputPath).
		Int64("bytes_written", bytesWritten).
		Int("copies", copies).
		Int("literals", literals).
		Float64("duration_seconds", duration.Seconds()).
		Msg("patch applied")
}

// CacheHit logs a signature served from the cache.
func (l *Logger) CacheHit(filePath string, blocks int) {
	l.logger.Debug().
		Str("file_path", filePath).
		Int("blocks", blocks).
		Msg("signature cache hit")
}

// CacheCollected logs a cache garbage collection pass.
func (l *Logger) CacheCollected(cachePath string, removed, remaining int, maxAge time.Duration) {
	l.logger.Info().
		Str("cache_path", cachePath).
		Int("removed", removed).
		Int("remaining", remaining).
		Str("max_age", maxAge.String()).
		Msg("signature cache collected")
}

// CommandFailed logs a failed command with its exit code.
func (l *Logger) CommandFailed(err error, exitCode int) {
	l.logger.Error().
		Err(err).
		Int("exit_code", exitCode).
		Msg("command failed")
}

// Helper function to get hostname.
func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}
