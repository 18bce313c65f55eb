package validation

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

var (
	ErrInvalidPath   = errors.New("invalid file path")
	ErrPathNotExists = errors.New("path does not exist")
	ErrNotRegular    = errors.New("not a regular file")
	ErrSamePath      = errors.New("paths must differ")
	ErrEmptyString   = errors.New("value must not be empty")
	ErrOutOfRange    = errors.New("value out of range")
	ErrNotAllowed    = errors.New("value not allowed")
)

func ValidateFilePath(p string, mustExist bool) error {
	if p == "" {
		return ErrInvalidPath
	}
	if strings.ContainsRune(p, 0) {
		return fmt.Errorf("%w: contains NUL byte", ErrInvalidPath)
	}
	if mustExist {
		info, err := os.Stat(filepath.Clean(p))
		if err != nil {
			return fmt.Errorf("%w: %v", ErrPathNotExists, err)
		}
		if !info.Mode().IsRegular() {
			return fmt.Errorf("%w: %s", ErrNotRegular, p)
		}
	}
	return nil
}

// ValidateOutputPath checks that an output file can be created: its parent
// directory must exist and it must not name one of the inputs.
func ValidateOutputPath(p string, inputs ...string) error {
	if err := ValidateFilePath(p, false); err != nil {
		return err
	}
	dir := filepath.Dir(filepath.Clean(p))
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPathNotExists, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrInvalidPath, dir)
	}
	for _, in := range inputs {
		if samePath(p, in) {
			return fmt.Errorf("%w: output %s is also an input", ErrSamePath, p)
		}
	}
	return nil
}

func samePath(a, b string) bool {
	if filepath.Clean(a) == filepath.Clean(b) {
		return true
	}
	ai, err := os.Stat(a)
	if err != nil {
		return false
	}
	bi, err := os.Stat(b)
	if err != nil {
		return false
	}
	return os.SameFile(ai, bi)
}

func ValidateStringNonEmpty(s string) error {
	if s == "" {
		return ErrEmptyString
	}
	return nil
}

func ValidateRangeInt(v, min, max int) error {
	if v < min || v > max {
		return fmt.Errorf("%w: %d not in [%d,%d]", ErrOutOfRange, v, min, max)
	}
	return nil
}

func ValidatePositiveDuration(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("%w: duration %s must be positive", ErrOutOfRange, d)
	}
	return nil
}

// ValidateOneOf reports whether s is one of allowed, compared case-insensitively.
func ValidateOneOf(s string, allowed ...string) error {
	for _, a := range allowed {
		if strings.EqualFold(s, a) {
			return nil
		}
	}
	return fmt.Errorf("%w: %q (want one of %s)", ErrNotAllowed, s, strings.Join(allowed, ", "))
}
