package current

import (
	"errors"
	"fmt"
)

// The six public error kinds. Every failure surfaced by this package
// wraps exactly one of them, except that Execute returns a cancelled or
// expired context's error as is; use errors.Is to classify.
var (
	// ErrConfig marks invalid Map construction parameters or an
	// unsupported element format.
	ErrConfig = errors.New("config error")

	// ErrGraph marks topology mistakes: unknown ports, duplicate or
	// missing bindings, cycles between kernels.
	ErrGraph = errors.New("graph error")

	// ErrShape marks inconsistent tile counts or index vectors.
	ErrShape = errors.New("shape error")

	// ErrResource marks DRAM, scratch, or circular-buffer exhaustion.
	ErrResource = errors.New("resource error")

	// ErrCompile marks compute expression failures.
	ErrCompile = errors.New("compile error")

	// ErrDevice marks host SDK failures.
	ErrDevice = errors.New("device error")
)

func errf(kind error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
}

func wrap(kind error, err error) error {
	return fmt.Errorf("%w: %w", kind, err)
}
