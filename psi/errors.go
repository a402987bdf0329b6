package psi

import (
	"errors"
	"fmt"
)

// Error kinds returned by the package. Use errors.Is to test for them.
var (
	ErrFormat          = errors.New("malformed psi container")
	ErrTileNotFound    = errors.New("tile not found")
	ErrInvalidLayer    = errors.New("invalid layer")
	ErrOutOfBounds     = errors.New("region does not intersect the image")
	ErrCodec           = errors.New("tile payload cannot be decoded")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrClosed          = errors.New("container is closed")
)

// TileError reports which tile a per-tile failure belongs to.
type TileError struct {
	Code int
	Err  error
}

func (e *TileError) Error() string {
	return fmt.Sprintf("tile %d: %v", e.Code, e.Err)
}

func (e *TileError) Unwrap() error { return e.Err }

func formatErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrFormat, fmt.Sprintf(format, args...))
}

func invalidArgf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}
