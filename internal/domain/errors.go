package domain

import (
	"errors"
	"fmt"
)

// Error taxonomy shared across packages. Callers branch with errors.Is.
var (
	// ErrInvalidInput marks malformed parameters or misaligned series. It is
	// never retried.
	ErrInvalidInput = errors.New("invalid input")

	// ErrInvalidParameter marks an out-of-range indicator or strategy
	// parameter. It also matches ErrInvalidInput.
	ErrInvalidParameter = fmt.Errorf("%w: invalid parameter", ErrInvalidInput)

	// ErrNotFound marks a missing price series or stored record.
	ErrNotFound = errors.New("not found")

	// ErrDataCorruption marks an unreadable or truncated persisted payload.
	ErrDataCorruption = errors.New("data corruption")
)
