package dispatch

import "github.com/pkg/errors"

var (
	// ErrNoListeners is returned by New when given an empty listener set.
	ErrNoListeners = errors.New("dispatch: at least one listener is required")

	// ErrInvalidMaxActive is returned by New when maxActive is not positive.
	ErrInvalidMaxActive = errors.New("dispatch: max active connections must be positive")
)
